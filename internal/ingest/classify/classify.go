// Package classify turns raw vendor MQTT payloads into canonical
// observations. It is the single place where vendor payload quirks are
// reconciled: per-vendor dispatch tables map topics and discriminator fields
// to observation kinds, per-kind extractors rename vendor fields to the
// canonical value keys, and shape plus range validation happens before a
// record leaves the package.
package classify

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// MaxPayloadBytes is the largest accepted MQTT payload. Anything beyond is
// rejected as a malformed encoding.
const MaxPayloadBytes = 64 * 1024

// Topic names subscribed per vendor (see the mqtt session for the
// subscription set).
const (
	TopicAVA4Gateway = "ESP32_BLE_GW_TX"
	TopicAVA4Sub     = "dusun_sub"
	TopicAVA4Status  = "dusun_status"
	TopicKatiPrefix  = "iMEDE_watch/"
	TopicQube        = "CM4_BLE_GW_TX"
)

// Classifier validates and normalizes vendor payloads.
type Classifier struct {
	// Strict controls clock-skew handling: when set, an effective time
	// outside the accepted window rejects the message instead of clamping
	// it to the received time. Range violations reject in both modes.
	Strict bool
}

// Classify parses payload received on topic at the given broker-receipt
// time. It returns a canonical observation or a typed payload error; it
// never returns both.
func (c *Classifier) Classify(topic string, payload []byte, received time.Time) (*canonical.Observation, *Error) {
	if len(payload) > MaxPayloadBytes {
		return nil, &Error{Code: CodeMalformedEncoding, Detail: "payload exceeds 64KiB", HexPayload: hex.EncodeToString(payload[:64])}
	}
	if !utf8.Valid(payload) {
		return nil, &Error{Code: CodeMalformedEncoding, Detail: "payload is not UTF-8", HexPayload: hex.EncodeToString(payload)}
	}

	var obs *canonical.Observation
	var perr *Error
	switch {
	case topic == TopicAVA4Gateway || topic == TopicAVA4Sub || topic == TopicAVA4Status:
		obs, perr = c.classifyAVA4(topic, payload)
	case strings.HasPrefix(topic, TopicKatiPrefix):
		obs, perr = c.classifyKati(strings.TrimPrefix(topic, TopicKatiPrefix), payload)
	case topic == TopicQube:
		obs, perr = c.classifyQube(payload)
	default:
		return nil, &Error{Code: CodeUnknownTopic, Detail: topic}
	}
	if perr != nil {
		return nil, perr
	}

	obs.IngestID = uuid.New()
	obs.Topic = topic
	obs.ReceivedTime = received
	obs.RawPayload = payload

	if c.Strict && outsideClockWindow(obs.EffectiveTime, received) {
		return nil, &Error{Code: CodeClockSkew, Detail: "device timestamp outside accepted window"}
	}
	obs.ClampEffectiveTime()
	for i := range obs.Batch {
		if obs.Batch[i].EffectiveTime.IsZero() {
			obs.Batch[i].EffectiveTime = obs.EffectiveTime
			continue
		}
		if outsideClockWindow(obs.Batch[i].EffectiveTime, received) {
			if c.Strict {
				return nil, &Error{Code: CodeClockSkew, Detail: "sample " + strconv.Itoa(i) + " timestamp outside accepted window"}
			}
			obs.Batch[i].EffectiveTime = obs.EffectiveTime
		}
	}

	if err := validateObs(obs); err != nil {
		return nil, err
	}
	for _, d := range obs.Derived {
		d.IngestID = obs.IngestID
		d.Vendor = obs.Vendor
		d.Topic = topic
		d.DeviceIMEI = obs.DeviceIMEI
		d.GatewayMAC = obs.GatewayMAC
		d.EffectiveTime = obs.EffectiveTime
		d.ReceivedTime = received
		if err := validateObs(d); err != nil {
			return nil, err
		}
	}
	return obs, nil
}

func validateObs(obs *canonical.Observation) *Error {
	if err := obs.Validate(); err != nil {
		var oor *canonical.OutOfRangeError
		if errors.As(err, &oor) {
			return &Error{Code: CodeOutOfRange, Field: oor.Field, Value: oor.Value}
		}
		return schemaErr("", err.Error())
	}
	return nil
}

func outsideClockWindow(effective, received time.Time) bool {
	if effective.IsZero() {
		return false
	}
	return effective.After(received.Add(canonical.MaxClockAhead)) ||
		effective.Before(received.Add(-canonical.MaxClockBehind))
}

// decode unmarshals JSON into v, mapping failures to malformed-encoding
// errors with the raw payload preserved as hex.
func decode(payload []byte, v interface{}) *Error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &Error{Code: CodeMalformedEncoding, Detail: err.Error(), HexPayload: hex.EncodeToString(payload)}
	}
	return nil
}

// parseDeviceTime accepts the timestamp shapes seen across vendors: unix
// seconds, RFC3339, and the wrist monitor's "dd/MM/yyyy HH:mm:ss".
func parseDeviceTime(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil && unix > 0 {
		return time.Unix(unix, 0).UTC(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("02/01/2006 15:04:05", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
