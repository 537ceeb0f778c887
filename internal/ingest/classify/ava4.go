package classify

import (
	"encoding/json"
	"time"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// ava4Envelope is the BLE gateway container format. Measurement payloads on
// dusun_sub carry the sub-device MAC and readings under data.value;
// dusun_status and ESP32_BLE_GW_TX carry gateway lifecycle state.
type ava4Envelope struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Time       json.RawMessage `json:"time"`
	DeviceCode string          `json:"deviceCode"`
	MAC        string          `json:"mac"`
	Type       string          `json:"type"`
	IMEI       string          `json:"IMEI"`
	Data       struct {
		Attribute string   `json:"attribute"`
		MAC       string   `json:"mac"`
		Status    string   `json:"status"`
		Battery   *float64 `json:"battery"`
		Signal    *float64 `json:"signal"`
		Value     struct {
			DeviceList []map[string]interface{} `json:"device_list"`
		} `json:"value"`
	} `json:"data"`
}

// ava4KindByCode maps the envelope deviceCode to the observation kind.
// BP_JUMPER shares the BP_BIOLIGTH reading shape.
var ava4KindByCode = map[string]canonical.Kind{
	"BP_BIOLIGTH": canonical.KindBP,
	"BP_JUMPER":   canonical.KindBP,
	"BLOOD_SUGAR": canonical.KindGlucose,
	"SpO2":        canonical.KindSpO2,
	"BODY_TEMP":   canonical.KindTemp,
	"BODY_SCALE":  canonical.KindWeight,
	"CHOLESTEROL": canonical.KindChol,
	"URIC":        canonical.KindUricAcid,
	"SALT":        canonical.KindSalt,
}

// ava4FieldMap renames vendor reading fields to canonical value keys, per
// kind. Fields absent from the map are dropped.
var ava4FieldMap = map[canonical.Kind]map[string]string{
	canonical.KindBP: {
		"bp_high": "systolic",
		"bp_low":  "diastolic",
		"PR":      "pulse",
	},
	canonical.KindGlucose: {
		"blood_glucose": "value",
		"marker":        "marker",
	},
	canonical.KindSpO2: {
		"spo2":  "spo2",
		"pulse": "pulse",
		"PR":    "pulse",
		"resp":  "respiration",
	},
	canonical.KindTemp: {
		"temp":      "value",
		"body_temp": "value",
	},
	canonical.KindWeight: {
		"weight": "weight",
		"bmi":    "bmi",
	},
	canonical.KindChol:     {"cholesterol": "value"},
	canonical.KindUricAcid: {"uric_acid": "value"},
	canonical.KindSalt:     {"salt": "value"},
}

// requiredValueKeys must be present after renaming or the payload is a schema
// violation.
var requiredValueKeys = map[canonical.Kind][]string{
	canonical.KindBP:       {"systolic", "diastolic"},
	canonical.KindGlucose:  {"value"},
	canonical.KindSpO2:     {"spo2"},
	canonical.KindTemp:     {"value"},
	canonical.KindWeight:   {"weight"},
	canonical.KindChol:     {"value"},
	canonical.KindUricAcid: {"value"},
	canonical.KindSalt:     {"value"},
}

func (c *Classifier) classifyAVA4(topic string, payload []byte) (*canonical.Observation, *Error) {
	var env ava4Envelope
	if perr := decode(payload, &env); perr != nil {
		return nil, perr
	}
	if env.MAC == "" {
		return nil, schemaErr("mac", "gateway MAC is required")
	}

	effective, _ := parseDeviceTime(env.Time)

	switch topic {
	case TopicAVA4Status, TopicAVA4Gateway:
		return ava4Status(&env, effective), nil
	}

	// dusun_sub: BLE measurement under the container envelope.
	if env.DeviceCode == "" {
		return nil, &Error{Code: CodeMissingDiscriminator, Field: "deviceCode"}
	}
	kind, ok := ava4KindByCode[env.DeviceCode]
	if !ok {
		return nil, &Error{Code: CodeUnknownDiscriminator, Field: "deviceCode", Detail: env.DeviceCode}
	}
	if env.Data.MAC == "" {
		return nil, schemaErr("data.mac", "sub-device MAC is required")
	}
	if len(env.Data.Value.DeviceList) == 0 {
		return nil, schemaErr("data.value.device_list", "is required")
	}

	// Envelope time applies to every reading in the envelope; vendors do not
	// populate per-sample times on this path.
	values, perr := extractValues(env.Data.Value.DeviceList[0], ava4FieldMap[kind], requiredValueKeys[kind])
	if perr != nil {
		return nil, perr
	}
	if kind == canonical.KindGlucose {
		normalizeGlucoseMarker(values)
	}

	return &canonical.Observation{
		Vendor:        canonical.VendorAVA4,
		GatewayMAC:    env.MAC,
		SubDeviceMAC:  env.Data.MAC,
		Kind:          kind,
		EffectiveTime: effective,
		Values:        values,
	}, nil
}

func ava4Status(env *ava4Envelope, effective time.Time) *canonical.Observation {
	status := env.Data.Status
	if status == "" {
		status = "online"
	}
	values := map[string]interface{}{"status": status}
	if env.Data.Battery != nil {
		values["battery"] = *env.Data.Battery
	}
	if env.Data.Signal != nil {
		values["signal"] = *env.Data.Signal
	}
	return &canonical.Observation{
		Vendor:        canonical.VendorAVA4,
		GatewayMAC:    env.MAC,
		Kind:          canonical.KindDeviceStatus,
		EffectiveTime: effective,
		Values:        values,
	}
}

// extractValues renames vendor fields per fieldMap, dropping anything
// unmapped, then checks required keys.
func extractValues(raw map[string]interface{}, fieldMap map[string]string, required []string) (map[string]interface{}, *Error) {
	values := make(map[string]interface{}, len(fieldMap))
	for vendorKey, canonKey := range fieldMap {
		if v, ok := raw[vendorKey]; ok {
			values[canonKey] = v
		}
	}
	for _, key := range required {
		if _, ok := values[key]; !ok {
			return nil, schemaErr(key, "is required")
		}
	}
	return values, nil
}

// normalizeGlucoseMarker folds vendor meal markers into the canonical
// {fasting, post_meal, none} set.
func normalizeGlucoseMarker(values map[string]interface{}) {
	marker, _ := values["marker"].(string)
	switch marker {
	case "AC", "fasting", "Before Meal":
		values["marker"] = "fasting"
	case "PC", "post_meal", "After Meal":
		values["marker"] = "post_meal"
	default:
		values["marker"] = "none"
	}
}
