package canonical

import (
	"time"

	"github.com/google/uuid"
)

// Vendor identifies the device family a payload came from.
type Vendor string

const (
	VendorAVA4 Vendor = "ava4"
	VendorKati Vendor = "kati"
	VendorQube Vendor = "qube"
)

// Kind is the semantic category of a measurement or lifecycle event.
type Kind string

const (
	KindBP           Kind = "bp"
	KindGlucose      Kind = "glucose"
	KindSpO2         Kind = "spo2"
	KindTemp         Kind = "temp"
	KindWeight       Kind = "weight"
	KindChol         Kind = "chol"
	KindUricAcid     Kind = "ua"
	KindSalt         Kind = "salt"
	KindSteps        Kind = "steps"
	KindSleep        Kind = "sleep"
	KindLocation     Kind = "location"
	KindDeviceStatus Kind = "device_status"
	KindFall         Kind = "fall"
	KindSOS          Kind = "sos"
	KindBatchVitals  Kind = "batch_vitals"
)

// BLEKinds are the kinds measured by BLE sub-devices under an AVA4 gateway.
// For these a sub-device MAC must be present on the record.
var BLEKinds = map[Kind]bool{
	KindBP: true, KindGlucose: true, KindSpO2: true, KindTemp: true,
	KindWeight: true, KindChol: true, KindUricAcid: true, KindSalt: true,
}

// Sample is one element of a batched vital-sign payload. Values follows the
// same canonical key schema as Observation.Values for the implied kind.
type Sample struct {
	Kind          Kind                   `json:"kind"`
	EffectiveTime time.Time              `json:"effective_time"`
	Values        map[string]interface{} `json:"values"`
}

// Observation is the canonical internal record every vendor payload is
// normalized into. It is produced by the classifier and consumed by the
// resolver, the history router and the FHIR projector.
type Observation struct {
	IngestID      uuid.UUID              `json:"ingest_id"`
	Vendor        Vendor                 `json:"source_vendor"`
	Topic         string                 `json:"source_topic"`
	DeviceIMEI    string                 `json:"device_imei,omitempty"`
	GatewayMAC    string                 `json:"gateway_mac,omitempty"`
	SubDeviceMAC  string                 `json:"sub_device_mac,omitempty"`
	Kind          Kind                   `json:"sub_device_kind"`
	EffectiveTime time.Time              `json:"effective_time"`
	ReceivedTime  time.Time              `json:"received_time"`
	Values        map[string]interface{} `json:"values,omitempty"`
	Batch         []Sample               `json:"batch,omitempty"`
	RawPayload    []byte                 `json:"-"`

	// Derived holds companion records split out of the same payload, such
	// as the step counter riding on a wrist monitor heartbeat. They share
	// the parent's ingest id and device identity and flow through history
	// and FHIR under their own kind.
	Derived []*Observation `json:"derived,omitempty"`

	// ClockSkewClamped is set when EffectiveTime fell outside the accepted
	// window and was clamped to ReceivedTime.
	ClockSkewClamped bool `json:"clock_skew_clamped,omitempty"`
}

// DeviceID returns the stable identifier used for ordering partitions and
// device references: gateway MAC for AVA4, IMEI otherwise.
func (o *Observation) DeviceID() string {
	if o.GatewayMAC != "" {
		return o.GatewayMAC
	}
	return o.DeviceIMEI
}

// PerformerReference is the vendor-prefixed device reference carried on
// projected FHIR resources, e.g. "Device/kati_861265061486269".
func (o *Observation) PerformerReference() string {
	return "Device/" + string(o.Vendor) + "_" + o.DeviceID()
}
