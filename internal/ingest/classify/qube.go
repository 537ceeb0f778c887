package classify

import (
	"encoding/json"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// qubePayload is the hospital unit's discrete sample format. The type field
// discriminates the measurement; readings sit under data.value.
type qubePayload struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id"`
	IMEI      string          `json:"IMEI"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      struct {
		Value map[string]interface{} `json:"value"`
	} `json:"data"`
}

var qubeKindByType = map[string]canonical.Kind{
	"BLOOD_PRESSURE": canonical.KindBP,
	"BLOOD_SUGAR":    canonical.KindGlucose,
	"SPO2":           canonical.KindSpO2,
	"TEMPERATURE":    canonical.KindTemp,
}

var qubeFieldMap = map[canonical.Kind]map[string]string{
	canonical.KindBP: {
		"systolic":  "systolic",
		"diastolic": "diastolic",
		"pulse":     "pulse",
	},
	canonical.KindGlucose: {
		"blood_glucose": "value",
		"value":         "value",
		"marker":        "marker",
	},
	canonical.KindSpO2: {
		"spo2":  "spo2",
		"pulse": "pulse",
	},
	canonical.KindTemp: {
		"temperature": "value",
		"value":       "value",
	},
}

func (c *Classifier) classifyQube(payload []byte) (*canonical.Observation, *Error) {
	var p qubePayload
	if perr := decode(payload, &p); perr != nil {
		return nil, perr
	}
	if p.Type == "" {
		return nil, &Error{Code: CodeMissingDiscriminator, Field: "type"}
	}
	kind, ok := qubeKindByType[p.Type]
	if !ok {
		return nil, &Error{Code: CodeUnknownDiscriminator, Field: "type", Detail: p.Type}
	}

	imei := p.DeviceID
	if imei == "" {
		imei = p.IMEI
	}
	if imei == "" {
		return nil, schemaErr("device_id", "is required")
	}
	if p.Data.Value == nil {
		return nil, schemaErr("data.value", "is required")
	}

	values, perr := extractValues(p.Data.Value, qubeFieldMap[kind], requiredValueKeys[kind])
	if perr != nil {
		return nil, perr
	}
	if kind == canonical.KindGlucose {
		normalizeGlucoseMarker(values)
	}

	obs := &canonical.Observation{
		Vendor:     canonical.VendorQube,
		DeviceIMEI: imei,
		Kind:       kind,
		Values:     values,
	}
	obs.EffectiveTime, _ = parseDeviceTime(p.Timestamp)
	return obs, nil
}
