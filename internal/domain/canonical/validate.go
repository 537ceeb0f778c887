package canonical

import (
	"encoding/json"
	"fmt"
	"time"
)

// Accepted window for device-supplied timestamps relative to broker receipt.
// Outside it the effective time is clamped to the received time.
const (
	MaxClockAhead  = 24 * time.Hour
	MaxClockBehind = 30 * 24 * time.Hour
)

// Range is an inclusive numeric bound for a canonical value key.
type Range struct {
	Min, Max float64
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Ranges holds the physiological plausibility bounds per canonical key.
// Values outside these bounds are rejected outright, never clamped.
var Ranges = map[Kind]map[string]Range{
	KindBP: {
		"systolic":  {40, 260},
		"diastolic": {20, 200},
		"pulse":     {20, 250},
	},
	KindSpO2: {
		"spo2":  {50, 100},
		"pulse": {20, 250},
	},
	KindTemp:    {"value": {20, 45}},
	KindWeight:  {"weight": {0.5, 500}},
	KindGlucose: {"value": {10, 800}},
}

// OutOfRangeError reports a value outside its plausibility bound.
type OutOfRangeError struct {
	Field string
	Value float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("value out of range: %s=%v", e.Field, e.Value)
}

// CheckRanges validates every bounded key present in values for the given
// kind. Optional keys that are absent pass; present keys must be numeric and
// inside their bound.
func CheckRanges(kind Kind, values map[string]interface{}) error {
	bounds, ok := Ranges[kind]
	if !ok {
		return nil
	}
	for field, r := range bounds {
		raw, present := values[field]
		if !present {
			continue
		}
		v, ok := asFloat(raw)
		if !ok {
			return &OutOfRangeError{Field: field}
		}
		if !r.Contains(v) {
			return &OutOfRangeError{Field: field, Value: v}
		}
	}
	return nil
}

// ClampEffectiveTime enforces the clock-skew window on the record, clamping
// EffectiveTime to ReceivedTime when the device clock is implausible. Returns
// true when a clamp happened.
func (o *Observation) ClampEffectiveTime() bool {
	if o.EffectiveTime.IsZero() {
		o.EffectiveTime = o.ReceivedTime
		return false
	}
	if o.EffectiveTime.After(o.ReceivedTime.Add(MaxClockAhead)) ||
		o.EffectiveTime.Before(o.ReceivedTime.Add(-MaxClockBehind)) {
		o.EffectiveTime = o.ReceivedTime
		o.ClockSkewClamped = true
		return true
	}
	return false
}

// Validate checks the structural invariants of a canonical record: exactly
// one primary identifier, a sub-device MAC only where BLE kinds require one,
// and a batch only on batch_vitals records with each sample passing its own
// range check.
func (o *Observation) Validate() error {
	if (o.DeviceIMEI == "") == (o.GatewayMAC == "") {
		return fmt.Errorf("exactly one of device_imei and gateway_mac must be set")
	}
	if o.Vendor == VendorAVA4 && BLEKinds[o.Kind] && o.SubDeviceMAC == "" {
		return fmt.Errorf("sub_device_mac required for ava4 %s record", o.Kind)
	}
	if o.Vendor != VendorAVA4 && o.SubDeviceMAC != "" {
		return fmt.Errorf("sub_device_mac only valid on ava4 records")
	}
	if (o.Kind == KindBatchVitals) != (len(o.Batch) > 0) {
		return fmt.Errorf("batch must be present iff kind is batch_vitals")
	}
	if o.Kind == KindBatchVitals {
		for i, s := range o.Batch {
			if err := CheckRanges(s.Kind, s.Values); err != nil {
				return fmt.Errorf("batch sample %d: %w", i, err)
			}
		}
		return nil
	}
	return CheckRanges(o.Kind, o.Values)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
