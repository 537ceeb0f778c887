package canonical

import (
	"errors"
	"testing"
	"time"
)

func TestCheckRanges_Boundaries(t *testing.T) {
	cases := []struct {
		name   string
		kind   Kind
		values map[string]interface{}
		wantOK bool
	}{
		{"systolic at lower bound", KindBP, map[string]interface{}{"systolic": 40.0, "diastolic": 80.0}, true},
		{"systolic at upper bound", KindBP, map[string]interface{}{"systolic": 260.0, "diastolic": 80.0}, true},
		{"systolic below lower bound", KindBP, map[string]interface{}{"systolic": 39.0, "diastolic": 80.0}, false},
		{"systolic above upper bound", KindBP, map[string]interface{}{"systolic": 261.0, "diastolic": 80.0}, false},
		{"optional pulse absent", KindBP, map[string]interface{}{"systolic": 120.0, "diastolic": 80.0}, true},
		{"pulse out of range", KindBP, map[string]interface{}{"systolic": 120.0, "diastolic": 80.0, "pulse": 300.0}, false},
		{"spo2 in range", KindSpO2, map[string]interface{}{"spo2": 97.0}, true},
		{"spo2 below floor", KindSpO2, map[string]interface{}{"spo2": 49.0}, false},
		{"temp in range", KindTemp, map[string]interface{}{"value": 36.6}, true},
		{"glucose high", KindGlucose, map[string]interface{}{"value": 801.0}, false},
		{"unbounded kind passes", KindSteps, map[string]interface{}{"steps": 99999.0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckRanges(tc.kind, tc.values)
			if tc.wantOK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("expected out-of-range error")
			}
		})
	}
}

func TestCheckRanges_ReportsFieldAndValue(t *testing.T) {
	err := CheckRanges(KindBP, map[string]interface{}{"systolic": 500.0, "diastolic": 80.0})
	var oor *OutOfRangeError
	if !errors.As(err, &oor) {
		t.Fatalf("expected OutOfRangeError, got %v", err)
	}
	if oor.Field != "systolic" || oor.Value != 500 {
		t.Errorf("unexpected error detail: %+v", oor)
	}
}

func TestClampEffectiveTime(t *testing.T) {
	received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	o := &Observation{EffectiveTime: received.Add(-MaxClockBehind), ReceivedTime: received}
	if o.ClampEffectiveTime() {
		t.Error("effective_time exactly 30d behind should be accepted")
	}

	o = &Observation{EffectiveTime: received.Add(-MaxClockBehind - time.Second), ReceivedTime: received}
	if !o.ClampEffectiveTime() {
		t.Error("effective_time beyond 30d behind should be clamped")
	}
	if !o.EffectiveTime.Equal(received) {
		t.Errorf("expected clamp to received time, got %v", o.EffectiveTime)
	}
	if !o.ClockSkewClamped {
		t.Error("expected ClockSkewClamped flag set")
	}

	o = &Observation{EffectiveTime: received.Add(MaxClockAhead + time.Minute), ReceivedTime: received}
	if !o.ClampEffectiveTime() {
		t.Error("effective_time more than 24h ahead should be clamped")
	}

	o = &Observation{ReceivedTime: received}
	if o.ClampEffectiveTime() {
		t.Error("zero effective_time falls back to received time without a warning")
	}
	if !o.EffectiveTime.Equal(received) {
		t.Errorf("expected fallback to received time, got %v", o.EffectiveTime)
	}
}

func TestValidate_IdentifierInvariant(t *testing.T) {
	now := time.Now()

	o := &Observation{Vendor: VendorKati, Kind: KindSteps, DeviceIMEI: "861265061486269",
		EffectiveTime: now, ReceivedTime: now, Values: map[string]interface{}{"steps": 100.0}}
	if err := o.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	o.GatewayMAC = "AA:BB:CC:DD:EE:01"
	if err := o.Validate(); err == nil {
		t.Error("expected error when both identifiers set")
	}

	o = &Observation{Vendor: VendorAVA4, Kind: KindBP, GatewayMAC: "AA:BB:CC:DD:EE:01",
		EffectiveTime: now, ReceivedTime: now,
		Values: map[string]interface{}{"systolic": 120.0, "diastolic": 80.0}}
	if err := o.Validate(); err == nil {
		t.Error("expected error for ava4 BLE kind without sub_device_mac")
	}
	o.SubDeviceMAC = "11:22:33:44:55:66"
	if err := o.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_BatchInvariant(t *testing.T) {
	now := time.Now()

	o := &Observation{Vendor: VendorKati, Kind: KindBatchVitals, DeviceIMEI: "861265061486269",
		EffectiveTime: now, ReceivedTime: now}
	if err := o.Validate(); err == nil {
		t.Error("expected error for batch_vitals without batch")
	}

	o.Batch = []Sample{
		{Kind: KindBP, EffectiveTime: now, Values: map[string]interface{}{"systolic": 120.0, "diastolic": 78.0}},
		{Kind: KindSpO2, EffectiveTime: now, Values: map[string]interface{}{"spo2": 97.0}},
	}
	if err := o.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	o.Batch[1].Values["spo2"] = 10.0
	if err := o.Validate(); err == nil {
		t.Error("expected range error from batch sample")
	}

	o = &Observation{Vendor: VendorKati, Kind: KindSteps, DeviceIMEI: "861265061486269",
		EffectiveTime: now, ReceivedTime: now,
		Values: map[string]interface{}{"steps": 1.0},
		Batch:  []Sample{{Kind: KindBP}}}
	if err := o.Validate(); err == nil {
		t.Error("expected error for batch on non-batch kind")
	}
}

func TestDeviceID(t *testing.T) {
	o := &Observation{GatewayMAC: "AA:BB:CC:DD:EE:01", DeviceIMEI: ""}
	if o.DeviceID() != "AA:BB:CC:DD:EE:01" {
		t.Errorf("expected gateway MAC, got %s", o.DeviceID())
	}
	o = &Observation{DeviceIMEI: "861265061486269"}
	if o.DeviceID() != "861265061486269" {
		t.Errorf("expected IMEI, got %s", o.DeviceID())
	}
}

func TestPerformerReference(t *testing.T) {
	o := &Observation{Vendor: VendorKati, DeviceIMEI: "861265061486269"}
	if got := o.PerformerReference(); got != "Device/kati_861265061486269" {
		t.Errorf("unexpected performer reference: %s", got)
	}
}
