package fhir

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
	"github.com/medigate/ingest/internal/domain/registry"
)

func resolvedTo(id uuid.UUID, name string) registry.Resolution {
	return registry.Resolution{PatientID: &id, PatientName: name, Confidence: registry.ConfidenceExact}
}

func TestProjectUnresolvedIsEmpty(t *testing.T) {
	obs := &canonical.Observation{
		IngestID: uuid.New(),
		Vendor:   canonical.VendorKati,
		Kind:     canonical.KindSpO2,
		Values:   map[string]interface{}{"spo2": 97.0},
	}
	got := Project(obs, registry.Resolution{Confidence: registry.ConfidenceUnresolved})
	if len(got) != 0 {
		t.Fatalf("expected empty projection for unresolved record, got %d", len(got))
	}
}

func TestProjectBloodPressure(t *testing.T) {
	pid := uuid.New()
	eff := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	obs := &canonical.Observation{
		IngestID:      uuid.New(),
		Vendor:        canonical.VendorAVA4,
		GatewayMAC:    "AA:BB:CC:DD:EE:01",
		SubDeviceMAC:  "11:22:33:44:55:66",
		Kind:          canonical.KindBP,
		EffectiveTime: eff,
		ReceivedTime:  eff.Add(2 * time.Second),
		Values:        map[string]interface{}{"systolic": 128.0, "diastolic": 82.0, "pulse": 76.0},
	}

	got := Project(obs, resolvedTo(pid, "Jane Doe"))
	if len(got) != 1 {
		t.Fatalf("expected one resource, got %d", len(got))
	}
	o := got[0]
	if o.Code.Coding[0].Code != "85354-9" {
		t.Errorf("expected panel code 85354-9, got %s", o.Code.Coding[0].Code)
	}
	if len(o.Component) != 3 {
		t.Fatalf("expected systolic, diastolic and pulse components, got %d", len(o.Component))
	}
	if o.Component[0].Code.Coding[0].Code != "8480-6" || o.Component[0].ValueQuantity.Value != 128 {
		t.Errorf("bad systolic component: %+v", o.Component[0])
	}
	if o.Component[1].Code.Coding[0].Code != "8462-4" || o.Component[1].ValueQuantity.Value != 82 {
		t.Errorf("bad diastolic component: %+v", o.Component[1])
	}
	if o.Subject.Reference != "Patient/"+pid.String() {
		t.Errorf("bad subject: %s", o.Subject.Reference)
	}
	if o.Performer[0].Reference != "Device/ava4_AA:BB:CC:DD:EE:01" {
		t.Errorf("bad performer: %s", o.Performer[0].Reference)
	}
	if o.EffectiveDateTime != "2025-03-01T10:00:00Z" {
		t.Errorf("bad effectiveDateTime: %s", o.EffectiveDateTime)
	}
}

func TestProjectBatchOneResourcePerSample(t *testing.T) {
	pid := uuid.New()
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	obs := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorKati,
		DeviceIMEI: "861265061486269",
		Kind:       canonical.KindBatchVitals,
		Batch: []canonical.Sample{
			{Kind: canonical.KindBP, EffectiveTime: base, Values: map[string]interface{}{"systolic": 120.0, "diastolic": 78.0, "pulse": 72.0}},
			{Kind: canonical.KindBP, EffectiveTime: base.Add(time.Minute), Values: map[string]interface{}{"systolic": 122.0, "diastolic": 80.0, "pulse": 80.0}},
			{Kind: canonical.KindBP, EffectiveTime: base.Add(2 * time.Minute), Values: map[string]interface{}{"systolic": 118.0, "diastolic": 76.0, "pulse": 75.0}},
		},
	}

	got := Project(obs, resolvedTo(pid, ""))
	if len(got) != 3 {
		t.Fatalf("expected 3 resources for 3 samples, got %d", len(got))
	}
	for i, o := range got {
		want := IdempotencyKey(obs, canonical.KindBP, i)
		if o.Identifier[0].Value != want {
			t.Errorf("resource %d: expected identifier %q, got %q", i, want, o.Identifier[0].Value)
		}
	}
	// Sample order must survive projection.
	if got[0].Component[0].ValueQuantity.Value != 120 || got[2].Component[0].ValueQuantity.Value != 118 {
		t.Error("sample order not preserved in projection")
	}
}

func TestProjectSpO2CombinedWithPulse(t *testing.T) {
	obs := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorKati,
		DeviceIMEI: "861265061486269",
		Kind:       canonical.KindSpO2,
		Values:     map[string]interface{}{"spo2": 97.0, "pulse": 71.0},
	}
	got := Project(obs, resolvedTo(uuid.New(), ""))
	if len(got) != 1 {
		t.Fatalf("expected one combined resource, got %d", len(got))
	}
	if len(got[0].Component) != 2 {
		t.Fatalf("expected spo2 and pulse components, got %d", len(got[0].Component))
	}
	if got[0].Component[1].Code.Coding[0].Code != "8867-4" {
		t.Errorf("expected pulse component 8867-4, got %s", got[0].Component[1].Code.Coding[0].Code)
	}
}

func TestProjectGlucoseMarker(t *testing.T) {
	obs := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorQube,
		DeviceIMEI: "860000000000001",
		Kind:       canonical.KindGlucose,
		Values:     map[string]interface{}{"value": 105.0, "marker": "fasting"},
	}
	got := Project(obs, resolvedTo(uuid.New(), ""))
	if got[0].ValueQuantity == nil || got[0].ValueQuantity.Value != 105 {
		t.Fatalf("bad glucose quantity: %+v", got[0].ValueQuantity)
	}
	if len(got[0].Component) != 1 || got[0].Component[0].ValueString != "fasting" {
		t.Errorf("expected fasting marker component, got %+v", got[0].Component)
	}
}

func TestProjectHospitalOwnedUsesPlaceholderSubject(t *testing.T) {
	hid := uuid.New()
	obs := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorQube,
		DeviceIMEI: "860000000000001",
		Kind:       canonical.KindTemp,
		Values:     map[string]interface{}{"value": 36.8},
	}
	got := Project(obs, registry.Resolution{HospitalID: &hid, Confidence: registry.ConfidenceExact})
	if len(got) != 1 {
		t.Fatalf("expected one resource, got %d", len(got))
	}
	if got[0].Subject.Reference != "Patient/"+hid.String() {
		t.Errorf("bad placeholder subject: %s", got[0].Subject.Reference)
	}
}

func TestProjectSaltAndSteps(t *testing.T) {
	res := resolvedTo(uuid.New(), "Jane Doe")

	salt := &canonical.Observation{
		IngestID:     uuid.New(),
		Vendor:       canonical.VendorAVA4,
		GatewayMAC:   "AA:BB:CC:DD:EE:01",
		SubDeviceMAC: "11:22:33:44:55:66",
		Kind:         canonical.KindSalt,
		Values:       map[string]interface{}{"value": 2.1},
	}
	got := Project(salt, res)
	if len(got) != 1 {
		t.Fatalf("expected one resource, got %d", len(got))
	}
	q := got[0].ValueQuantity
	if q == nil || q.Value != 2.1 || q.Unit != "mmol/L" || q.Code != "mmol/L" {
		t.Errorf("bad salt quantity: %+v", q)
	}

	steps := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorKati,
		DeviceIMEI: "861265061486269",
		Kind:       canonical.KindSteps,
		Values:     map[string]interface{}{"value": 4200.0},
	}
	got = Project(steps, res)
	if len(got) != 1 {
		t.Fatalf("expected one resource, got %d", len(got))
	}
	if got[0].Code.Coding[0].Code != "55423-8" {
		t.Errorf("bad steps code: %s", got[0].Code.Coding[0].Code)
	}
	if got[0].ValueQuantity == nil || got[0].ValueQuantity.Value != 4200 {
		t.Errorf("bad steps quantity: %+v", got[0].ValueQuantity)
	}
}

func TestProjectIsPure(t *testing.T) {
	obs := &canonical.Observation{
		IngestID:   uuid.New(),
		Vendor:     canonical.VendorKati,
		DeviceIMEI: "861265061486269",
		Kind:       canonical.KindTemp,
		Values:     map[string]interface{}{"value": 36.6},
	}
	res := resolvedTo(uuid.New(), "Jane Doe")
	a := Project(obs, res)
	b := Project(obs, res)
	if a[0].Identifier[0].Value != b[0].Identifier[0].Value || a[0].ValueQuantity.Value != b[0].ValueQuantity.Value {
		t.Error("projection is not deterministic for identical input")
	}
	if obs.Values["value"] != 36.6 {
		t.Error("projection mutated the canonical record")
	}
}
