package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
	"github.com/medigate/ingest/internal/domain/registry"
)

type mockRepo struct {
	entries []*Entry
}

func (m *mockRepo) Append(_ context.Context, e *Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockRepo) ListBySeries(_ context.Context, series string, _, _ int) ([]*Entry, int, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.Series == series {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, series string, patientID uuid.UUID, _, _ int) ([]*Entry, int, error) {
	var out []*Entry
	for _, e := range m.entries {
		if e.Series == series && e.PatientID != nil && *e.PatientID == patientID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func TestSeriesFor(t *testing.T) {
	cases := map[canonical.Kind]string{
		canonical.KindBP:           "blood_pressure_histories",
		canonical.KindGlucose:      "blood_sugar_histories",
		canonical.KindSpO2:         "spo2_histories",
		canonical.KindTemp:         "temperature_histories",
		canonical.KindWeight:       "body_data_histories",
		canonical.KindSteps:        "step_histories",
		canonical.KindSleep:        "sleep_data_histories",
		canonical.KindChol:         "lipid_histories",
		canonical.KindUricAcid:     "creatinine_histories",
		canonical.KindLocation:     "device_event_histories",
		canonical.KindDeviceStatus: "device_event_histories",
		canonical.KindFall:         "device_event_histories",
		canonical.KindSOS:          "device_event_histories",
	}
	for kind, want := range cases {
		if got := SeriesFor(kind); got != want {
			t.Errorf("%s: expected %s, got %s", kind, want, got)
		}
	}
}

func TestRecord_ResolvedObservation(t *testing.T) {
	repo := &mockRepo{}
	router := NewRouter(repo)
	patientID := uuid.New()
	now := time.Now()

	obs := &canonical.Observation{
		IngestID: uuid.New(), Vendor: canonical.VendorAVA4,
		GatewayMAC: "AA:BB:CC:DD:EE:01", SubDeviceMAC: "11:22:33:44:55:66",
		Kind: canonical.KindBP, EffectiveTime: now, ReceivedTime: now,
		Values: map[string]interface{}{"systolic": 128.0, "diastolic": 82.0, "pulse": 76.0},
	}
	res := registry.Resolution{PatientID: &patientID, PatientName: "Somchai J", Confidence: registry.ConfidenceExact}

	if err := router.Record(context.Background(), obs, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	e := repo.entries[0]
	if e.Series != "blood_pressure_histories" {
		t.Errorf("unexpected series: %s", e.Series)
	}
	if e.PatientID == nil || *e.PatientID != patientID || e.PatientName != "Somchai J" {
		t.Errorf("unexpected ownership: %+v", e)
	}
	if e.DeviceID != "AA:BB:CC:DD:EE:01" {
		t.Errorf("expected gateway MAC as device id, got %s", e.DeviceID)
	}
	if e.Values["systolic"] != 128.0 {
		t.Errorf("unexpected values: %v", e.Values)
	}
}

func TestRecord_UnmappedDevice(t *testing.T) {
	repo := &mockRepo{}
	router := NewRouter(repo)
	now := time.Now()

	obs := &canonical.Observation{
		IngestID: uuid.New(), Vendor: canonical.VendorKati,
		DeviceIMEI: "000000000000000", Kind: canonical.KindSpO2,
		EffectiveTime: now, ReceivedTime: now,
		Values: map[string]interface{}{"spo2": 97.0},
	}
	res := registry.Resolution{Confidence: registry.ConfidenceUnresolved}

	if err := router.Record(context.Background(), obs, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := repo.entries[0]
	if e.PatientID != nil {
		t.Error("unmapped entry must have nil patient id")
	}
	if e.PatientName != "Unmapped Device (000000000000000)" {
		t.Errorf("unexpected display name: %q", e.PatientName)
	}
}

func TestRecord_BatchAppendsPerSampleInOrder(t *testing.T) {
	repo := &mockRepo{}
	router := NewRouter(repo)
	patientID := uuid.New()
	now := time.Now()

	obs := &canonical.Observation{
		IngestID: uuid.New(), Vendor: canonical.VendorKati,
		DeviceIMEI: "861265061486269", Kind: canonical.KindBatchVitals,
		EffectiveTime: now, ReceivedTime: now,
		Batch: []canonical.Sample{
			{Kind: canonical.KindBP, EffectiveTime: now.Add(-2 * time.Minute), Values: map[string]interface{}{"systolic": 120.0, "diastolic": 78.0}},
			{Kind: canonical.KindBP, EffectiveTime: now.Add(-1 * time.Minute), Values: map[string]interface{}{"systolic": 124.0, "diastolic": 80.0}},
			{Kind: canonical.KindBP, EffectiveTime: now, Values: map[string]interface{}{"systolic": 118.0, "diastolic": 76.0}},
		},
	}
	res := registry.Resolution{PatientID: &patientID, PatientName: "Somchai J", Confidence: registry.ConfidenceExact}

	if err := router.Record(context.Background(), obs, res); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(repo.entries))
	}
	for i, sys := range []float64{120, 124, 118} {
		if repo.entries[i].Values["systolic"] != sys {
			t.Errorf("entry %d out of order: %v", i, repo.entries[i].Values)
		}
		if repo.entries[i].Series != "blood_pressure_histories" {
			t.Errorf("entry %d: unexpected series %s", i, repo.entries[i].Series)
		}
		if repo.entries[i].IngestID != obs.IngestID {
			t.Errorf("entry %d: ingest id not propagated", i)
		}
	}
}
