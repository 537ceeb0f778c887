package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// Entry is one append-only document in a history series. Unmapped devices
// keep flowing into history with a nil patient id and a display string.
type Entry struct {
	ID            uuid.UUID              `db:"id" json:"id"`
	Series        string                 `db:"series" json:"series"`
	PatientID     *uuid.UUID             `db:"patient_id" json:"patient_id,omitempty"`
	PatientName   string                 `db:"patient_name" json:"patient_name"`
	IngestID      uuid.UUID              `db:"ingest_id" json:"ingest_id"`
	EffectiveTime time.Time              `db:"effective_time" json:"effective_time"`
	ReceivedTime  time.Time              `db:"received_time" json:"received_time"`
	Kind          canonical.Kind         `db:"kind" json:"kind"`
	Vendor        canonical.Vendor       `db:"vendor" json:"vendor"`
	DeviceID      string                 `db:"device_id" json:"device_id"`
	Values        map[string]interface{} `db:"values" json:"values"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// SeriesFor maps an observation kind to its history series name. Lifecycle
// and emergency kinds share the device event series.
func SeriesFor(kind canonical.Kind) string {
	switch kind {
	case canonical.KindBP:
		return "blood_pressure_histories"
	case canonical.KindGlucose:
		return "blood_sugar_histories"
	case canonical.KindSpO2:
		return "spo2_histories"
	case canonical.KindTemp:
		return "temperature_histories"
	case canonical.KindWeight:
		return "body_data_histories"
	case canonical.KindSteps:
		return "step_histories"
	case canonical.KindSleep:
		return "sleep_data_histories"
	case canonical.KindChol:
		return "lipid_histories"
	case canonical.KindUricAcid:
		return "creatinine_histories"
	default:
		return "device_event_histories"
	}
}
