// Package deadletter persists FHIR writes the client gave up on so they can
// be replayed once the store recovers. The history series is authoritative;
// a dead letter only means the FHIR copy is missing.
package deadletter

import (
	"time"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/platform/fhir"
)

// Letter is one exhausted write: every resource that was still pending when
// the final attempt failed, keyed by the originating ingest id.
type Letter struct {
	ID         uuid.UUID          `db:"id" json:"id"`
	IngestID   string             `db:"ingest_id" json:"ingest_id"`
	Resources  []fhir.Observation `db:"resources" json:"resources"`
	Attempts   int                `db:"attempts" json:"attempts"`
	LastError  string             `db:"last_error" json:"last_error"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
	ReplayedAt *time.Time         `db:"replayed_at" json:"replayed_at,omitempty"`
}

func (l *Letter) Replayed() bool { return l.ReplayedAt != nil }
