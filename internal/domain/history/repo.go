package history

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the append-only history store. Series may contain duplicate
// ingest ids under at-least-once delivery; readers tolerate them.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListBySeries(ctx context.Context, series string, limit, offset int) ([]*Entry, int, error)
	ListByPatient(ctx context.Context, series string, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error)
}
