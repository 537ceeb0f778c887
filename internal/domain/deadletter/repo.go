package deadletter

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("dead letter not found")

type Repository interface {
	Save(ctx context.Context, l *Letter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Letter, error)
	ListPending(ctx context.Context, limit int) ([]*Letter, error)
	ListByIngestID(ctx context.Context, ingestID string) ([]*Letter, error)
	MarkReplayed(ctx context.Context, id uuid.UUID) error
}
