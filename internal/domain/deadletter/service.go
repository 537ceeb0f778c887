package deadletter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medigate/ingest/internal/platform/fhir"
)

type writer interface {
	Write(ctx context.Context, ingestID string, resources []fhir.Observation) error
}

// Replayer resubmits pending dead letters to the FHIR store. It is invoked
// from the operational CLI, not from the hot path; a replay that fails again
// simply produces a fresh dead letter.
type Replayer struct {
	repo   Repository
	client writer
	log    zerolog.Logger
}

func NewReplayer(repo Repository, client writer, log zerolog.Logger) *Replayer {
	return &Replayer{repo: repo, client: client, log: log.With().Str("component", "deadletter_replayer").Logger()}
}

// ReplayPending resubmits up to limit pending letters in age order and
// returns how many were replayed successfully.
func (r *Replayer) ReplayPending(ctx context.Context, limit int) (int, error) {
	letters, err := r.repo.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load pending dead letters: %w", err)
	}
	replayed := 0
	for _, l := range letters {
		if err := r.client.Write(ctx, l.IngestID, l.Resources); err != nil {
			r.log.Warn().Err(err).Str("ingest_id", l.IngestID).Msg("replay failed, letter kept")
			continue
		}
		if err := r.repo.MarkReplayed(ctx, l.ID); err != nil {
			return replayed, fmt.Errorf("mark replayed %s: %w", l.ID, err)
		}
		replayed++
	}
	return replayed, nil
}
