package history

import (
	"context"
	"fmt"

	"github.com/medigate/ingest/internal/domain/canonical"
	"github.com/medigate/ingest/internal/domain/registry"
)

// Router appends canonical observations to their per-kind history series.
type Router struct {
	repo Repository
}

func NewRouter(repo Repository) *Router { return &Router{repo: repo} }

// Record appends one observation to history. Batch records append one entry
// per sample, in payload order. The resolution may be unresolved; the entry
// is then stored unmapped with a display placeholder.
func (r *Router) Record(ctx context.Context, obs *canonical.Observation, res registry.Resolution) error {
	if obs.Kind == canonical.KindBatchVitals {
		for i, s := range obs.Batch {
			e := r.entryFor(obs, res, s.Kind, s.Values)
			e.EffectiveTime = s.EffectiveTime
			if err := r.repo.Append(ctx, e); err != nil {
				return fmt.Errorf("append batch sample %d: %w", i, err)
			}
		}
		return nil
	}
	if err := r.repo.Append(ctx, r.entryFor(obs, res, obs.Kind, obs.Values)); err != nil {
		return fmt.Errorf("append %s history: %w", obs.Kind, err)
	}
	return nil
}

func (r *Router) entryFor(obs *canonical.Observation, res registry.Resolution, kind canonical.Kind, values map[string]interface{}) *Entry {
	name := res.PatientName
	if !res.Resolved() {
		name = fmt.Sprintf("Unmapped Device (%s)", obs.DeviceID())
	}
	return &Entry{
		Series:        SeriesFor(kind),
		PatientID:     res.PatientID,
		PatientName:   name,
		IngestID:      obs.IngestID,
		EffectiveTime: obs.EffectiveTime,
		ReceivedTime:  obs.ReceivedTime,
		Kind:          kind,
		Vendor:        obs.Vendor,
		DeviceID:      obs.DeviceID(),
		Values:        values,
	}
}
