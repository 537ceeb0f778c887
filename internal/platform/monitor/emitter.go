// Package monitor ships pipeline lifecycle events to the external
// monitoring sink. Emission is fire-and-forget: the sink being slow or down
// must never slow ingestion, so the emitter holds a bounded queue and drops
// the oldest event on overflow.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigate/ingest/internal/platform/metrics"
)

// Pipeline step markers, ordered by stage.
const (
	StepReceived       = "1_mqtt_received"
	StepParsed         = "2_payload_parsed"
	StepFHIRValidation = "2.5_fhir_validation"
	StepPatientLookup  = "3_patient_lookup"
	StepFHIRProjected  = "4_fhir_projected"
	StepHistoryStored  = "5_history_stored"
	StepFHIRStorage    = "6_fhir_storage"
	StepError          = "error"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const DefaultQueueCapacity = 4096

// Event is one step marker in a message's lifecycle.
type Event struct {
	Step        string                 `json:"step"`
	Status      string                 `json:"status"`
	DeviceType  string                 `json:"device_type,omitempty"`
	Topic       string                 `json:"topic,omitempty"`
	IngestID    string                 `json:"ingest_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	PatientInfo map[string]interface{} `json:"patient_info,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Emitter drains a bounded event queue to the sink with a single goroutine.
// Emit never blocks; overflow drops the oldest queued event and bumps the
// dropped counter.
type Emitter struct {
	sinkURL string
	queue   chan Event
	http    *http.Client
	reg     *metrics.Registry
	log     zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewEmitter(sinkURL string, capacity int, reg *metrics.Registry, log zerolog.Logger) *Emitter {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Emitter{
		sinkURL: sinkURL,
		queue:   make(chan Event, capacity),
		http:    &http.Client{Timeout: 5 * time.Second},
		reg:     reg,
		log:     log.With().Str("component", "emitter").Logger(),
		stop:    make(chan struct{}),
	}
}

// Start launches the drainer. A no-op when no sink is configured; events
// are then dropped silently at Emit.
func (e *Emitter) Start() {
	if e.sinkURL == "" {
		return
	}
	e.wg.Add(1)
	go e.drain()
}

// Emit enqueues an event without ever blocking the caller.
func (e *Emitter) Emit(ev Event) {
	if e.sinkURL == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for {
		select {
		case e.queue <- ev:
			return
		default:
		}
		// Full. Evict the oldest and try again; emission order for the
		// survivors is preserved.
		select {
		case <-e.queue:
			e.reg.Inc(metrics.EventsDroppedTotal)
		default:
		}
	}
}

// Stop shuts the drainer down after flushing whatever is queued, bounded by
// the context deadline.
func (e *Emitter) Stop(ctx context.Context) {
	e.once.Do(func() { close(e.stop) })
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.queue:
			e.post(ev)
		case <-e.stop:
			// Flush what is left, then exit.
			for {
				select {
				case ev := <-e.queue:
					e.post(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) post(ev Event) {
	body, err := json.Marshal(map[string]Event{"event": ev})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, e.sinkURL+"/api/data-flow/emit", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		// Counted, never retried. The sink is best-effort.
		e.reg.Inc(metrics.EmitFailuresTotal)
		e.log.Debug().Err(err).Str("step", ev.Step).Msg("event post failed")
		return
	}
	resp.Body.Close()
}
