// Package ingest runs the message pipeline: every broker message flows
// through classification, identity resolution, the history append and the
// FHIR write, with a lifecycle event emitted at each stage.
package ingest

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medigate/ingest/internal/domain/canonical"
	"github.com/medigate/ingest/internal/domain/registry"
	"github.com/medigate/ingest/internal/ingest/classify"
	"github.com/medigate/ingest/internal/platform/fhir"
	"github.com/medigate/ingest/internal/platform/metrics"
	"github.com/medigate/ingest/internal/platform/monitor"
)

const (
	DefaultHighWatermark = 1024
	DefaultLowWatermark  = 256
	drainGrace           = 30 * time.Second
)

type historyRecorder interface {
	Record(ctx context.Context, obs *canonical.Observation, res registry.Resolution) error
}

type identityResolver interface {
	Resolve(ctx context.Context, obs *canonical.Observation) (registry.Resolution, error)
}

type fhirWriter interface {
	Write(ctx context.Context, ingestID string, resources []fhir.Observation) error
	Enabled() bool
}

type task struct {
	topic    string
	payload  []byte
	received time.Time
}

// Pipeline fans broker messages out over N workers. Messages from one
// device always land on the same worker, which preserves their broker
// order end-to-end into history and FHIR submission.
type Pipeline struct {
	classifier *classify.Classifier
	resolver   identityResolver
	history    historyRecorder
	writer     fhirWriter
	emitter    *monitor.Emitter
	reg        *metrics.Registry
	log        zerolog.Logger

	queues []chan task
	high   int
	low    int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type Options struct {
	Workers       int
	HighWatermark int
	LowWatermark  int
	Strict        bool
}

func NewPipeline(resolver identityResolver, history historyRecorder, writer fhirWriter,
	emitter *monitor.Emitter, reg *metrics.Registry, log zerolog.Logger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.HighWatermark <= 0 {
		opts.HighWatermark = DefaultHighWatermark
	}
	if opts.LowWatermark <= 0 || opts.LowWatermark >= opts.HighWatermark {
		opts.LowWatermark = opts.HighWatermark / 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		classifier: &classify.Classifier{Strict: opts.Strict},
		resolver:   resolver,
		history:    history,
		writer:     writer,
		emitter:    emitter,
		reg:        reg,
		log:        log.With().Str("component", "pipeline").Logger(),
		queues:     make([]chan task, opts.Workers),
		high:       opts.HighWatermark,
		low:        opts.LowWatermark,
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range p.queues {
		p.queues[i] = make(chan task, opts.HighWatermark)
	}
	return p
}

// Start launches the workers.
func (p *Pipeline) Start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
}

// Handle is the MQTT session callback. It enqueues onto the device's worker
// and acks only after the handoff. A full queue blocks the session's read
// loop until the queue drains to the low watermark, which holds further
// messages on the broker.
func (p *Pipeline) Handle(topic string, payload []byte, ack func()) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	t := task{topic: topic, payload: buf, received: time.Now().UTC()}

	q := p.queues[p.workerFor(topic, buf)]
	select {
	case q <- t:
	default:
		p.log.Warn().Str("topic", topic).Msg("worker queue at high watermark, pausing reads")
		for len(q) > p.low {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		select {
		case q <- t:
		case <-p.ctx.Done():
			return
		}
	}
	if ack != nil {
		ack()
	}
	p.emit(monitor.Event{Step: monitor.StepReceived, Status: monitor.StatusSuccess, Topic: topic})
}

// workerFor hashes the device identifier, or the topic when no identifier
// can be sniffed, onto a worker index. The sniff is a tolerant partial
// decode; full parsing stays on the worker.
func (p *Pipeline) workerFor(topic string, payload []byte) int {
	var probe struct {
		Mac      string `json:"mac"`
		IMEI     string `json:"IMEI"`
		DeviceID string `json:"device_id"`
	}
	key := topic
	if err := json.Unmarshal(payload, &probe); err == nil {
		switch {
		case probe.Mac != "":
			key = probe.Mac
		case probe.IMEI != "":
			key = probe.IMEI
		case probe.DeviceID != "":
			key = probe.DeviceID
		}
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Stop drains the workers, bounded by the drain grace period. The MQTT
// session must be closed first; Handle on a stopped pipeline panics.
func (p *Pipeline) Stop() {
	for _, q := range p.queues {
		close(q)
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		p.log.Warn().Msg("drain grace expired, abandoning queued messages")
	}
	p.cancel()
}

func (p *Pipeline) worker(idx int, q chan task) {
	defer p.wg.Done()
	label := strconv.Itoa(idx)
	for t := range q {
		p.reg.SetGaugeLabel(metrics.QueueDepth, "worker", label, int64(len(q)))
		p.process(t)
	}
}

// process runs one message through every stage. The message is already
// acked; any failure from here on is reported through events and metrics,
// never retried at this level.
func (p *Pipeline) process(t task) {
	ctx := p.ctx

	obs, perr := p.classifier.Classify(t.topic, t.payload, t.received)
	if perr != nil {
		p.reg.IncLabel(metrics.PayloadErrorsTotal, "kind", string(perr.Code))
		p.log.Warn().Str("topic", t.topic).Str("code", string(perr.Code)).
			Str("detail", perr.Detail).Msg("payload rejected")
		ev := monitor.Event{Step: monitor.StepError, Status: monitor.StatusError, Topic: t.topic, Error: perr.Error()}
		if perr.HexPayload != "" {
			ev.Payload = map[string]interface{}{"hex": perr.HexPayload}
		}
		if perr.Field != "" {
			ev.Payload = map[string]interface{}{"field": perr.Field, "value": perr.Value}
		}
		p.emit(ev)
		return
	}

	p.reg.IncLabel(metrics.MessagesTotal, "vendor", string(obs.Vendor))
	base := monitor.Event{
		Status:     monitor.StatusSuccess,
		DeviceType: string(obs.Vendor),
		Topic:      t.topic,
		IngestID:   obs.IngestID.String(),
	}

	ev := base
	ev.Step = monitor.StepParsed
	p.emit(ev)

	ev = base
	ev.Step = monitor.StepFHIRValidation
	if obs.ClockSkewClamped {
		ev.Payload = map[string]interface{}{"clock_skew_clamped": true}
	}
	p.emit(ev)

	res, err := p.resolver.Resolve(ctx, obs)
	if err != nil {
		p.log.Error().Err(err).Str("ingest_id", obs.IngestID.String()).Msg("identity resolution failed")
		res = registry.Resolution{Confidence: registry.ConfidenceUnresolved}
	}
	ev = base
	ev.Step = monitor.StepPatientLookup
	if !res.Resolved() {
		ev.Status = monitor.StatusError
		ev.Error = "no registry entry for device " + obs.DeviceID()
	} else if res.PatientID != nil {
		ev.PatientInfo = map[string]interface{}{"patient_id": res.PatientID.String(), "name": res.PatientName}
	}
	p.emit(ev)

	p.appendHistory(ctx, obs, res, base)
	p.writeFHIR(ctx, obs, res, base)
	for _, d := range obs.Derived {
		p.appendHistory(ctx, d, res, base)
		p.writeFHIR(ctx, d, res, base)
	}
}

func (p *Pipeline) appendHistory(ctx context.Context, obs *canonical.Observation, res registry.Resolution, base monitor.Event) {
	ev := base
	ev.Step = monitor.StepHistoryStored
	if err := p.history.Record(ctx, obs, res); err != nil {
		p.log.Error().Err(err).Str("ingest_id", obs.IngestID.String()).Msg("history append failed")
		ev.Status = monitor.StatusError
		ev.Error = err.Error()
		p.emit(ev)
		return
	}
	p.reg.IncLabel(metrics.HistoryWritesTotal, "series", string(obs.Kind))
	p.emit(ev)
}

func (p *Pipeline) writeFHIR(ctx context.Context, obs *canonical.Observation, res registry.Resolution, base monitor.Event) {
	if !res.Resolved() || !p.writer.Enabled() {
		return
	}
	resources := fhir.Project(obs, res)
	if len(resources) == 0 {
		return
	}
	ev := base
	ev.Step = monitor.StepFHIRProjected
	ev.Payload = map[string]interface{}{"resources": len(resources)}
	p.emit(ev)

	ev = base
	ev.Step = monitor.StepFHIRStorage
	if err := p.writer.Write(ctx, obs.IngestID.String(), resources); err != nil {
		p.reg.IncLabel(metrics.FHIRWritesTotal, "status", "error")
		p.reg.Inc(metrics.DeadLettersTotal)
		ev.Status = monitor.StatusError
		ev.Error = err.Error()
		p.emit(ev)
		return
	}
	p.reg.IncLabel(metrics.FHIRWritesTotal, "status", "success")
	p.emit(ev)
}

func (p *Pipeline) emit(ev monitor.Event) {
	if p.emitter != nil {
		p.emitter.Emit(ev)
	}
}

// QueueDepths reports the live depth of every worker queue for the health
// endpoint.
func (p *Pipeline) QueueDepths() []int {
	out := make([]int, len(p.queues))
	for i, q := range p.queues {
		out[i] = len(q)
	}
	return out
}
