// Package metrics is a small counter/gauge registry with Prometheus text
// exposition, served from the ops endpoint. Counters carry at most one
// label; the ingest pipeline needs nothing richer.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

const (
	MessagesTotal      = "ingest_messages_total"
	PayloadErrorsTotal = "ingest_payload_errors_total"
	EventsDroppedTotal = "ingest_events_dropped_total"
	EmitFailuresTotal  = "ingest_emit_failures_total"
	FHIRWritesTotal    = "ingest_fhir_writes_total"
	DeadLettersTotal   = "ingest_dead_letters_total"
	HistoryWritesTotal = "ingest_history_writes_total"
	QueueDepth         = "ingest_queue_depth"
)

type store struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func (s *store) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; ok {
		return p
	}
	p = new(int64)
	s.items[key] = p
	return p
}

func (s *store) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// Registry holds all pipeline metrics. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	counters *store
	gauges   *store
}

func NewRegistry() *Registry {
	return &Registry{
		counters: &store{items: make(map[string]*int64)},
		gauges:   &store{items: make(map[string]*int64)},
	}
}

// key encodes an optional single label as name|label=value. Exposition
// splits it back apart.
func key(name, label, value string) string {
	if label == "" {
		return name
	}
	return name + "|" + label + "=" + value
}

func (r *Registry) Inc(name string) {
	atomic.AddInt64(r.counters.ptr(name), 1)
}

func (r *Registry) IncLabel(name, label, value string) {
	atomic.AddInt64(r.counters.ptr(key(name, label, value)), 1)
}

func (r *Registry) Counter(name string) int64 {
	return atomic.LoadInt64(r.counters.ptr(name))
}

func (r *Registry) CounterLabel(name, label, value string) int64 {
	return atomic.LoadInt64(r.counters.ptr(key(name, label, value)))
}

func (r *Registry) SetGauge(name string, v int64) {
	atomic.StoreInt64(r.gauges.ptr(name), v)
}

func (r *Registry) SetGaugeLabel(name, label, value string, v int64) {
	atomic.StoreInt64(r.gauges.ptr(key(name, label, value)), v)
}

func (r *Registry) Gauge(name string) int64 {
	return atomic.LoadInt64(r.gauges.ptr(name))
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		writeFamily(&b, r.counters.snapshot(), "counter")
		writeFamily(&b, r.gauges.snapshot(), "gauge")
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
	}
}

func writeFamily(b *strings.Builder, snap map[string]int64, typ string) {
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	seen := map[string]bool{}
	for _, k := range keys {
		name, labels := splitKey(k)
		if !seen[name] {
			fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
			seen[name] = true
		}
		if labels == "" {
			fmt.Fprintf(b, "%s %d\n", name, snap[k])
		} else {
			fmt.Fprintf(b, "%s{%s} %d\n", name, labels, snap[k])
		}
	}
}

func splitKey(k string) (name, labels string) {
	i := strings.IndexByte(k, '|')
	if i < 0 {
		return k, ""
	}
	lv := k[i+1:]
	if j := strings.IndexByte(lv, '='); j >= 0 {
		return k[:i], fmt.Sprintf("%s=%q", lv[:j], lv[j+1:])
	}
	return k[:i], ""
}
