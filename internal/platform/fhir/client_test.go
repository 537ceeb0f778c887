package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockSink struct {
	mu        sync.Mutex
	ingestIDs []string
	resources [][]Observation
	lastErrs  []string
}

func (s *mockSink) DeadLetter(_ context.Context, ingestID string, res []Observation, _ int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestIDs = append(s.ingestIDs, ingestID)
	s.resources = append(s.resources, res)
	s.lastErrs = append(s.lastErrs, lastErr)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, url string, sink DeadLetterSink) *Client {
	t.Helper()
	c := NewClient(url, "", time.Second, sink, zerolog.Nop())
	c.sleep = noSleep
	return c
}

func singleResource() []Observation {
	return []Observation{{
		ResourceType: "Observation",
		Status:       "final",
		Identifier:   []Identifier{{System: IdentifierSystem, Value: "abc:temp:0"}},
	}}
}

func TestWriteRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := &mockSink{}
	c := newTestClient(t, srv.URL, sink)
	if err := c.Write(context.Background(), "abc", singleResource()); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(sink.ingestIDs) != 0 {
		t.Error("successful write must not dead-letter")
	}
}

func TestWriteDeadLettersAfterSixAttempts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := &mockSink{}
	c := newTestClient(t, srv.URL, sink)
	err := c.Write(context.Background(), "abc", singleResource())
	if err == nil {
		t.Fatal("expected terminal error after exhausted retries")
	}
	if calls != 6 {
		t.Errorf("expected 6 attempts, got %d", calls)
	}
	if len(sink.ingestIDs) != 1 || sink.ingestIDs[0] != "abc" {
		t.Fatalf("expected one dead letter keyed by ingest id, got %v", sink.ingestIDs)
	}
}

func TestWritePermanentRejectionSkipsRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	sink := &mockSink{}
	c := newTestClient(t, srv.URL, sink)
	if err := c.Write(context.Background(), "abc", singleResource()); err == nil {
		t.Fatal("expected error for rejected resource")
	}
	if calls != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls)
	}
	if len(sink.ingestIDs) != 1 {
		t.Error("rejected resource must still be dead-lettered")
	}
}

func TestWriteBatchPartialFailureRetriesFailedOnly(t *testing.T) {
	var bodies [][]Observation
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []Observation
		json.NewDecoder(r.Body).Decode(&batch)
		bodies = append(bodies, batch)
		w.Header().Set("Content-Type", "application/json")
		if len(bodies) == 1 {
			// Middle item fails on the first pass.
			json.NewEncoder(w).Encode(map[string]interface{}{
				"successful": 2, "failed": 1,
				"results": []map[string]interface{}{
					{"index": 0, "success": true},
					{"index": 1, "success": false, "error": "store busy"},
					{"index": 2, "success": true},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"successful": len(batch), "failed": 0})
	}))
	defer srv.Close()

	resources := []Observation{
		{ResourceType: "Observation", Identifier: []Identifier{{Value: "abc:bp:0"}}},
		{ResourceType: "Observation", Identifier: []Identifier{{Value: "abc:bp:1"}}},
		{ResourceType: "Observation", Identifier: []Identifier{{Value: "abc:bp:2"}}},
	}

	sink := &mockSink{}
	c := newTestClient(t, srv.URL, sink)
	if err := c.Write(context.Background(), "abc", resources); err != nil {
		t.Fatalf("expected success after partial retry, got %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 batch calls, got %d", len(bodies))
	}
	if len(bodies[1]) != 1 || bodies[1][0].Identifier[0].Value != "abc:bp:1" {
		t.Errorf("second call must carry only the failed item, got %+v", bodies[1])
	}
}

func TestWriteBatchOutageDeadLettersRemaining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resources := []Observation{
		{ResourceType: "Observation", Identifier: []Identifier{{Value: "abc:bp:0"}}},
		{ResourceType: "Observation", Identifier: []Identifier{{Value: "abc:bp:1"}}},
	}
	sink := &mockSink{}
	c := newTestClient(t, srv.URL, sink)
	if err := c.Write(context.Background(), "abc", resources); err == nil {
		t.Fatal("expected terminal error")
	}
	if len(sink.resources) != 1 || len(sink.resources[0]) != 2 {
		t.Fatalf("expected both resources dead-lettered, got %+v", sink.resources)
	}
}

func TestVerifyIdentifierSkipsExisting(t *testing.T) {
	var posts, searches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			searches++
			json.NewEncoder(w).Encode(map[string]int{"total": 1})
			return
		}
		posts++
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, nil, zerolog.Nop(), WithVerifyIdentifier(true))
	c.sleep = noSleep
	if err := c.Write(context.Background(), "abc", singleResource()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if searches != 1 || posts != 0 {
		t.Errorf("expected search-only path, got %d searches and %d posts", searches, posts)
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("", "", time.Second, nil, zerolog.Nop())
	if err := c.Write(context.Background(), "abc", singleResource()); err != nil {
		t.Fatalf("disabled client must be a no-op, got %v", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if d := backoff(attempt); d <= 0 || d > retryCap {
			t.Errorf("attempt %d: backoff %v outside (0, %v]", attempt, d, retryCap)
		}
	}
}
