package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medigate/ingest/internal/platform/fhir"
)

type mockRepo struct {
	letters map[uuid.UUID]*Letter
	order   []uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{letters: make(map[uuid.UUID]*Letter)}
}

func (m *mockRepo) Save(_ context.Context, l *Letter) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.letters[l.ID] = l
	m.order = append(m.order, l.ID)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Letter, error) {
	l, ok := m.letters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (m *mockRepo) ListPending(_ context.Context, limit int) ([]*Letter, error) {
	var out []*Letter
	for _, id := range m.order {
		if l := m.letters[id]; !l.Replayed() {
			out = append(out, l)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepo) ListByIngestID(_ context.Context, ingestID string) ([]*Letter, error) {
	var out []*Letter
	for _, id := range m.order {
		if m.letters[id].IngestID == ingestID {
			out = append(out, m.letters[id])
		}
	}
	return out, nil
}

func (m *mockRepo) MarkReplayed(_ context.Context, id uuid.UUID) error {
	l, ok := m.letters[id]
	if !ok || l.Replayed() {
		return ErrNotFound
	}
	now := l.CreatedAt
	l.ReplayedAt = &now
	return nil
}

type mockWriter struct {
	failFor map[string]bool
	written []string
}

func (w *mockWriter) Write(_ context.Context, ingestID string, _ []fhir.Observation) error {
	if w.failFor[ingestID] {
		return errors.New("store still down")
	}
	w.written = append(w.written, ingestID)
	return nil
}

func TestReplayPending(t *testing.T) {
	repo := newMockRepo()
	for _, id := range []string{"ing-1", "ing-2", "ing-3"} {
		repo.Save(context.Background(), &Letter{
			IngestID:  id,
			Resources: []fhir.Observation{{ResourceType: "Observation"}},
			Attempts:  6,
		})
	}

	w := &mockWriter{failFor: map[string]bool{"ing-2": true}}
	r := NewReplayer(repo, w, zerolog.Nop())

	n, err := r.ReplayPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 replayed, got %d", n)
	}

	// The failed letter stays pending for the next run.
	pending, _ := repo.ListPending(context.Background(), 10)
	if len(pending) != 1 || pending[0].IngestID != "ing-2" {
		t.Errorf("expected only ing-2 pending, got %+v", pending)
	}
}

func TestSinkSavesLetter(t *testing.T) {
	repo := newMockRepo()
	s := NewSink(repo)

	err := s.DeadLetter(context.Background(), "ing-9",
		[]fhir.Observation{{ResourceType: "Observation"}}, 6, "503")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.ListByIngestID(context.Background(), "ing-9")
	if len(got) != 1 || got[0].Attempts != 6 || got[0].LastError != "503" {
		t.Errorf("bad saved letter: %+v", got)
	}
}
