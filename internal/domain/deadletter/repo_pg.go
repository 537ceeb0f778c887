package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medigate/ingest/internal/platform/fhir"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const letterCols = "id, ingest_id, resources, attempts, last_error, created_at, replayed_at"

func (r *repoPG) Save(ctx context.Context, l *Letter) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	resources, err := json.Marshal(l.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO fhir_dead_letters (id, ingest_id, resources, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.IngestID, resources, l.Attempts, l.LastError, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Letter, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+letterCols+" FROM fhir_dead_letters WHERE id = $1", id)
	l, err := scanLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (r *repoPG) ListPending(ctx context.Context, limit int) ([]*Letter, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+letterCols+" FROM fhir_dead_letters WHERE replayed_at IS NULL ORDER BY created_at ASC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	defer rows.Close()
	return collectLetters(rows)
}

func (r *repoPG) ListByIngestID(ctx context.Context, ingestID string) ([]*Letter, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+letterCols+" FROM fhir_dead_letters WHERE ingest_id = $1 ORDER BY created_at ASC",
		ingestID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for %s: %w", ingestID, err)
	}
	defer rows.Close()
	return collectLetters(rows)
}

func (r *repoPG) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		"UPDATE fhir_dead_letters SET replayed_at = $1 WHERE id = $2 AND replayed_at IS NULL",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark replayed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanLetter(row pgx.Row) (*Letter, error) {
	var l Letter
	var resources []byte
	if err := row.Scan(&l.ID, &l.IngestID, &resources, &l.Attempts, &l.LastError, &l.CreatedAt, &l.ReplayedAt); err != nil {
		return nil, err
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &l.Resources); err != nil {
			return nil, fmt.Errorf("decode resources: %w", err)
		}
	}
	return &l, nil
}

func collectLetters(rows pgx.Rows) ([]*Letter, error) {
	var out []*Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Sink adapts the repository to the write client's dead-letter interface.
type Sink struct {
	repo Repository
}

func NewSink(repo Repository) *Sink { return &Sink{repo: repo} }

func (s *Sink) DeadLetter(ctx context.Context, ingestID string, resources []fhir.Observation, attempts int, lastErr string) error {
	return s.repo.Save(ctx, &Letter{
		IngestID:  ingestID,
		Resources: resources,
		Attempts:  attempts,
		LastError: lastErr,
	})
}
