package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const entryCols = `id, series, patient_id, patient_name, ingest_id,
	effective_time, received_time, kind, vendor, device_id, "values", created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var values []byte
	err := row.Scan(&e.ID, &e.Series, &e.PatientID, &e.PatientName, &e.IngestID,
		&e.EffectiveTime, &e.ReceivedTime, &e.Kind, &e.Vendor, &e.DeviceID, &values, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &e.Values); err != nil {
			return nil, fmt.Errorf("decode history values: %w", err)
		}
	}
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	values, err := json.Marshal(e.Values)
	if err != nil {
		return fmt.Errorf("encode history values: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO observation_histories (id, series, patient_id, patient_name, ingest_id,
			effective_time, received_time, kind, vendor, device_id, "values")
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Series, e.PatientID, e.PatientName, e.IngestID,
		e.EffectiveTime, e.ReceivedTime, e.Kind, e.Vendor, e.DeviceID, values)
	return err
}

func (r *repoPG) ListBySeries(ctx context.Context, series string, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observation_histories WHERE series = $1`, series).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM observation_histories
		WHERE series = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, series, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(rows, total)
}

func (r *repoPG) ListByPatient(ctx context.Context, series string, patientID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM observation_histories WHERE series = $1 AND patient_id = $2`,
		series, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM observation_histories
		WHERE series = $1 AND patient_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		series, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collect(rows, total)
}

func collect(rows pgx.Rows, total int) ([]*Entry, int, error) {
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
