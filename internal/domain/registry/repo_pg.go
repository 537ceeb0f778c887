package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx,
		`SELECT id, first_name, last_name, created_at, updated_at FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// =========== GatewayBox Repository ===========

type gatewayBoxRepoPG struct{ pool *pgxpool.Pool }

func NewGatewayBoxRepoPG(pool *pgxpool.Pool) GatewayBoxRepository {
	return &gatewayBoxRepoPG{pool: pool}
}

func (r *gatewayBoxRepoPG) FindByMAC(ctx context.Context, mac string) (*GatewayBox, error) {
	var b GatewayBox
	err := r.pool.QueryRow(ctx,
		`SELECT id, mac, patient_id, model, created_at FROM gateway_boxes WHERE mac = $1`, mac).
		Scan(&b.ID, &b.MAC, &b.PatientID, &b.Model, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// =========== SubDevice Repository ===========

type subDeviceRepoPG struct{ pool *pgxpool.Pool }

func NewSubDeviceRepoPG(pool *pgxpool.Pool) SubDeviceRepository {
	return &subDeviceRepoPG{pool: pool}
}

func (r *subDeviceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*SubDevice, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, patient_id, kind, mac FROM sub_devices WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*SubDevice
	for rows.Next() {
		var d SubDevice
		if err := rows.Scan(&d.ID, &d.PatientID, &d.Kind, &d.MAC); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

func (r *subDeviceRepoPG) FindByMAC(ctx context.Context, mac string) (*SubDevice, error) {
	var d SubDevice
	err := r.pool.QueryRow(ctx,
		`SELECT id, patient_id, kind, mac FROM sub_devices WHERE mac = $1`, mac).
		Scan(&d.ID, &d.PatientID, &d.Kind, &d.MAC)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// =========== Watch Repository ===========

type watchRepoPG struct{ pool *pgxpool.Pool }

func NewWatchRepoPG(pool *pgxpool.Pool) WatchRepository { return &watchRepoPG{pool: pool} }

func (r *watchRepoPG) FindByIMEI(ctx context.Context, imei string) (*Watch, error) {
	var w Watch
	err := r.pool.QueryRow(ctx,
		`SELECT id, imei, patient_id FROM watches WHERE imei = $1`, imei).
		Scan(&w.ID, &w.IMEI, &w.PatientID)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// =========== HospitalBox Repository ===========

type hospitalBoxRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalBoxRepoPG(pool *pgxpool.Pool) HospitalBoxRepository {
	return &hospitalBoxRepoPG{pool: pool}
}

func (r *hospitalBoxRepoPG) FindByIMEI(ctx context.Context, imei string) (*HospitalBox, error) {
	var b HospitalBox
	err := r.pool.QueryRow(ctx,
		`SELECT id, imei, hospital_id FROM hospital_boxes WHERE imei = $1`, imei).
		Scan(&b.ID, &b.IMEI, &b.HospitalID)
	if err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// NewRepos wires all pgx-backed registries onto one pool.
func NewRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Patients:     NewPatientRepoPG(pool),
		GatewayBoxes: NewGatewayBoxRepoPG(pool),
		SubDevices:   NewSubDeviceRepoPG(pool),
		Watches:      NewWatchRepoPG(pool),
		HospitalBox:  NewHospitalBoxRepoPG(pool),
	}
}
