package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// Patient holds the demographics the pipeline needs for display strings.
// The admin surface owns the full record.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (p *Patient) DisplayName() string {
	if p.FirstName == "" {
		return p.LastName
	}
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// GatewayBox is an AVA4 home gateway, keyed by its MAC.
type GatewayBox struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MAC       string     `db:"mac" json:"mac"`
	PatientID *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Model     string     `db:"model" json:"model"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// SubDevice is one BLE sensor registered to a patient under an AVA4 gateway.
type SubDevice struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	PatientID uuid.UUID      `db:"patient_id" json:"patient_id"`
	Kind      canonical.Kind `db:"kind" json:"kind"`
	MAC       string         `db:"mac" json:"mac"`
}

// Watch is a Kati wrist monitor, keyed by IMEI.
type Watch struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	IMEI      string     `db:"imei" json:"imei"`
	PatientID *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
}

// HospitalBox is a Qube-Vital hospital unit, keyed by IMEI and owned by a
// hospital rather than a patient.
type HospitalBox struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	IMEI       string     `db:"imei" json:"imei"`
	HospitalID *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
}
