package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row. Resolution treats it
// as an unmapped device, not a failure.
var ErrNotFound = errors.New("registry: not found")

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type GatewayBoxRepository interface {
	FindByMAC(ctx context.Context, mac string) (*GatewayBox, error)
}

type SubDeviceRepository interface {
	// ListByPatient returns the sparse kind→MAC registry for a patient.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*SubDevice, error)
	// FindByMAC is the reverse index from a BLE MAC to its registry row.
	FindByMAC(ctx context.Context, mac string) (*SubDevice, error)
}

type WatchRepository interface {
	FindByIMEI(ctx context.Context, imei string) (*Watch, error)
}

type HospitalBoxRepository interface {
	FindByIMEI(ctx context.Context, imei string) (*HospitalBox, error)
}

// Repos bundles the read-side registries the resolver needs.
type Repos struct {
	Patients     PatientRepository
	GatewayBoxes GatewayBoxRepository
	SubDevices   SubDeviceRepository
	Watches      WatchRepository
	HospitalBox  HospitalBoxRepository
}
