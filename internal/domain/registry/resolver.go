package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/medigate/ingest/internal/domain/canonical"
)

// Confidence grades a resolution outcome.
type Confidence string

const (
	ConfidenceExact      Confidence = "exact"
	ConfidenceConflict   Confidence = "conflict"
	ConfidenceUnresolved Confidence = "unresolved"
)

// Resolution ties a canonical observation to its owning patient or hospital.
// Unresolved records keep flowing: history stores them unmapped and the FHIR
// projection is skipped.
type Resolution struct {
	PatientID   *uuid.UUID
	HospitalID  *uuid.UUID
	PatientName string
	Confidence  Confidence

	// RegistryKind is the declared kind of a matched AVA4 sub-device row;
	// when it disagrees with the observation's kind the resolution is
	// tagged ConfidenceConflict.
	RegistryKind canonical.Kind
}

func (r *Resolution) Resolved() bool { return r.Confidence != ConfidenceUnresolved }

// Resolver turns device identifiers into patient or hospital ownership. It
// re-reads the registries on every call; registry rows are maintained
// out-of-band by the admin surface.
type Resolver struct {
	repos Repos
}

func NewResolver(repos Repos) *Resolver { return &Resolver{repos: repos} }

var unresolved = Resolution{Confidence: ConfidenceUnresolved}

// Resolve looks up the observation's device identifier.
//
// Kati watches and Qube hospital boxes are keyed by IMEI. AVA4 measurements
// reverse-index the BLE sub-device MAC; gateway-level AVA4 messages fall back
// to the gateway MAC. A miss is not an error: the zero-confidence resolution
// is returned with a nil error so the record can flow on unmapped.
func (rs *Resolver) Resolve(ctx context.Context, obs *canonical.Observation) (Resolution, error) {
	switch obs.Vendor {
	case canonical.VendorKati:
		return rs.resolveWatch(ctx, obs.DeviceIMEI)
	case canonical.VendorQube:
		return rs.resolveHospitalBox(ctx, obs.DeviceIMEI)
	case canonical.VendorAVA4:
		if obs.SubDeviceMAC != "" {
			return rs.resolveSubDevice(ctx, obs)
		}
		return rs.resolveGateway(ctx, obs.GatewayMAC)
	default:
		return unresolved, fmt.Errorf("resolve: unknown vendor %q", obs.Vendor)
	}
}

func (rs *Resolver) resolveWatch(ctx context.Context, imei string) (Resolution, error) {
	w, err := rs.repos.Watches.FindByIMEI(ctx, imei)
	if errors.Is(err, ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("resolve watch %s: %w", imei, err)
	}
	if w.PatientID == nil {
		return unresolved, nil
	}
	return rs.withPatient(ctx, *w.PatientID, ConfidenceExact, "")
}

func (rs *Resolver) resolveHospitalBox(ctx context.Context, imei string) (Resolution, error) {
	b, err := rs.repos.HospitalBox.FindByIMEI(ctx, imei)
	if errors.Is(err, ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("resolve hospital box %s: %w", imei, err)
	}
	if b.HospitalID == nil {
		return unresolved, nil
	}
	return Resolution{HospitalID: b.HospitalID, Confidence: ConfidenceExact}, nil
}

func (rs *Resolver) resolveSubDevice(ctx context.Context, obs *canonical.Observation) (Resolution, error) {
	d, err := rs.repos.SubDevices.FindByMAC(ctx, obs.SubDeviceMAC)
	if errors.Is(err, ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("resolve sub-device %s: %w", obs.SubDeviceMAC, err)
	}
	confidence := ConfidenceExact
	if d.Kind != obs.Kind {
		confidence = ConfidenceConflict
	}
	return rs.withPatient(ctx, d.PatientID, confidence, d.Kind)
}

func (rs *Resolver) resolveGateway(ctx context.Context, mac string) (Resolution, error) {
	b, err := rs.repos.GatewayBoxes.FindByMAC(ctx, mac)
	if errors.Is(err, ErrNotFound) {
		return unresolved, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("resolve gateway %s: %w", mac, err)
	}
	if b.PatientID == nil {
		return unresolved, nil
	}
	return rs.withPatient(ctx, *b.PatientID, ConfidenceExact, "")
}

func (rs *Resolver) withPatient(ctx context.Context, patientID uuid.UUID, confidence Confidence, registryKind canonical.Kind) (Resolution, error) {
	res := Resolution{PatientID: &patientID, Confidence: confidence, RegistryKind: registryKind}
	p, err := rs.repos.Patients.GetByID(ctx, patientID)
	if errors.Is(err, ErrNotFound) {
		// Dangling registry pointer. Resolution stands; only the display
		// name is missing.
		return res, nil
	}
	if err != nil {
		return unresolved, fmt.Errorf("load patient %s: %w", patientID, err)
	}
	res.PatientName = p.DisplayName()
	return res, nil
}
