package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProviderResolution is the outcome of resolving a submitted provider.
type ProviderResolution struct {
	Resolution[Provider]
	// NameMismatch is set when the NPI was already stored under another name.
	NameMismatch bool
	// IdentityConflict is set when the submitted name is stored under a
	// different NPI.
	IdentityConflict bool
}

// PatientResolution is the outcome of resolving a submitted patient.
type PatientResolution struct {
	Resolution[Patient]
	// NameMismatch is set when the MRN was already stored under another name.
	NameMismatch bool
}

// Resolver maps submitted identities onto canonical stored records. It never
// overwrites stored attributes.
type Resolver struct {
	now func() time.Time
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{now: now}
}

// ResolveProvider finds or creates the provider for npi and raises the
// name-mismatch and identity-conflict signals.
func (r *Resolver) ResolveProvider(ctx context.Context, tx Tx, name, npi string) (*ProviderResolution, error) {
	// The name lookup runs before the upsert so a row created here cannot
	// mask another provider holding the same name.
	taken, err := tx.ProviderNameTaken(ctx, name, npi)
	if err != nil {
		return nil, fmt.Errorf("lookup provider name: %w", err)
	}

	res, err := tx.UpsertProvider(ctx, Provider{
		ID:        uuid.New(),
		NPI:       npi,
		Name:      name,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert provider: %w", err)
	}

	return &ProviderResolution{
		Resolution:       res,
		NameMismatch:     res.Existing() && !sameName(res.Record.Name, name),
		IdentityConflict: taken,
	}, nil
}

// ResolvePatient finds or creates the patient for mrn and raises the
// name-mismatch signal.
func (r *Resolver) ResolvePatient(ctx context.Context, tx Tx, mrn, first, last string, dob *time.Time) (*PatientResolution, error) {
	res, err := tx.UpsertPatient(ctx, Patient{
		ID:          uuid.New(),
		MRN:         mrn,
		FirstName:   first,
		LastName:    last,
		DateOfBirth: dob,
		CreatedAt:   r.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert patient: %w", err)
	}

	mismatch := res.Existing() &&
		(!sameName(res.Record.FirstName, first) || !sameName(res.Record.LastName, last))

	return &PatientResolution{Resolution: res, NameMismatch: mismatch}, nil
}

// Signals returns the warnings raised by the provider resolution.
func (p *ProviderResolution) Signals() Signals {
	return Signals{
		ProviderIdentityConflict: p.IdentityConflict,
		ProviderNameMismatch:     p.NameMismatch,
	}
}

// Signals returns the warnings raised by the patient resolution.
func (p *PatientResolution) Signals() Signals {
	return Signals{PatientNameMismatch: p.NameMismatch}
}

func sameName(stored, submitted string) bool {
	return strings.EqualFold(strings.TrimSpace(stored), strings.TrimSpace(submitted))
}
