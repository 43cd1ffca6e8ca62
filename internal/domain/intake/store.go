package intake

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the intake engine.
type Store interface {
	// FindOrders returns committed orders for the patient MRN whose
	// medication matches case-insensitively.
	FindOrders(ctx context.Context, mrn, medication string) ([]Order, error)

	// GetOrder loads a committed order with its patient and provider.
	// Returns ErrNotFound when absent.
	GetOrder(ctx context.Context, id uuid.UUID) (*OrderRecord, error)

	// WithinTx runs fn in one atomic unit of work. The unit of work commits
	// only if fn returns nil; otherwise every write made through tx is
	// discarded.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// UpsertProvider inserts p if no provider with p.NPI exists, otherwise
	// fetches the stored row unchanged. Atomic under concurrent callers.
	UpsertProvider(ctx context.Context, p Provider) (Resolution[Provider], error)

	// UpsertPatient inserts p if no patient with p.MRN exists, otherwise
	// fetches the stored row unchanged. Atomic under concurrent callers.
	UpsertPatient(ctx context.Context, p Patient) (Resolution[Patient], error)

	// ProviderNameTaken reports whether a provider with the given name
	// (case-insensitive) exists under an NPI other than npi.
	ProviderNameTaken(ctx context.Context, name, npi string) (bool, error)

	// FindOrders is Store.FindOrders evaluated inside the unit of work.
	FindOrders(ctx context.Context, mrn, medication string) ([]Order, error)

	// InsertOrder stores o. Returns ErrOrderConflict when the
	// (patient, lower(medication), date) constraint rejects it.
	InsertOrder(ctx context.Context, o *Order) error

	// AppendEvent records an event for asynchronous publication. It commits
	// or rolls back with the unit of work.
	AppendEvent(ctx context.Context, e *Event) error
}
