// Package memory provides an in-process transactional store for intake. Each
// unit of work runs on a staged copy of the state that replaces the committed
// state only when the unit of work succeeds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/domain/intake"
)

type state struct {
	providers     map[uuid.UUID]intake.Provider
	providerByNPI map[string]uuid.UUID
	patients      map[uuid.UUID]intake.Patient
	patientByMRN  map[string]uuid.UUID
	orders        map[uuid.UUID]intake.Order
	orderKeys     map[string]uuid.UUID
	carePlans     map[uuid.UUID]intake.CarePlan
	events        []*intake.Event
}

func newState() state {
	return state{
		providers:     map[uuid.UUID]intake.Provider{},
		providerByNPI: map[string]uuid.UUID{},
		patients:      map[uuid.UUID]intake.Patient{},
		patientByMRN:  map[string]uuid.UUID{},
		orders:        map[uuid.UUID]intake.Order{},
		orderKeys:     map[string]uuid.UUID{},
		carePlans:     map[uuid.UUID]intake.CarePlan{},
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.providerByNPI {
		c.providerByNPI[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.patientByMRN {
		c.patientByMRN[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderKeys {
		c.orderKeys[k] = v
	}
	for k, v := range s.carePlans {
		c.carePlans[k] = v
	}
	c.events = append([]*intake.Event(nil), s.events...)
	return c
}

// Store is an in-memory intake.Store and careplan.Repository. Units of work
// are serialized.
type Store struct {
	mu    sync.Mutex
	state state
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx runs fn against a staged copy of the state and commits it when fn
// returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx intake.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{st: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// FindOrders returns committed orders for mrn and medication.
func (s *Store) FindOrders(ctx context.Context, mrn, medication string) ([]intake.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return findOrders(s.state, mrn, medication), nil
}

// GetOrder loads a committed order with its identities.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*intake.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.state.orders[id]
	if !ok {
		return nil, intake.ErrNotFound
	}
	return &intake.OrderRecord{
		Order:    o,
		Patient:  s.state.patients[o.PatientID],
		Provider: s.state.providers[o.ProviderID],
	}, nil
}

// GetCarePlan returns the plan stored for orderID.
func (s *Store) GetCarePlan(ctx context.Context, orderID uuid.UUID) (*intake.CarePlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.state.carePlans[orderID]
	if !ok {
		return nil, intake.ErrNotFound
	}
	return &cp, nil
}

// SaveCarePlan stores cp. At most one plan exists per order.
func (s *Store) SaveCarePlan(ctx context.Context, cp *intake.CarePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.orders[cp.OrderID]; !ok {
		return intake.ErrNotFound
	}
	if _, ok := s.state.carePlans[cp.OrderID]; ok {
		return careplan.ErrPlanExists
	}
	s.state.carePlans[cp.OrderID] = *cp
	return nil
}

// Events returns every event appended by committed units of work.
func (s *Store) Events() []*intake.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*intake.Event(nil), s.state.events...)
}

// Counts reports the number of stored providers, patients and orders.
func (s *Store) Counts() (providers, patients, orders int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.providers), len(s.state.patients), len(s.state.orders)
}

// ProviderByNPI returns the stored provider for npi.
func (s *Store) ProviderByNPI(npi string) (intake.Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.providerByNPI[npi]
	if !ok {
		return intake.Provider{}, false
	}
	return s.state.providers[id], true
}

type memTx struct {
	st state
}

func (t *memTx) UpsertProvider(ctx context.Context, p intake.Provider) (intake.Resolution[intake.Provider], error) {
	if id, ok := t.st.providerByNPI[p.NPI]; ok {
		return intake.Resolution[intake.Provider]{Record: t.st.providers[id], Outcome: intake.Existing}, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.st.providers[p.ID] = p
	t.st.providerByNPI[p.NPI] = p.ID
	return intake.Resolution[intake.Provider]{Record: p, Outcome: intake.Created}, nil
}

func (t *memTx) UpsertPatient(ctx context.Context, p intake.Patient) (intake.Resolution[intake.Patient], error) {
	if id, ok := t.st.patientByMRN[p.MRN]; ok {
		return intake.Resolution[intake.Patient]{Record: t.st.patients[id], Outcome: intake.Existing}, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	t.st.patients[p.ID] = p
	t.st.patientByMRN[p.MRN] = p.ID
	return intake.Resolution[intake.Patient]{Record: p, Outcome: intake.Created}, nil
}

func (t *memTx) ProviderNameTaken(ctx context.Context, name, npi string) (bool, error) {
	for _, p := range t.st.providers {
		if strings.EqualFold(strings.TrimSpace(p.Name), strings.TrimSpace(name)) && p.NPI != npi {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) FindOrders(ctx context.Context, mrn, medication string) ([]intake.Order, error) {
	return findOrders(t.st, mrn, medication), nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *intake.Order) error {
	if _, ok := t.st.patients[o.PatientID]; !ok {
		return intake.ErrNotFound
	}
	if _, ok := t.st.providers[o.ProviderID]; !ok {
		return intake.ErrNotFound
	}
	key := orderKey(o.PatientID, o.MedicationName, o.OrderDate.Format(intake.DateLayout))
	if _, ok := t.st.orderKeys[key]; ok {
		return intake.ErrOrderConflict
	}
	t.st.orders[o.ID] = *o
	t.st.orderKeys[key] = o.ID
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, e *intake.Event) error {
	t.st.events = append(t.st.events, e)
	return nil
}

func findOrders(st state, mrn, medication string) []intake.Order {
	pid, ok := st.patientByMRN[mrn]
	if !ok {
		return nil
	}
	var out []intake.Order
	for _, o := range st.orders {
		if o.PatientID == pid && o.SameMedication(medication) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func orderKey(patientID uuid.UUID, medication, date string) string {
	return patientID.String() + "|" + strings.ToLower(strings.TrimSpace(medication)) + "|" + date
}
