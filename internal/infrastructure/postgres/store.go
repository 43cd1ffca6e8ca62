// Package postgres provides PostgreSQL infrastructure components: the intake
// store, care-plan persistence, schema migrations and the transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/domain/intake"
)

// OrderUniqueIndex enforces one order per patient, medication and date.
const OrderUniqueIndex = "uniq_order_patient_med_date"

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store implements intake.Store and careplan.Repository on PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	eventTopic string
}

// NewStore creates a store. Events appended inside a unit of work are queued
// in the outbox for eventTopic.
func NewStore(pool *pgxpool.Pool, eventTopic string) *Store {
	return &Store{pool: pool, eventTopic: eventTopic}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithinTx runs fn in a READ COMMITTED transaction. The transaction is
// rolled back unless fn returns nil and the commit succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx intake.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx, eventTopic: s.eventTopic}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) FindOrders(ctx context.Context, mrn, medication string) ([]intake.Order, error) {
	return findOrders(ctx, s.pool, mrn, medication)
}

const orderRecordCols = `
	o.id, o.patient_id, o.provider_id, o.medication_name, o.order_date,
	o.primary_diagnosis, o.additional_diagnoses, o.medication_history,
	o.patient_records_text, o.duplicate_flag, o.reason, o.created_at,
	p.mrn, p.first_name, p.last_name, p.date_of_birth, p.created_at,
	pr.npi, pr.name, pr.created_at`

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*intake.OrderRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderRecordCols+`
		FROM orders o
		JOIN patients p ON p.id = o.patient_id
		JOIN providers pr ON pr.id = o.provider_id
		WHERE o.id = $1`, id)

	var (
		rec        intake.OrderRecord
		addl, hist []byte
	)
	o := &rec.Order
	err := row.Scan(
		&o.ID, &o.PatientID, &o.ProviderID, &o.MedicationName, &o.OrderDate,
		&o.PrimaryDiagnosis, &addl, &hist,
		&o.PatientRecordsText, &o.DuplicateFlag, &o.Reason, &o.CreatedAt,
		&rec.Patient.MRN, &rec.Patient.FirstName, &rec.Patient.LastName, &rec.Patient.DateOfBirth, &rec.Patient.CreatedAt,
		&rec.Provider.NPI, &rec.Provider.Name, &rec.Provider.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, intake.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if err := decodeLists(o, addl, hist); err != nil {
		return nil, err
	}
	rec.Patient.ID = o.PatientID
	rec.Provider.ID = o.ProviderID
	return &rec, nil
}

func (s *Store) GetCarePlan(ctx context.Context, orderID uuid.UUID) (*intake.CarePlan, error) {
	var cp intake.CarePlan
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, generated_text, llm_model, created_at
		FROM care_plans WHERE order_id = $1`, orderID,
	).Scan(&cp.ID, &cp.OrderID, &cp.GeneratedText, &cp.LLMModel, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, intake.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get care plan: %w", err)
	}
	return &cp, nil
}

func (s *Store) SaveCarePlan(ctx context.Context, cp *intake.CarePlan) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO care_plans (id, order_id, generated_text, llm_model, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		cp.ID, cp.OrderID, cp.GeneratedText, cp.LLMModel, cp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
			return intake.ErrNotFound
		}
		return fmt.Errorf("save care plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return careplan.ErrPlanExists
	}
	return nil
}

type pgTx struct {
	q          querier
	eventTopic string
}

func (t *pgTx) UpsertProvider(ctx context.Context, p intake.Provider) (intake.Resolution[intake.Provider], error) {
	var created intake.Provider
	err := t.q.QueryRow(ctx, `
		INSERT INTO providers (id, npi, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (npi) DO NOTHING
		RETURNING id, npi, name, created_at`,
		p.ID, p.NPI, p.Name, p.CreatedAt,
	).Scan(&created.ID, &created.NPI, &created.Name, &created.CreatedAt)
	if err == nil {
		return intake.Resolution[intake.Provider]{Record: created, Outcome: intake.Created}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return intake.Resolution[intake.Provider]{}, err
	}

	var stored intake.Provider
	err = t.q.QueryRow(ctx, `
		SELECT id, npi, name, created_at FROM providers WHERE npi = $1`, p.NPI,
	).Scan(&stored.ID, &stored.NPI, &stored.Name, &stored.CreatedAt)
	if err != nil {
		return intake.Resolution[intake.Provider]{}, fmt.Errorf("fetch provider: %w", err)
	}
	return intake.Resolution[intake.Provider]{Record: stored, Outcome: intake.Existing}, nil
}

func (t *pgTx) UpsertPatient(ctx context.Context, p intake.Patient) (intake.Resolution[intake.Patient], error) {
	const cols = `id, mrn, first_name, last_name, date_of_birth, created_at`

	var created intake.Patient
	err := t.q.QueryRow(ctx, `
		INSERT INTO patients (`+cols+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mrn) DO NOTHING
		RETURNING `+cols,
		p.ID, p.MRN, p.FirstName, p.LastName, p.DateOfBirth, p.CreatedAt,
	).Scan(&created.ID, &created.MRN, &created.FirstName, &created.LastName, &created.DateOfBirth, &created.CreatedAt)
	if err == nil {
		return intake.Resolution[intake.Patient]{Record: created, Outcome: intake.Created}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return intake.Resolution[intake.Patient]{}, err
	}

	var stored intake.Patient
	err = t.q.QueryRow(ctx, `SELECT `+cols+` FROM patients WHERE mrn = $1`, p.MRN).
		Scan(&stored.ID, &stored.MRN, &stored.FirstName, &stored.LastName, &stored.DateOfBirth, &stored.CreatedAt)
	if err != nil {
		return intake.Resolution[intake.Patient]{}, fmt.Errorf("fetch patient: %w", err)
	}
	return intake.Resolution[intake.Patient]{Record: stored, Outcome: intake.Existing}, nil
}

func (t *pgTx) ProviderNameTaken(ctx context.Context, name, npi string) (bool, error) {
	var taken bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM providers
			WHERE lower(btrim(name)) = lower(btrim($1)) AND npi <> $2
		)`, name, npi).Scan(&taken)
	return taken, err
}

func (t *pgTx) FindOrders(ctx context.Context, mrn, medication string) ([]intake.Order, error) {
	return findOrders(ctx, t.q, mrn, medication)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *intake.Order) error {
	addl, err := json.Marshal(o.AdditionalDiagnoses)
	if err != nil {
		return err
	}
	hist, err := json.Marshal(o.MedicationHistory)
	if err != nil {
		return err
	}

	_, err = t.q.Exec(ctx, `
		INSERT INTO orders (
			id, patient_id, provider_id, medication_name, order_date,
			primary_diagnosis, additional_diagnoses, medication_history,
			patient_records_text, duplicate_flag, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.PatientID, o.ProviderID, o.MedicationName, o.OrderDate,
		o.PrimaryDiagnosis, addl, hist,
		o.PatientRecordsText, o.DuplicateFlag, o.Reason, o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == OrderUniqueIndex {
			return intake.ErrOrderConflict
		}
		return err
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *intake.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return WriteEntry(ctx, t.q, &OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       payload,
		KafkaTopic:    t.eventTopic,
		KafkaKey:      e.AggregateID,
	})
}

func findOrders(ctx context.Context, q querier, mrn, medication string) ([]intake.Order, error) {
	rows, err := q.Query(ctx, `
		SELECT o.id, o.patient_id, o.provider_id, o.medication_name, o.order_date,
		       o.primary_diagnosis, o.additional_diagnoses, o.medication_history,
		       o.patient_records_text, o.duplicate_flag, o.reason, o.created_at
		FROM orders o
		JOIN patients p ON p.id = o.patient_id
		WHERE p.mrn = $1 AND lower(o.medication_name) = lower(btrim($2))
		ORDER BY o.created_at`, mrn, medication)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []intake.Order
	for rows.Next() {
		var (
			o          intake.Order
			addl, hist []byte
		)
		if err := rows.Scan(
			&o.ID, &o.PatientID, &o.ProviderID, &o.MedicationName, &o.OrderDate,
			&o.PrimaryDiagnosis, &addl, &hist,
			&o.PatientRecordsText, &o.DuplicateFlag, &o.Reason, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if err := decodeLists(&o, addl, hist); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func decodeLists(o *intake.Order, addl, hist []byte) error {
	o.AdditionalDiagnoses = []string{}
	o.MedicationHistory = []string{}
	if len(addl) > 0 {
		if err := json.Unmarshal(addl, &o.AdditionalDiagnoses); err != nil {
			return fmt.Errorf("decode additional_diagnoses: %w", err)
		}
	}
	if len(hist) > 0 {
		if err := json.Unmarshal(hist, &o.MedicationHistory); err != nil {
			return fmt.Errorf("decode medication_history: %w", err)
		}
	}
	return nil
}
