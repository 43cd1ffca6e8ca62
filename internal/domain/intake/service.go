package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Submission outcomes reported to an Observer.
const (
	OutcomeAccepted     = "accepted"
	OutcomeFlagged      = "flagged"
	OutcomeInvalid      = "invalid"
	OutcomeDuplicate    = "duplicate"
	OutcomeStorageError = "storage_error"
)

// Config holds intake service configuration
type Config struct {
	// MRN bounds accepted medical record numbers
	MRN MRNPolicy
	// Timeout bounds one submission including its unit of work
	Timeout time.Duration
	// Now is the clock used for order-date validation and timestamps
	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MRN:     DefaultMRNPolicy(),
		Timeout: 10 * time.Second,
		Now:     time.Now,
	}
}

// Observer receives one notification per Submit call.
type Observer interface {
	ObserveSubmission(outcome string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveSubmission(string, time.Duration) {}

// Service is the single write path for orders.
type Service struct {
	store     Store
	validator *Validator
	resolver  *Resolver
	policy    *DuplicatePolicy
	cfg       Config
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewService creates an intake service over store.
func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Service{
		store:     store,
		validator: NewValidator(cfg.MRN, cfg.Now),
		resolver:  NewResolver(cfg.Now),
		policy:    DefaultDuplicatePolicy(),
		cfg:       cfg,
		observer:  nopObserver{},
		logger:    logger,
		tracer:    otel.Tracer("intake"),
	}
}

// SetObserver attaches an observer for submission outcomes.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Submit validates the raw input and commits the resulting provider, patient
// and order atomically. Errors are ValidationErrors, *DuplicateOrderError or
// *StorageError; on any error nothing was written.
func (s *Service) Submit(ctx context.Context, in RawInput) (*OrderRecord, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "intake_submit")
	defer span.End()

	rec, err := s.submit(ctx, in)

	outcome := classify(rec, err)
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	s.observer.ObserveSubmission(outcome, time.Since(start))

	return rec, err
}

func (s *Service) submit(ctx context.Context, in RawInput) (*OrderRecord, error) {
	sub, err := s.validator.Validate(in)
	if err != nil {
		return nil, err
	}

	cand := Candidate{
		PatientMRN:     sub.PatientMRN,
		MedicationName: sub.MedicationName,
		OrderDate:      sub.OrderDate,
	}

	// The unit of work either completes or rolls back; caller cancellation
	// does not interrupt it, the timeout does.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()

	existing, err := s.store.FindOrders(ctx, cand.PatientMRN, cand.MedicationName)
	if err != nil {
		return nil, storageErr("find orders", err)
	}
	if _, err := s.policy.Evaluate(cand, existing); err != nil {
		s.logDuplicate(cand, "pre-check")
		return nil, err
	}

	var rec *OrderRecord
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var txErr error
		rec, txErr = s.commit(ctx, tx, sub, cand)
		return txErr
	})
	if err != nil {
		var dup *DuplicateOrderError
		if errors.As(err, &dup) {
			s.logDuplicate(cand, "unit of work")
			return nil, dup
		}
		if errors.Is(err, ErrOrderConflict) {
			s.logDuplicate(cand, "constraint")
			return nil, duplicateOf(cand)
		}
		s.logger.Error("order intake failed",
			zap.String("patient_mrn", cand.PatientMRN),
			zap.Error(err))
		return nil, storageErr("submit order", err)
	}

	if rec.Flagged() {
		s.logger.Warn("order accepted with warning",
			zap.String("order_id", rec.Order.ID.String()),
			zap.Bool("duplicate_flag", rec.Order.DuplicateFlag),
			zap.String("reason", rec.Order.Reason))
	} else {
		s.logger.Info("order accepted",
			zap.String("order_id", rec.Order.ID.String()),
			zap.String("patient_mrn", rec.Patient.MRN))
	}
	return rec, nil
}

// commit runs inside the unit of work.
func (s *Service) commit(ctx context.Context, tx Tx, sub *Submission, cand Candidate) (*OrderRecord, error) {
	prov, err := s.resolver.ResolveProvider(ctx, tx, sub.ProviderName, sub.ProviderNPI)
	if err != nil {
		return nil, err
	}
	pat, err := s.resolver.ResolvePatient(ctx, tx, sub.PatientMRN, sub.PatientFirstName, sub.PatientLastName, sub.PatientDOB)
	if err != nil {
		return nil, err
	}

	existing, err := tx.FindOrders(ctx, cand.PatientMRN, cand.MedicationName)
	if err != nil {
		return nil, fmt.Errorf("find orders: %w", err)
	}
	signals, err := s.policy.Evaluate(cand, existing)
	if err != nil {
		return nil, err
	}
	signals = signals.Merge(prov.Signals()).Merge(pat.Signals())

	order := &Order{
		ID:                  uuid.New(),
		PatientID:           pat.Record.ID,
		ProviderID:          prov.Record.ID,
		MedicationName:      sub.MedicationName,
		OrderDate:           sub.OrderDate,
		PrimaryDiagnosis:    sub.PrimaryDiagnosis,
		AdditionalDiagnoses: sub.AdditionalDiagnoses,
		MedicationHistory:   sub.MedicationHistory,
		PatientRecordsText:  sub.PatientRecordsText,
		DuplicateFlag:       signals.SoftDuplicate,
		Reason:              Reason(signals),
		CreatedAt:           s.cfg.Now().UTC(),
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, ErrOrderConflict) {
			return nil, duplicateOf(cand)
		}
		return nil, fmt.Errorf("insert order: %w", err)
	}

	event, err := NewEvent(order.ID.String(), EventOrderAccepted, &OrderAcceptedData{
		OrderID:        order.ID.String(),
		PatientMRN:     pat.Record.MRN,
		ProviderNPI:    prov.Record.NPI,
		MedicationName: order.MedicationName,
		OrderDate:      order.OrderDate.Format(DateLayout),
		DuplicateFlag:  order.DuplicateFlag,
		Reason:         order.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	if err := tx.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	return &OrderRecord{
		Order:    *order,
		Patient:  pat.Record,
		Provider: prov.Record,
	}, nil
}

// GetOrder loads a committed order. Returns ErrNotFound when absent.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*OrderRecord, error) {
	rec, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageErr("get order", err)
	}
	return rec, nil
}

func (s *Service) logDuplicate(c Candidate, stage string) {
	s.logger.Info("duplicate order rejected",
		zap.String("patient_mrn", c.PatientMRN),
		zap.String("medication", c.MedicationName),
		zap.String("order_date", c.OrderDate.Format(DateLayout)),
		zap.String("stage", stage))
}

func duplicateOf(c Candidate) *DuplicateOrderError {
	return &DuplicateOrderError{
		MRN:            c.PatientMRN,
		MedicationName: c.MedicationName,
		OrderDate:      c.OrderDate,
	}
}

func classify(rec *OrderRecord, err error) string {
	var verrs ValidationErrors
	switch {
	case err == nil && rec.Flagged():
		return OutcomeFlagged
	case err == nil:
		return OutcomeAccepted
	case errors.As(err, &verrs):
		return OutcomeInvalid
	case errors.Is(err, ErrDuplicateOrder):
		return OutcomeDuplicate
	default:
		return OutcomeStorageError
	}
}
