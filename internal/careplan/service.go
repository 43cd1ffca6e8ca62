// Package careplan generates the narrative care plan for committed orders.
// Generation failures never affect the order itself.
package careplan

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

	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/pkg/circuitbreaker"
)

// SafeMessage is shown instead of a plan when generation fails.
const SafeMessage = "The AI service is currently unavailable. The order was saved, but the care plan must be generated manually."

// ErrPlanExists is returned by a Repository when the order already has a plan.
var ErrPlanExists = errors.New("care plan already exists for order")

// Repository persists care plans.
type Repository interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*intake.OrderRecord, error)
	// GetCarePlan returns intake.ErrNotFound when the order has no plan.
	GetCarePlan(ctx context.Context, orderID uuid.UUID) (*intake.CarePlan, error)
	// SaveCarePlan returns ErrPlanExists when a plan is already stored.
	SaveCarePlan(ctx context.Context, cp *intake.CarePlan) error
}

// Outcome is either a stored plan or the safe fallback message.
type Outcome struct {
	Plan    *intake.CarePlan `json:"care_plan,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Generated reports whether a plan is available.
func (o *Outcome) Generated() bool { return o.Plan != nil }

// Observer is notified of each generation attempt.
type Observer interface {
	ObserveGeneration(result string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveGeneration(string, time.Duration) {}

// Service produces at most one care plan per order.
type Service struct {
	repo      Repository
	generator Generator
	breaker   *circuitbreaker.CircuitBreaker
	observer  Observer
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates a care-plan service. breaker may be nil.
func NewService(repo Repository, gen Generator, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:      repo,
		generator: gen,
		breaker:   breaker,
		observer:  nopObserver{},
		logger:    logger,
		tracer:    otel.Tracer("careplan"),
		now:       time.Now,
	}
}

// SetObserver attaches an observer for generation results.
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Generate returns the plan for orderID, creating it if needed. A generator
// failure yields an Outcome carrying SafeMessage and a nil error. Errors are
// returned only for a missing order or a storage failure.
func (s *Service) Generate(ctx context.Context, orderID uuid.UUID) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "careplan_generate",
		trace.WithAttributes(attribute.String("order_id", orderID.String())))
	defer span.End()

	existing, err := s.repo.GetCarePlan(ctx, orderID)
	if err == nil {
		return &Outcome{Plan: existing}, nil
	}
	if !errors.Is(err, intake.ErrNotFound) {
		return nil, fmt.Errorf("load care plan: %w", err)
	}

	rec, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}

	start := time.Now()
	text, err := s.generate(ctx, rec)
	if err != nil {
		result := "failure"
		if circuitbreaker.IsOpen(err) {
			result = "rejected"
		}
		s.observer.ObserveGeneration(result, time.Since(start))
		span.RecordError(err)
		s.logger.Error("care plan generation failed",
			zap.String("order_id", orderID.String()),
			zap.Error(err))
		return &Outcome{Message: SafeMessage}, nil
	}
	s.observer.ObserveGeneration("success", time.Since(start))

	plan := &intake.CarePlan{
		ID:            uuid.New(),
		OrderID:       orderID,
		GeneratedText: text,
		LLMModel:      s.generator.Model(),
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.SaveCarePlan(ctx, plan); err != nil {
		if errors.Is(err, ErrPlanExists) {
			stored, getErr := s.repo.GetCarePlan(ctx, orderID)
			if getErr != nil {
				return nil, fmt.Errorf("load care plan: %w", getErr)
			}
			return &Outcome{Plan: stored}, nil
		}
		return nil, fmt.Errorf("save care plan: %w", err)
	}

	s.logger.Info("care plan generated",
		zap.String("order_id", orderID.String()),
		zap.String("model", plan.LLMModel))
	return &Outcome{Plan: plan}, nil
}

// Get returns the stored plan for orderID or intake.ErrNotFound.
func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*intake.CarePlan, error) {
	return s.repo.GetCarePlan(ctx, orderID)
}

func (s *Service) generate(ctx context.Context, rec *intake.OrderRecord) (string, error) {
	if s.breaker == nil {
		return s.generator.Generate(ctx, rec)
	}
	return circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, rec)
	})
}
