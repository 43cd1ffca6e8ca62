// Package idempotency provides the Inbox pattern for exactly-once handling of
// redelivered messages. Each message key moves through
// STARTED -> FINISHED | RECOVERABLE | FAILED.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is an idempotency inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

var (
	// ErrNotFound is returned by a Store for unknown keys.
	ErrNotFound = errors.New("inbox entry not found")

	// ErrMessageInProgress indicates message is currently being processed
	ErrMessageInProgress = errors.New("message in progress by another handler")

	// ErrPreviouslyFailed indicates the key failed permanently before.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Store persists inbox entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim inserts key as STARTED, or moves a RECOVERABLE entry back to
	// STARTED. It reports false when another claim holds the key.
	Claim(ctx context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) (bool, error)
	SetStatus(ctx context.Context, key string, status Status, result json.RawMessage) error
	// RecoverStale moves STARTED entries untouched for olderThan to
	// RECOVERABLE.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is the time-to-live for inbox entries
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when to consider a STARTED entry as stale
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an inbox over store.
func New(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Result reports what Process did.
type Result struct {
	// Duplicate is set when the key had already finished; fn did not run.
	Duplicate bool
	// Recovered is set when a previously interrupted attempt was retried.
	Recovered bool
	Output    json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn at most once to completion per key.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{Duplicate: true, Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.store.SetStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}

	claimed, err := i.store.Claim(ctx, key, handler, payload, i.now().Add(i.config.TTL))
	if err != nil {
		return nil, fmt.Errorf("claim inbox entry: %w", err)
	}
	if !claimed {
		return nil, ErrMessageInProgress
	}

	out, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsPermanent(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.store.SetStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to mark error status", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.SetStatus(ctx, key, StatusFinished, out); err != nil {
		// The handler succeeded; a redelivery will run it again.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	span.SetAttributes(attribute.Bool("recovered", recovered))
	return &Result{Recovered: recovered, Output: out}, nil
}

// Run recovers stale entries and deletes expired ones every CleanupInterval
// until ctx is done.
func (i *Inbox) Run(ctx context.Context) {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	i.logger.Info("inbox maintenance started", zap.Duration("interval", i.config.CleanupInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.store.RecoverStale(ctx, i.config.RecoveryTimeout); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox entries recovered", zap.Int64("count", n))
			}
			if n, err := i.store.DeleteExpired(ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Process records FAILED instead of RECOVERABLE.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
