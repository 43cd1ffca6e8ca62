package careplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/pkg/idempotency"
	"github.com/drfirst/go-careplan/pkg/workerpool"
)

// InboxHandler names the worker in inbox entries.
const InboxHandler = "careplan-worker"

// ErrUnavailable is returned by a job whose generator call failed, so the
// pool and the inbox treat it as retryable.
var ErrUnavailable = errors.New("care plan generator unavailable")

// Job is one order whose plan should exist.
type Job struct {
	OrderID uuid.UUID
	Event   json.RawMessage
}

// Worker turns OrderAccepted events into care plans, at most once per order.
// Jobs run on a bounded pool and are de-duplicated through the inbox.
type Worker struct {
	service *Service
	inbox   *idempotency.Inbox
	pool    *workerpool.Pool[Job]
	logger  *zap.Logger
}

// NewWorker creates a worker. Start must be called before HandleEvent.
func NewWorker(svc *Service, inbox *idempotency.Inbox, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{service: svc, inbox: inbox, logger: logger}

	pool, err := workerpool.New(cfg, w.process, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	pool.OnFailure(func(id string, _ Job, err error) {
		logger.Warn("care plan job exhausted retries",
			zap.String("order_id", id),
			zap.Error(err))
	})
	w.pool = pool
	return w, nil
}

// Start launches the pool workers.
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool.
func (w *Worker) Stop() error { return w.pool.Stop() }

// Stats returns pool counters.
func (w *Worker) Stats() workerpool.Stats { return w.pool.Stats() }

// HandleEvent processes one serialized intake.Event and returns once its job
// has finished. Events that are not OrderAccepted are ignored. Malformed
// events are logged and dropped so they do not block the partition.
func (w *Worker) HandleEvent(ctx context.Context, value []byte) error {
	var ev intake.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		w.logger.Error("dropping malformed event", zap.Error(err))
		return nil
	}
	if ev.EventType != intake.EventOrderAccepted {
		return nil
	}

	data, err := intake.DecodeOrderAccepted(ev.EventData)
	if err != nil {
		w.logger.Error("dropping malformed order event", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	id, err := uuid.Parse(data.OrderID)
	if err != nil {
		w.logger.Error("dropping order event with bad id", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}

	return w.pool.Do(ctx, id.String(), Job{OrderID: id, Event: value})
}

// process runs one job through the inbox. Concurrent or finished jobs for
// the same order are not errors.
func (w *Worker) process(ctx context.Context, job Job) error {
	key := "careplan:" + job.OrderID.String()

	res, err := w.inbox.Process(ctx, key, InboxHandler, job.Event, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		outcome, err := w.service.Generate(ctx, job.OrderID)
		switch {
		case errors.Is(err, intake.ErrNotFound):
			return nil, idempotency.Permanent(err)
		case err != nil:
			return nil, err
		case !outcome.Generated():
			return nil, ErrUnavailable
		}
		return json.Marshal(map[string]string{"care_plan_id": outcome.Plan.ID.String()})
	})

	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress):
		w.logger.Debug("care plan job in progress elsewhere", zap.String("order_id", job.OrderID.String()))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsPermanent(err):
		w.logger.Warn("care plan job failed permanently", zap.String("order_id", job.OrderID.String()), zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	if res.Duplicate {
		w.logger.Debug("care plan job already done", zap.String("order_id", job.OrderID.String()))
	}
	return nil
}
