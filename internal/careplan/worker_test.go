package careplan_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-careplan/internal/careplan"
	"github.com/drfirst/go-careplan/internal/domain/intake"
	"github.com/drfirst/go-careplan/internal/infrastructure/memory"
	"github.com/drfirst/go-careplan/pkg/idempotency"
	"github.com/drfirst/go-careplan/pkg/workerpool"
)

func newWorker(t *testing.T, store *memory.Store, gen careplan.Generator) (*careplan.Worker, *idempotency.MemoryStore) {
	t.Helper()
	inboxStore := idempotency.NewMemoryStore()
	w, err := careplan.NewWorker(
		careplan.NewService(store, gen, nil, nil),
		idempotency.New(inboxStore, idempotency.DefaultConfig(), nil),
		workerpool.Config{Workers: 2, QueueSize: 4, MaxRetries: 1, RetryDelay: time.Millisecond},
		nil,
	)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })
	return w, inboxStore
}

func acceptedEvent(t *testing.T, store *memory.Store) []byte {
	t.Helper()
	events := store.Events()
	require.NotEmpty(t, events)
	raw, err := json.Marshal(events[len(events)-1])
	require.NoError(t, err)
	return raw
}

func TestWorker_GeneratesOnce(t *testing.T) {
	store := memory.NewStore()
	id := seedOrder(t, store)
	gen := &fakeGenerator{text: "plan"}
	w, inbox := newWorker(t, store, gen)
	ev := acceptedEvent(t, store)

	ctx := context.Background()
	require.NoError(t, w.HandleEvent(ctx, ev))
	require.NoError(t, w.HandleEvent(ctx, ev))

	assert.Equal(t, int32(1), gen.calls.Load())
	plan, err := store.GetCarePlan(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "plan for IVIG", plan.GeneratedText)

	entry, err := inbox.Get(ctx, "careplan:"+id.String())
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFinished, entry.Status)
}

func TestWorker_GeneratorFailureIsRetryable(t *testing.T) {
	store := memory.NewStore()
	id := seedOrder(t, store)
	gen := &fakeGenerator{err: errors.New("503")}
	w, inbox := newWorker(t, store, gen)
	ev := acceptedEvent(t, store)
	ctx := context.Background()

	err := w.HandleEvent(ctx, ev)
	assert.ErrorIs(t, err, careplan.ErrUnavailable)
	assert.Equal(t, int32(2), gen.calls.Load())

	entry, err := inbox.Get(ctx, "careplan:"+id.String())
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusRecoverable, entry.Status)

	gen.err = nil
	require.NoError(t, w.HandleEvent(ctx, ev))
	_, err = store.GetCarePlan(ctx, id)
	assert.NoError(t, err)
}

func TestWorker_UnknownOrderFailsPermanently(t *testing.T) {
	store := memory.NewStore()
	gen := &fakeGenerator{text: "plan"}
	w, inbox := newWorker(t, store, gen)

	missing := uuid.New()
	ev, err := intake.NewEvent(missing.String(), intake.EventOrderAccepted, intake.OrderAcceptedData{OrderID: missing.String()})
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.HandleEvent(ctx, raw))
	require.NoError(t, w.HandleEvent(ctx, raw))

	entry, err := inbox.Get(ctx, "careplan:"+missing.String())
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusFailed, entry.Status)
	assert.Zero(t, gen.calls.Load())
}

func TestWorker_IgnoresOtherEvents(t *testing.T) {
	store := memory.NewStore()
	gen := &fakeGenerator{text: "plan"}
	w, _ := newWorker(t, store, gen)
	ctx := context.Background()

	assert.NoError(t, w.HandleEvent(ctx, []byte(`not json`)))
	assert.NoError(t, w.HandleEvent(ctx, []byte(`{"event_type": "OrderCancelled"}`)))
	assert.NoError(t, w.HandleEvent(ctx, []byte(`{"event_type": "OrderAccepted", "event_data": {"order_id": "x"}}`)))
	assert.Zero(t, w.Stats().Submitted)
}
