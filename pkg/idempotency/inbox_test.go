package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_ProcessesOnce(t *testing.T) {
	inbox := New(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"plan":"ok"}`), nil
	}

	res, err := inbox.Process(ctx, "order-1", "careplan", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = inbox.Process(ctx, "order-1", "careplan", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.JSONEq(t, `{"plan":"ok"}`, string(res.Output))
	assert.Equal(t, 1, calls)
}

func TestInbox_TransientFailureIsRetried(t *testing.T) {
	store := NewMemoryStore()
	inbox := New(store, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("timeout")
	})
	require.Error(t, err)

	e, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusRecoverable, e.Status)

	res, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Recovered)
}

func TestInbox_PermanentFailureIsNotRetried(t *testing.T) {
	inbox := New(NewMemoryStore(), DefaultConfig(), nil)
	ctx := context.Background()

	_, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(errors.New("order not found"))
	})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	_, err = inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestInbox_InProgressAndStale(t *testing.T) {
	store := NewMemoryStore()
	inbox := New(store, Config{TTL: time.Hour, CleanupInterval: time.Hour, RecoveryTimeout: time.Minute}, nil)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, "k", "h", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	inbox.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	res, err := inbox.Process(ctx, "k", "h", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Recovered)
}

func TestMemoryStore_Maintenance(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Claim(ctx, "old", "h", nil, time.Now().Add(-time.Second))
	require.NoError(t, err)
	_, err = store.Claim(ctx, "live", "h", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n, err := store.RecoverStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
}
