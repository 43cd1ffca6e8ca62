package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_PassesThroughResult(t *testing.T) {
	cb, err := New(DefaultConfig("llm"), nil)
	require.NoError(t, err)

	out, err := Do(context.Background(), cb, func(context.Context) (string, error) {
		return "plan", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "plan", out)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDo_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("llm")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	boom := errors.New("upstream 500")
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "", boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, IsOpen(err))
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	_, err = Do(context.Background(), cb, func(context.Context) (string, error) {
		called = true
		return "", nil
	})
	assert.True(t, IsOpen(err))
	assert.False(t, called)
}

func TestDo_CancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig("llm")
	cfg.ConsecutiveFailures = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestNew_RequiresName(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
