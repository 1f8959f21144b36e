package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/retry"
	"github.com/BaSui01/agentflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T, maxRetries int) *Executor {
	t.Helper()
	logger := zap.NewNop()
	retryer := retry.NewBackoffRetryer(&retry.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}, logger)
	breaker := circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
		Threshold:        10,
		Timeout:          time.Second,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 1,
	}, logger)
	return NewExecutor(retryer, breaker, logger)
}

func TestExecutorExecuteRetriesThroughBreaker(t *testing.T) {
	e := newTestExecutor(t, 3)

	attempts := 0
	v, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, 3, attempts)
}

func TestExecutorExecuteSurfacesErrorAfterExhaustingRetries(t *testing.T) {
	e := newTestExecutor(t, 2)

	attempts := 0
	_, err := e.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("persistent failure")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestExecutorExecuteWithDeadlineTimesOut(t *testing.T) {
	e := newTestExecutor(t, 0)

	_, err := e.ExecuteWithDeadline(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, 10*time.Millisecond)

	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrTimeout, typedErr.Code)
}

func TestExecutorExecuteWithDeadlineReturnsResultWhenFast(t *testing.T) {
	e := newTestExecutor(t, 0)

	v, err := e.ExecuteWithDeadline(context.Background(), func(ctx context.Context) (any, error) {
		return "fast", nil
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestExecutorExecuteWithCancellationReturnsCancelledOnSignal(t *testing.T) {
	e := newTestExecutor(t, 0)
	cancelSignal := make(chan struct{})
	close(cancelSignal)

	_, err := e.ExecuteWithCancellation(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return "too slow", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, cancelSignal)

	require.Error(t, err)
	var typedErr *types.Error
	require.ErrorAs(t, err, &typedErr)
	assert.Equal(t, types.ErrCancelled, typedErr.Code)
	assert.False(t, typedErr.Retryable)
}

func TestExecutorExecuteWithCancellationReturnsResultWhenUncancelled(t *testing.T) {
	e := newTestExecutor(t, 0)
	cancelSignal := make(chan struct{})

	v, err := e.ExecuteWithCancellation(context.Background(), func(ctx context.Context) (any, error) {
		return "finished", nil
	}, cancelSignal)

	require.NoError(t, err)
	assert.Equal(t, "finished", v)
}
