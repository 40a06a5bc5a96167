package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/parallax/internal/backend"
)

// scriptedBackend returns one configured outcome per call.
type scriptedBackend struct {
	mu        sync.Mutex
	outcomes  []any // backend.Result or error
	callCount int
}

func (b *scriptedBackend) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.callCount >= len(b.outcomes) {
		return backend.Result{}, fmt.Errorf("unexpected call %d", b.callCount+1)
	}
	out := b.outcomes[b.callCount]
	b.callCount++
	switch v := out.(type) {
	case backend.Result:
		return v, nil
	case error:
		return backend.Result{}, v
	}
	return backend.Result{}, fmt.Errorf("invalid outcome %T", out)
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callCount
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.1,
	}
}

func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	b := &scriptedBackend{outcomes: []any{
		errors.New("transient 1"),
		errors.New("transient 2"),
		backend.Result{Output: "ok", ChecksPassed: true},
	}}
	cb := NewCircuitBreakerRegistry(nil).Get("backend")

	res, err := executeWithRetry(context.Background(), b, backend.Request{TaskID: "T1"}, cb, fastRetry())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, 3, b.calls())
}

func TestExecuteWithRetry_FailedChecksNotRetried(t *testing.T) {
	b := &scriptedBackend{outcomes: []any{backend.Result{ChecksPassed: false, FailedCheck: "make test"}}}
	cb := NewCircuitBreakerRegistry(nil).Get("backend")

	res, err := executeWithRetry(context.Background(), b, backend.Request{}, cb, fastRetry())
	require.NoError(t, err)
	assert.False(t, res.ChecksPassed)
	assert.Equal(t, 1, b.calls())
}

func TestExecuteWithRetry_NoCommandIsPermanent(t *testing.T) {
	b := &scriptedBackend{outcomes: []any{backend.ErrNoCommand}}
	cb := NewCircuitBreakerRegistry(nil).Get("backend")

	_, err := executeWithRetry(context.Background(), b, backend.Request{}, cb, fastRetry())
	assert.ErrorIs(t, err, backend.ErrNoCommand)
	assert.Equal(t, 1, b.calls())
}

func TestExecuteWithRetry_CircuitOpens(t *testing.T) {
	outcomes := make([]any, 20)
	for i := range outcomes {
		outcomes[i] = errors.New("executor down")
	}
	b := &scriptedBackend{outcomes: outcomes}
	cb := NewCircuitBreakerRegistry(nil).Get("backend")

	_, err := executeWithRetry(context.Background(), b, backend.Request{}, cb, fastRetry())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, b.calls(), "breaker trips after five consecutive failures")
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestExecuteWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := &scriptedBackend{outcomes: []any{backend.Result{}}}
	cb := NewCircuitBreakerRegistry(nil).Get("backend")

	_, err := executeWithRetry(ctx, b, backend.Request{}, cb, fastRetry())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.calls())
}

func TestCircuitBreakerRegistry_PerRole(t *testing.T) {
	reg := NewCircuitBreakerRegistry(nil)
	assert.Same(t, reg.Get("backend"), reg.Get("backend"))
	assert.NotSame(t, reg.Get("backend"), reg.Get("frontend"))
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreakerRegistry(nil).Get("backend")
	for i := 0; i < 10; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, context.Canceled })
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 100*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 2.0, cfg.Multiplier)
}
