package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sonda/internal/stage"
	"github.com/rendis/sonda/pkg/schema"
)

// fakeAdapter runs a caller-supplied function as the stage execution.
type fakeAdapter struct {
	kind schema.StageKind
	fn   func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)
}

func (a *fakeAdapter) Kind() schema.StageKind { return a.kind }

func (a *fakeAdapter) Execute(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
	return a.fn(ctx, req)
}

func fakeAdapters(fn func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)) map[schema.StageKind]stage.Adapter {
	out := make(map[schema.StageKind]stage.Adapter)
	for _, kind := range []schema.StageKind{
		schema.StageKindRetrieval, schema.StageKindAnalysis,
		schema.StageKindVerification, schema.StageKindSynthesis,
	} {
		out[kind] = &fakeAdapter{kind: kind, fn: fn}
	}
	return out
}

func newTestCoordinator(t *testing.T, ceiling int, fn func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)) *Coordinator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fakeAdapters(fn), Config{Ceiling: ceiling}, logger)
	c.Start(context.Background())
	t.Cleanup(c.Shutdown)
	return c
}

func okTask(runID, stageID string, kind schema.StageKind, priority int) Task {
	return Task{
		RunID:    runID,
		StageID:  stageID,
		Kind:     kind,
		Priority: priority,
		Request:  schema.StageRequest{RunID: runID, StageID: stageID, Query: "q"},
	}
}

func result(stageID string) *schema.StageResult {
	return &schema.StageResult{StageID: stageID, Payload: json.RawMessage(`{}`), ProducedAt: time.Now().UTC()}
}

func TestCoordinator_CeilingBoundsConcurrency(t *testing.T) {
	var active, peak int64
	gate := make(chan struct{})

	c := newTestCoordinator(t, 2, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-gate
		atomic.AddInt64(&active, -1)
		return result(req.StageID), nil
	})

	var wg sync.WaitGroup
	wg.Add(4)
	for i, stageID := range []string{"a", "b", "c", "d"} {
		_, err := c.Submit(okTask("r1", stageID, schema.StageKindRetrieval, i), func(Outcome) { wg.Done() })
		require.NoError(t, err)
	}

	// Exactly the ceiling is in flight while the rest queue.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&active) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), atomic.LoadInt64(&peak))

	close(gate)
	wg.Wait()
	assert.Equal(t, int64(2), atomic.LoadInt64(&peak))
}

func TestCoordinator_OnStartFiresOnSlotAcquisition(t *testing.T) {
	gate := make(chan struct{})
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		<-gate
		return result(req.StageID), nil
	})

	var started atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	for _, stageID := range []string{"first", "second"} {
		task := okTask("r1", stageID, schema.StageKindRetrieval, 0)
		task.OnStart = func(string) { started.Add(1) }
		_, err := c.Submit(task, func(Outcome) { wg.Done() })
		require.NoError(t, err)
	}

	// Only the task holding the slot has started; the queued one has not.
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), started.Load())

	close(gate)
	wg.Wait()
	assert.Equal(t, int64(2), started.Load())
}

func TestCoordinator_PriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})

	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		if req.StageID == "blocker" {
			<-gate
			return result(req.StageID), nil
		}
		mu.Lock()
		order = append(order, req.StageID)
		mu.Unlock()
		return result(req.StageID), nil
	})

	// Occupy the single slot so subsequent tasks queue up.
	_, err := c.Submit(okTask("r1", "blocker", schema.StageKindRetrieval, 0), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Metrics().Active == 1
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	submit := func(stageID string, priority int) {
		wg.Add(1)
		_, err := c.Submit(okTask("r1", stageID, schema.StageKindAnalysis, priority), func(Outcome) { wg.Done() })
		require.NoError(t, err)
	}
	// The dispatch loop holds one popped entry while waiting for a slot, so
	// a top-priority head task pins down which entry that is.
	submit("head", 10)
	submit("low", 1)
	submit("high-first", 5)
	submit("high-second", 5)
	submit("mid", 3)

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"head", "high-first", "high-second", "mid", "low"}, order)
}

func TestCoordinator_HandleLifecycle(t *testing.T) {
	done := make(chan Outcome, 1)
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return result(req.StageID), nil
	})

	taskID, err := c.Submit(okTask("r1", "s1", schema.StageKindRetrieval, 0), func(o Outcome) { done <- o })
	require.NoError(t, err)

	out := <-done
	assert.NoError(t, out.Err)
	assert.Equal(t, taskID, out.TaskID)
	assert.Equal(t, 1, out.Attempt)

	handle, err := c.Status(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, handle.Status)
	assert.Equal(t, 1, handle.Attempt)
	assert.NotNil(t, handle.StartedAt)
	assert.NotNil(t, handle.FinishedAt)
}

func TestCoordinator_StatusUnknownTask(t *testing.T) {
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return result(req.StageID), nil
	})
	_, err := c.Status("nope")
	require.Error(t, err)
	var serr *schema.SondaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestCoordinator_CancelQueuedTask(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	var executed atomic.Int64

	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		if req.StageID == "blocker" {
			<-gate
			return result(req.StageID), nil
		}
		executed.Add(1)
		return result(req.StageID), nil
	})

	_, err := c.Submit(okTask("r1", "blocker", schema.StageKindRetrieval, 0), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Metrics().Active == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan Outcome, 1)
	taskID, err := c.Submit(okTask("r1", "victim", schema.StageKindAnalysis, 0), func(o Outcome) { done <- o })
	require.NoError(t, err)

	require.NoError(t, c.Cancel(taskID))

	out := <-done
	require.Error(t, out.Err)
	var serr *schema.SondaError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, schema.ErrCodeCancelled, serr.Code)

	handle, err := c.Status(taskID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, handle.Status)
	assert.Equal(t, int64(0), executed.Load())
}

func TestCoordinator_CancelQueuedTaskDeliversOutcomeOffCallerGoroutine(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		<-gate
		return result(req.StageID), nil
	})

	_, err := c.Submit(okTask("r1", "blocker", schema.StageKindRetrieval, 0), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Metrics().Active == 1 }, time.Second, 5*time.Millisecond)

	// The callback takes the same lock the canceller holds, the way the
	// engine settles a failed run while cancelling its remaining tasks.
	var mu sync.Mutex
	delivered := make(chan struct{})
	taskID, err := c.Submit(okTask("r1", "victim", schema.StageKindAnalysis, 0), func(Outcome) {
		mu.Lock()
		defer mu.Unlock()
		close(delivered)
	})
	require.NoError(t, err)

	mu.Lock()
	require.NoError(t, c.Cancel(taskID))
	mu.Unlock()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("cancel outcome was never delivered")
	}
}

func TestCoordinator_CancelDispatchedTaskReleasesSlot(t *testing.T) {
	started := make(chan struct{})
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		if req.StageID == "hung" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return result(req.StageID), nil
	})

	done := make(chan Outcome, 1)
	taskID, err := c.Submit(okTask("r1", "hung", schema.StageKindRetrieval, 0), func(o Outcome) { done <- o })
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Cancel(taskID))
	out := <-done
	require.Error(t, out.Err)

	// The slot is free again: another task runs to completion.
	next := make(chan Outcome, 1)
	_, err = c.Submit(okTask("r1", "after", schema.StageKindAnalysis, 0), func(o Outcome) { next <- o })
	require.NoError(t, err)
	assert.NoError(t, (<-next).Err)
}

func TestCoordinator_CancelRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)

	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return result(req.StageID), nil
	})

	var wg sync.WaitGroup
	var ids []string
	for _, stageID := range []string{"a", "b", "c"} {
		wg.Add(1)
		id, err := c.Submit(okTask("r9", stageID, schema.StageKindRetrieval, 0), func(Outcome) { wg.Done() })
		require.NoError(t, err)
		ids = append(ids, id)
	}

	c.CancelRun("r9")
	wg.Wait()

	for _, id := range ids {
		handle, err := c.Status(id)
		require.NoError(t, err)
		assert.Equal(t, TaskStatusFailed, handle.Status, "task %s", id)
	}
}

func TestCoordinator_AttemptsAccumulatePerStage(t *testing.T) {
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return result(req.StageID), nil
	})

	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		_, err := c.Submit(okTask("r1", "s1", schema.StageKindRetrieval, 0), func(Outcome) { close(done) })
		require.NoError(t, err)
		<-done
	}

	assert.Equal(t, 3, c.Attempts("r1", "s1"))
	assert.Equal(t, 0, c.Attempts("r1", "other"))
}

func TestCoordinator_UnknownKindRejected(t *testing.T) {
	c := newTestCoordinator(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return result(req.StageID), nil
	})
	_, err := c.Submit(Task{RunID: "r1", StageID: "s1", Kind: "summon"}, nil)
	require.Error(t, err)
}

func TestCoordinator_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fakeAdapters(func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return nil, schema.NewError(schema.ErrCodeTransient, "down")
	}), Config{
		Ceiling:        1,
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Hour, HalfOpenMax: 1},
	}, logger)
	c.Start(context.Background())
	t.Cleanup(c.Shutdown)

	for i := 0; i < 3; i++ {
		done := make(chan Outcome, 1)
		_, err := c.Submit(okTask("r1", "s1", schema.StageKindRetrieval, 0), func(o Outcome) { done <- o })
		require.NoError(t, err)
		require.Error(t, (<-done).Err)
	}
	assert.Equal(t, CircuitOpen, c.CircuitState(schema.StageKindRetrieval))

	// Further dispatches short-circuit without touching the adapter.
	done := make(chan Outcome, 1)
	_, err := c.Submit(okTask("r1", "s1", schema.StageKindRetrieval, 0), func(o Outcome) { done <- o })
	require.NoError(t, err)
	out := <-done
	var serr *schema.SondaError
	require.ErrorAs(t, out.Err, &serr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, serr.Code)

	// Other stage kinds are unaffected.
	assert.Equal(t, CircuitClosed, c.CircuitState(schema.StageKindSynthesis))
}

func TestCoordinator_SubmitAfterShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fakeAdapters(func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		return result(req.StageID), nil
	}), Config{Ceiling: 1}, logger)
	c.Start(context.Background())
	c.Shutdown()

	_, err := c.Submit(okTask("r1", "s1", schema.StageKindRetrieval, 0), nil)
	assert.Error(t, err)
}
