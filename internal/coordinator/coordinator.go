// Package coordinator tracks task executions against the external task
// service: it bounds concurrent calls, orders dispatch by priority, keeps
// per-task handles for status queries and cancellation, and records attempt
// counts for the engine's backoff calculation. Retry policy itself belongs to
// the workflow engine, not here.
package coordinator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/sonda/internal/logging"
	"github.com/rendis/sonda/internal/stage"
	"github.com/rendis/sonda/pkg/schema"
)

// TaskStatus is the lifecycle state of a coordinated task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is one stage execution submitted by the workflow engine.
type Task struct {
	RunID    string
	StageID  string
	Kind     schema.StageKind
	Priority int // higher dispatches first; FIFO within equal priority
	Request  schema.StageRequest
	Timeout  time.Duration // per-attempt ceiling; 0 = none

	// OnStart fires when the task acquires a concurrency slot and its adapter
	// is about to run. Tasks queued behind the ceiling never trigger it.
	OnStart func(taskID string)
}

// TaskHandle is the queryable state of a submitted task.
type TaskHandle struct {
	TaskID      string             `json:"task_id"`
	RunID       string             `json:"run_id"`
	StageID     string             `json:"stage_id"`
	Kind        schema.StageKind   `json:"kind"`
	Status      TaskStatus         `json:"status"`
	Priority    int                `json:"priority"`
	Attempt     int                `json:"attempt"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
	Err         *schema.SondaError `json:"error,omitempty"`
}

// Outcome is delivered to the submitter's callback when a task finishes.
type Outcome struct {
	TaskID   string
	RunID    string
	StageID  string
	Result   *schema.StageResult
	Err      error
	Attempt  int
	Duration time.Duration
}

// handleEntry is the coordinator's mutable record of one task.
type handleEntry struct {
	handle TaskHandle
	task   Task
	done   func(Outcome)
	cancel context.CancelFunc // set while dispatched
	seq    int64
}

// Config holds coordinator configuration.
type Config struct {
	// Ceiling bounds concurrent external calls across all runs.
	Ceiling int
	// CircuitBreaker configures the per-stage-kind breakers (zero value = defaults).
	CircuitBreaker *CircuitBreakerConfig
}

// Coordinator dispatches stage executions with a bounded concurrency ceiling
// and priority-aware FIFO ordering.
type Coordinator struct {
	adapters map[schema.StageKind]stage.Adapter
	pool     *dispatchPool
	circuits *circuitRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskQueue
	handles  map[string]*handleEntry
	attempts map[attemptKey]int
	nextSeq  int64
	closed   bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	loopDone   chan struct{}
}

type attemptKey struct {
	runID, stageID string
}

// New creates a Coordinator over the given stage adapters.
func New(adapters map[schema.StageKind]stage.Adapter, cfg Config, logger *slog.Logger) *Coordinator {
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	c := &Coordinator{
		adapters: adapters,
		pool:     newDispatchPool(cfg.Ceiling),
		circuits: newCircuitRegistry(cbConfig),
		logger:   logger,
		handles:  make(map[string]*handleEntry),
		attempts: make(map[attemptKey]int),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the dispatch loop. Must be called once before Submit.
func (c *Coordinator) Start(ctx context.Context) {
	c.baseCtx, c.cancelBase = context.WithCancel(ctx)
	c.loopDone = make(chan struct{})
	go c.dispatchLoop()
}

// Shutdown stops accepting tasks, waits for in-flight executions, and fails
// anything still queued.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	if c.loopDone != nil {
		<-c.loopDone
	}
	c.pool.Shutdown()
	if c.cancelBase != nil {
		c.cancelBase()
	}
}

// Submit queues a task for dispatch. The done callback fires exactly once
// when the task reaches a terminal status, including cancellation.
func (c *Coordinator) Submit(task Task, done func(Outcome)) (string, error) {
	if _, ok := c.adapters[task.Kind]; !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "no adapter for stage kind %q", task.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", schema.NewError(schema.ErrCodeCancelled, "coordinator is shut down")
	}

	entry := &handleEntry{
		handle: TaskHandle{
			TaskID:      uuid.NewString(),
			RunID:       task.RunID,
			StageID:     task.StageID,
			Kind:        task.Kind,
			Status:      TaskStatusQueued,
			Priority:    task.Priority,
			SubmittedAt: time.Now().UTC(),
		},
		task: task,
		done: done,
		seq:  c.nextSeq,
	}
	c.nextSeq++
	c.handles[entry.handle.TaskID] = entry
	heap.Push(&c.queue, entry)
	c.cond.Signal()
	return entry.handle.TaskID, nil
}

// Status returns a snapshot of the task's handle.
func (c *Coordinator) Status(taskID string) (*TaskHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.handles[taskID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	snapshot := entry.handle
	return &snapshot, nil
}

// Cancel terminates a task. A queued task fails immediately with a CANCELLED
// error; a dispatched task has its context cancelled so the adapter returns
// and the concurrency slot is released.
func (c *Coordinator) Cancel(taskID string) error {
	c.mu.Lock()
	entry, ok := c.handles[taskID]
	if !ok {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "task %s not found", taskID)
	}
	c.mu.Unlock()
	c.cancelEntry(entry)
	return nil
}

// CancelRun cancels every non-terminal task belonging to a run.
func (c *Coordinator) CancelRun(runID string) {
	c.mu.Lock()
	var targets []*handleEntry
	for _, entry := range c.handles {
		if entry.handle.RunID == runID {
			targets = append(targets, entry)
		}
	}
	c.mu.Unlock()

	for _, entry := range targets {
		c.cancelEntry(entry)
	}
}

// Attempts returns the number of executions dispatched for a stage of a run.
func (c *Coordinator) Attempts(runID, stageID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[attemptKey{runID, stageID}]
}

// Metrics returns a snapshot of the dispatch pool metrics.
func (c *Coordinator) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

// CircuitState reports the breaker state guarding a stage kind.
func (c *Coordinator) CircuitState(kind schema.StageKind) CircuitState {
	return c.circuits.State(kind)
}

func (c *Coordinator) cancelEntry(entry *handleEntry) {
	c.mu.Lock()
	switch entry.handle.Status {
	case TaskStatusCompleted, TaskStatusFailed:
		c.mu.Unlock()
		return
	case TaskStatusDispatched:
		cancel := entry.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	// Queued: fail in place; the dispatch loop skips terminal entries.
	now := time.Now().UTC()
	entry.handle.Status = TaskStatusFailed
	entry.handle.FinishedAt = &now
	entry.handle.Err = schema.NewError(schema.ErrCodeCancelled, "task cancelled before dispatch").
		WithStage(entry.handle.StageID)
	done := entry.done
	outcome := Outcome{
		TaskID:  entry.handle.TaskID,
		RunID:   entry.handle.RunID,
		StageID: entry.handle.StageID,
		Err:     entry.handle.Err,
	}
	c.mu.Unlock()

	// The canceller may hold the submitter's lock and the callback re-enters
	// it; deliver the outcome off this goroutine.
	if done != nil {
		go done(outcome)
	}
}

func (c *Coordinator) dispatchLoop() {
	defer close(c.loopDone)

	for {
		c.mu.Lock()
		for c.queue.Len() == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.queue.Len() == 0 && c.closed {
			c.mu.Unlock()
			return
		}
		entry := heap.Pop(&c.queue).(*handleEntry)
		if entry.handle.Status != TaskStatusQueued {
			// Cancelled while queued.
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		submitErr := c.pool.Submit(c.baseCtx, func(ctx context.Context) error {
			return c.execute(ctx, entry)
		})
		if submitErr != nil {
			c.failEntry(entry, schema.NewError(schema.ErrCodeCancelled, "dispatch pool unavailable").
				WithStage(entry.handle.StageID).WithCause(submitErr))
			if submitErr == ErrPoolShutdown {
				return
			}
		}
	}
}

// execute runs one task attempt through its stage adapter, capturing timing
// and feeding the circuit breaker.
func (c *Coordinator) execute(ctx context.Context, entry *handleEntry) error {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if entry.task.Timeout > 0 {
		var tcancel context.CancelFunc
		taskCtx, tcancel = context.WithTimeout(taskCtx, entry.task.Timeout)
		defer tcancel()
	}

	c.mu.Lock()
	if entry.handle.Status != TaskStatusQueued {
		c.mu.Unlock()
		return nil
	}
	key := attemptKey{entry.handle.RunID, entry.handle.StageID}
	c.attempts[key]++
	attempt := c.attempts[key]
	start := time.Now().UTC()
	entry.handle.Status = TaskStatusDispatched
	entry.handle.StartedAt = &start
	entry.handle.Attempt = attempt
	entry.cancel = cancel
	c.mu.Unlock()

	taskCtx = logging.WithTaskID(
		logging.WithStageID(
			logging.WithRunID(taskCtx, entry.handle.RunID),
			entry.handle.StageID),
		entry.handle.TaskID)

	if entry.task.OnStart != nil {
		entry.task.OnStart(entry.handle.TaskID)
	}

	var result *schema.StageResult
	err := c.circuits.AllowRequest(entry.task.Kind)
	if err == nil {
		adapter := c.adapters[entry.task.Kind]
		c.logger.DebugContext(taskCtx, "dispatching stage task",
			slog.String("kind", string(entry.task.Kind)),
			slog.Int("attempt", attempt))
		result, err = adapter.Execute(taskCtx, entry.task.Request)

		if err == nil {
			c.circuits.RecordSuccess(entry.task.Kind)
		} else if !isCancellation(err) {
			c.circuits.RecordFailure(entry.task.Kind)
		}
	}

	duration := time.Since(start)
	now := time.Now().UTC()

	c.mu.Lock()
	entry.handle.FinishedAt = &now
	entry.handle.DurationMs = duration.Milliseconds()
	if err != nil {
		entry.handle.Status = TaskStatusFailed
		entry.handle.Err = asSondaError(err, entry.handle.StageID)
	} else {
		entry.handle.Status = TaskStatusCompleted
	}
	done := entry.done
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(taskCtx, "stage task failed",
			slog.String("kind", string(entry.task.Kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}

	if done != nil {
		done(Outcome{
			TaskID:   entry.handle.TaskID,
			RunID:    entry.handle.RunID,
			StageID:  entry.handle.StageID,
			Result:   result,
			Err:      err,
			Attempt:  attempt,
			Duration: duration,
		})
	}
	return err
}

func (c *Coordinator) failEntry(entry *handleEntry, serr *schema.SondaError) {
	c.mu.Lock()
	if entry.handle.Status == TaskStatusCompleted || entry.handle.Status == TaskStatusFailed {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	entry.handle.Status = TaskStatusFailed
	entry.handle.FinishedAt = &now
	entry.handle.Err = serr
	done := entry.done
	c.mu.Unlock()

	if done != nil {
		done(Outcome{
			TaskID:  entry.handle.TaskID,
			RunID:   entry.handle.RunID,
			StageID: entry.handle.StageID,
			Err:     serr,
		})
	}
}

func isCancellation(err error) bool {
	se := asSondaError(err, "")
	return se.Code == schema.ErrCodeCancelled
}

func asSondaError(err error, stageID string) *schema.SondaError {
	if se, ok := err.(*schema.SondaError); ok {
		return se
	}
	se := schema.NewError(schema.ErrCodeTransient, err.Error()).WithCause(err)
	if stageID != "" {
		se = se.WithStage(stageID)
	}
	return se
}

// --- Priority queue ---

// taskQueue orders entries by priority descending, then submission sequence
// ascending (FIFO within equal priority).
type taskQueue []*handleEntry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].handle.Priority != q[j].handle.Priority {
		return q[i].handle.Priority > q[j].handle.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*handleEntry)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
