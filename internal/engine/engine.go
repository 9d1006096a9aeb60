// Package engine implements the pipeline workflow engine: it walks a run's
// stage DAG, promotes stages as their dependencies settle, delegates ready
// stages to the task coordinator, and applies the retry and degradation
// policies that decide the run's terminal status.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/sonda/internal/coordinator"
	"github.com/rendis/sonda/internal/expressions"
	"github.com/rendis/sonda/internal/knowledge"
	"github.com/rendis/sonda/internal/logging"
	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// TaskDispatcher is the coordinator surface the engine needs. Satisfied by
// *coordinator.Coordinator.
type TaskDispatcher interface {
	Submit(task coordinator.Task, done func(coordinator.Outcome)) (string, error)
	Cancel(taskID string) error
	CancelRun(runID string)
}

// Options wires an Engine's collaborators.
type Options struct {
	Store      store.Store
	Events     EventAppender
	Knowledge  *knowledge.Store
	Dispatcher TaskDispatcher
	Validator  *schema.Validator
	Logger     *slog.Logger

	// DefaultPriority is applied to runs whose definition does not set one.
	DefaultPriority int
}

// Engine schedules pipeline runs. One instance serves all concurrent runs;
// scheduling is event-driven: each stage settlement triggers a tick that
// promotes whatever became ready.
type Engine struct {
	st        store.Store
	appender  EventAppender
	know      *knowledge.Store
	dispatch  TaskDispatcher
	validator *schema.Validator
	logger    *slog.Logger
	priority  int

	cel *expressions.CELEngine
	jq  *expressions.GoJQEngine

	runFSM   *RunFSM
	stageFSM *StageFSM

	baseCtx context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runState
}

// runState is the in-memory scheduling state of one run.
type runState struct {
	id       string
	query    string
	def      *schema.PipelineDefinition
	dag      *DAG
	status   schema.RunStatus
	priority int
	stages   map[string]*stageRun
	deadline *time.Timer
}

// stageRun tracks one stage of a run through the scheduler.
type stageRun struct {
	def        *schema.StageDefinition
	status     schema.StageStatus
	attempt    int
	result     *schema.StageResult
	partial    bool
	err        *schema.SondaError
	skipReason string
	taskID     string
	notBefore  time.Time   // backoff gate for retried stages
	retryTimer *time.Timer // fires a tick when the backoff elapses
	startedAt  *time.Time
}

// New creates an Engine. Call Start before submitting runs.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Events == nil || opts.Dispatcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires store, events, and dispatcher")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	return &Engine{
		st:        opts.Store,
		appender:  opts.Events,
		know:      opts.Knowledge,
		dispatch:  opts.Dispatcher,
		validator: opts.Validator,
		logger:    opts.Logger,
		priority:  opts.DefaultPriority,
		cel:       cel,
		jq:        expressions.NewGoJQEngine(),
		runFSM:    NewRunFSM(opts.Events),
		stageFSM:  NewStageFSM(opts.Events),
		runs:      make(map[string]*runState),
	}, nil
}

// Start binds the engine to a base context used for all asynchronous work.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx, e.cancel = context.WithCancel(ctx)
}

// Shutdown stops all asynchronous work. In-flight runs stay recoverable
// through the event log.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, rs := range e.runs {
		stopTimers(rs)
	}
	e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Submit starts a run of the default pipeline for a query, with optional
// per-stage overrides. Returns the run ID immediately; execution is
// asynchronous.
func (e *Engine) Submit(ctx context.Context, query string, overrides map[string]schema.StageOverride) (string, error) {
	return e.SubmitPipeline(ctx, query, nil, overrides)
}

// SubmitPipeline starts a run of an explicit pipeline definition. A nil
// definition falls back to the default pipeline.
func (e *Engine) SubmitPipeline(ctx context.Context, query string, def *schema.PipelineDefinition, overrides map[string]schema.StageOverride) (string, error) {
	if query == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "query is empty")
	}
	if def == nil {
		def = schema.DefaultPipeline()
	}

	if e.validator != nil {
		if err := e.validator.ValidatePipeline(def); err != nil {
			return "", err
		}
		if len(overrides) > 0 {
			if err := e.validator.ValidateOverrides(def, overrides); err != nil {
				return "", err
			}
		}
	}
	if len(overrides) > 0 {
		def = def.ApplyOverrides(overrides)
	}

	dag, err := ParseDAG(def)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	now := time.Now().UTC()
	run := &store.Run{
		ID:         runID,
		Query:      query,
		Definition: *def,
		Status:     schema.RunStatusPending,
		CreatedAt:  now,
	}
	if err := e.st.CreateRun(ctx, run); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := e.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusActive); err != nil {
		return "", err
	}
	active := schema.RunStatusActive
	if err := e.st.UpdateRun(ctx, runID, store.RunUpdate{Status: &active, StartedAt: &now}); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "activate run: %s", err.Error()).WithCause(err)
	}

	rs := &runState{
		id:       runID,
		query:    query,
		def:      def,
		dag:      dag,
		status:   schema.RunStatusActive,
		priority: def.Priority,
		stages:   make(map[string]*stageRun, len(def.Stages)),
	}
	if rs.priority == 0 {
		rs.priority = e.priority
	}
	for id, stDef := range dag.Stages {
		rs.stages[id] = &stageRun{def: stDef, status: schema.StageStatusPending}
		e.persistStage(ctx, rs, rs.stages[id])
	}

	if def.Timeout != "" {
		if d, perr := time.ParseDuration(def.Timeout); perr == nil && d > 0 {
			rs.deadline = time.AfterFunc(d, func() { e.timeoutRun(runID) })
		}
	}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "run submitted",
		slog.String("query", query),
		slog.Int("stages", len(def.Stages)))

	e.tick(runID)
	return runID, nil
}

// CancelRun cancels a run: in-flight tasks are cancelled, non-terminal stages
// settle as skipped, and the run records a cancelled status. Results already
// produced stay retrievable.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	rs := e.runs[runID]
	if rs == nil {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	if rs.status.Terminal() {
		e.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, rs.status)
	}

	cctx := logging.WithRunID(e.baseCtx, runID)
	stopTimers(rs)
	e.dispatch.CancelRun(runID)

	states := make(map[string]schema.StageStatus, len(rs.stages))
	for id, sr := range rs.stages {
		states[id] = sr.status
	}
	if err := CancelRun(cctx, e.runFSM, e.stageFSM, runID, rs.status, states); err != nil {
		e.mu.Unlock()
		return err
	}

	for _, sr := range rs.stages {
		if sr.status.Terminal() {
			continue
		}
		sr.status = schema.StageStatusSkipped
		sr.skipReason = schema.SkipReasonCancelled
		e.persistStage(cctx, rs, sr)
	}
	rs.status = schema.RunStatusCancelled
	e.persistRunTerminal(cctx, rs, schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
	e.mu.Unlock()

	e.logger.InfoContext(cctx, "run cancelled")
	return nil
}

// RunSnapshot is the queryable state of a run.
type RunSnapshot struct {
	Run    *store.Run          `json:"run"`
	Stages []*store.StageState `json:"stages"`
}

// Status returns the persisted state of a run and its stages.
func (e *Engine) Status(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	stages, err := e.st.ListStageStates(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Stages: stages}, nil
}

// --- Scheduling ---

// tick advances one run: promotes pending stages whose dependencies settled,
// dispatches ready stages, and finalizes the run when every stage is terminal.
// Ticks fire on submission, stage settlement, and retry-timer expiry.
func (e *Engine) tick(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.runs[runID]
	if rs == nil || rs.status.Terminal() {
		return
	}
	ctx := logging.WithRunID(e.baseCtx, runID)
	now := time.Now()

	// Promote in topological order so a skip settles before its dependents
	// are considered.
	for _, id := range rs.dag.Sorted {
		sr := rs.stages[id]
		if sr.status != schema.StageStatusPending || now.Before(sr.notBefore) {
			continue
		}

		settled, ok, partial := e.depsState(rs, id)
		if !settled {
			continue
		}
		if !ok {
			e.skipStageLocked(ctx, rs, sr, schema.SkipReasonUpstreamFailed)
			continue
		}

		if sr.def.Condition != "" {
			pass, cerr := e.cel.EvaluateBool(ctx, sr.def.Condition, conditionScope(rs))
			if cerr != nil {
				sr.err = asEngineError(cerr, sr.def.ID)
				// Walk the stage to running so it can settle as a failure.
				if e.advanceToRunningLocked(ctx, rs, sr) {
					e.failStageLocked(ctx, rs, sr)
				}
				if rs.status.Terminal() {
					return
				}
				continue
			}
			if !pass {
				e.skipStageLocked(ctx, rs, sr, schema.SkipReasonCondition)
				continue
			}
		}

		sr.partial = partial
		if err := e.stageFSM.Transition(ctx, runID, id, schema.StageStatusPending, schema.StageStatusReady); err != nil {
			e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
			continue
		}
		sr.status = schema.StageStatusReady
		e.persistStage(ctx, rs, sr)
	}

	// Submit everything ready that has no task yet. The coordinator's queue
	// enforces the concurrency ceiling; a stage stays ready until its task
	// acquires a slot, and submission order within the run follows topology.
	for _, id := range rs.dag.Sorted {
		sr := rs.stages[id]
		if sr.status != schema.StageStatusReady || sr.taskID != "" {
			continue
		}
		e.dispatchStageLocked(ctx, rs, sr)
	}

	e.maybeFinalizeLocked(ctx, rs)
}

// depsState reports whether a stage's dependencies have all settled, whether
// they settled well enough to run, and whether the input is partial. A
// degraded dependency, a condition-skipped dependency, or a dependency that
// itself ran on partial input all mark the stage's input partial.
func (e *Engine) depsState(rs *runState, stageID string) (settled, ok, partial bool) {
	ok = true
	for _, dep := range rs.dag.Edges[stageID] {
		ds := rs.stages[dep]
		if !ds.status.Terminal() {
			return false, false, false
		}
		switch {
		case ds.status.Satisfies():
			if ds.status == schema.StageStatusDegraded || ds.partial {
				partial = true
			}
		case ds.status == schema.StageStatusSkipped && ds.skipReason == schema.SkipReasonCondition:
			// A guard that evaluated false contributes nothing but does not
			// block dependents.
			partial = true
		default:
			ok = false
		}
	}
	return true, ok, partial
}

// advanceToRunningLocked walks a stage from its current status to running so
// a settlement transition is legal. Used for failures detected before
// dispatch, like a broken condition guard or input build error.
func (e *Engine) advanceToRunningLocked(ctx context.Context, rs *runState, sr *stageRun) bool {
	if sr.status == schema.StageStatusPending {
		if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, schema.StageStatusPending, schema.StageStatusReady); err != nil {
			return false
		}
		sr.status = schema.StageStatusReady
	}
	if sr.status == schema.StageStatusReady {
		if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, schema.StageStatusReady, schema.StageStatusRunning); err != nil {
			return false
		}
		sr.status = schema.StageStatusRunning
		if sr.startedAt == nil {
			now := time.Now().UTC()
			sr.startedAt = &now
		}
	}
	return sr.status == schema.StageStatusRunning
}

func (e *Engine) dispatchStageLocked(ctx context.Context, rs *runState, sr *stageRun) {
	req, err := e.buildRequest(ctx, rs, sr, sr.partial)
	if err != nil {
		sr.err = asEngineError(err, sr.def.ID)
		if e.advanceToRunningLocked(ctx, rs, sr) {
			e.failStageLocked(ctx, rs, sr)
		}
		return
	}

	var timeout time.Duration
	if sr.def.Timeout != "" {
		if d, perr := time.ParseDuration(sr.def.Timeout); perr == nil {
			timeout = d
		}
	}

	runID, stageID := rs.id, sr.def.ID
	taskID, err := e.dispatch.Submit(coordinator.Task{
		RunID:    runID,
		StageID:  stageID,
		Kind:     sr.def.Kind,
		Priority: rs.priority,
		Request:  req,
		Timeout:  timeout,
		OnStart:  func(taskID string) { e.stageStarted(runID, stageID, taskID) },
	}, e.handleOutcome)
	if err != nil {
		sr.err = asEngineError(err, sr.def.ID)
		if e.advanceToRunningLocked(ctx, rs, sr) {
			e.failStageLocked(ctx, rs, sr)
		}
		return
	}
	sr.taskID = taskID
	sr.attempt++
	e.persistStage(ctx, rs, sr)

	_ = e.appendJSON(ctx, rs.id, sr.def.ID, schema.EventTaskDispatched, map[string]any{
		"task_id": taskID,
		"kind":    string(sr.def.Kind),
		"attempt": sr.attempt,
	})
}

// stageStarted is the coordinator's start notification: the stage's task
// acquired a concurrency slot and its adapter is about to run. Stages queued
// behind the ceiling stay ready until then.
func (e *Engine) stageStarted(runID, stageID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.runs[runID]
	if rs == nil || rs.status.Terminal() {
		return
	}
	sr := rs.stages[stageID]
	if sr == nil || sr.status != schema.StageStatusReady || sr.taskID != taskID {
		return
	}
	ctx := logging.WithStageID(logging.WithRunID(e.baseCtx, runID), stageID)
	if err := e.stageFSM.Transition(ctx, runID, stageID, schema.StageStatusReady, schema.StageStatusRunning); err != nil {
		e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	sr.status = schema.StageStatusRunning
	sr.startedAt = &now
	e.persistStage(ctx, rs, sr)
}

// handleOutcome is the coordinator callback; it settles the stage and ticks
// the run.
func (e *Engine) handleOutcome(out coordinator.Outcome) {
	e.mu.Lock()
	rs := e.runs[out.RunID]
	if rs == nil || rs.status.Terminal() {
		e.mu.Unlock()
		return
	}
	sr := rs.stages[out.StageID]
	if sr == nil || sr.taskID != out.TaskID ||
		(sr.status != schema.StageStatusRunning && sr.status != schema.StageStatusReady) {
		// Stale outcome from a superseded or cancelled attempt.
		e.mu.Unlock()
		return
	}
	ctx := logging.WithStageID(logging.WithRunID(e.baseCtx, out.RunID), out.StageID)

	// A task can settle while the stage is still ready, like a cancellation
	// before dispatch; walk it to running so the settlement is legal.
	if sr.status == schema.StageStatusReady && !e.advanceToRunningLocked(ctx, rs, sr) {
		e.mu.Unlock()
		return
	}

	if out.Err == nil {
		e.succeedStageLocked(ctx, rs, sr, out.Result)
		e.mu.Unlock()
		e.tick(out.RunID)
		return
	}

	serr := asEngineError(out.Err, out.StageID)
	policy := sr.def.Retry
	if policy == nil {
		policy = schema.DefaultRetryPolicy()
	}

	if IsRetryableError(out.Err) && sr.attempt <= policy.Max {
		delay := ComputeBackoff(policy, sr.attempt-1)
		if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, schema.StageStatusRunning, schema.StageStatusPending); err == nil {
			sr.status = schema.StageStatusPending
			sr.taskID = ""
			sr.err = serr
			sr.notBefore = time.Now().Add(delay)
			runID := rs.id
			sr.retryTimer = time.AfterFunc(delay, func() { e.tick(runID) })
			e.persistStage(ctx, rs, sr)
			e.logger.WarnContext(ctx, "stage retry scheduled",
				slog.Int("attempt", sr.attempt),
				slog.Duration("backoff", delay),
				slog.String("error", serr.Message))
			e.mu.Unlock()
			return
		}
	}

	if IsRetryableError(out.Err) {
		serr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"stage %s failed after %d attempts: %s", sr.def.ID, sr.attempt, serr.Message).
			WithStage(sr.def.ID).WithCause(serr)
	}
	sr.err = serr
	e.failStageLocked(ctx, rs, sr)
	terminal := rs.status.Terminal()
	e.mu.Unlock()
	if !terminal {
		e.tick(out.RunID)
	}
}

func (e *Engine) succeedStageLocked(ctx context.Context, rs *runState, sr *stageRun, result *schema.StageResult) {
	if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, schema.StageStatusRunning, schema.StageStatusSucceeded); err != nil {
		e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
		return
	}
	sr.status = schema.StageStatusSucceeded
	sr.result = result
	sr.err = nil
	e.persistStage(ctx, rs, sr)
	e.writeKnowledge(ctx, rs, sr, result)

	e.logger.InfoContext(ctx, "stage succeeded",
		slog.String("kind", string(sr.def.Kind)),
		slog.Int("attempt", sr.attempt))
}

// failStageLocked settles a stage that will not run again. Non-critical
// stages degrade; critical stages fail the run and skip the downstream
// closure.
func (e *Engine) failStageLocked(ctx context.Context, rs *runState, sr *stageRun) {
	if !sr.def.Critical {
		if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, sr.status, schema.StageStatusDegraded); err != nil {
			e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
			return
		}
		sr.status = schema.StageStatusDegraded
		e.persistStage(ctx, rs, sr)
		e.logger.WarnContext(ctx, "non-critical stage degraded",
			slog.String("stage", sr.def.ID),
			slog.String("error", errMessage(sr.err)))
		return
	}

	if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, sr.status, schema.StageStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
		return
	}
	sr.status = schema.StageStatusFailed
	e.persistStage(ctx, rs, sr)

	e.failRunLocked(ctx, rs, sr.err)
}

// failRunLocked fails the whole run: cancels in-flight tasks, skips every
// non-terminal stage, and records the terminal status. Completed stage
// results stay retrievable.
func (e *Engine) failRunLocked(ctx context.Context, rs *runState, cause *schema.SondaError) {
	stopTimers(rs)
	e.dispatch.CancelRun(rs.id)

	for _, id := range rs.dag.Sorted {
		sr := rs.stages[id]
		if sr.status.Terminal() {
			continue
		}
		e.skipStageLocked(ctx, rs, sr, schema.SkipReasonUpstreamFailed)
	}

	if err := e.runFSM.Transition(ctx, rs.id, rs.status, schema.RunStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "run transition failed", slog.String("error", err.Error()))
		return
	}
	rs.status = schema.RunStatusFailed
	e.persistRunTerminal(ctx, rs, cause)

	e.logger.ErrorContext(ctx, "run failed", slog.String("error", errMessage(cause)))
}

func (e *Engine) skipStageLocked(ctx context.Context, rs *runState, sr *stageRun, reason string) {
	if err := e.stageFSM.Transition(ctx, rs.id, sr.def.ID, sr.status, schema.StageStatusSkipped); err != nil {
		e.logger.ErrorContext(ctx, "stage transition failed", slog.String("error", err.Error()))
		return
	}
	sr.status = schema.StageStatusSkipped
	sr.skipReason = reason
	e.persistStage(ctx, rs, sr)
}

// maybeFinalizeLocked completes the run once every stage is terminal. Any
// degraded stage, partial execution, or guard skip yields a degraded run.
func (e *Engine) maybeFinalizeLocked(ctx context.Context, rs *runState) {
	if rs.status.Terminal() {
		return
	}

	degraded := false
	for _, sr := range rs.stages {
		if !sr.status.Terminal() {
			return
		}
		switch {
		case sr.status == schema.StageStatusDegraded:
			degraded = true
		case sr.partial:
			degraded = true
		case sr.status == schema.StageStatusSkipped && sr.skipReason == schema.SkipReasonCondition:
			degraded = true
		}
	}

	target := schema.RunStatusCompleted
	if degraded {
		target = schema.RunStatusDegraded
	}
	if err := e.runFSM.Transition(ctx, rs.id, rs.status, target); err != nil {
		e.logger.ErrorContext(ctx, "run transition failed", slog.String("error", err.Error()))
		return
	}
	rs.status = target
	stopTimers(rs)
	e.persistRunTerminal(ctx, rs, nil)

	e.logger.InfoContext(ctx, "run finished", slog.String("status", string(target)))
}

// timeoutRun enforces the run-level wall-clock ceiling.
func (e *Engine) timeoutRun(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.runs[runID]
	if rs == nil || rs.status.Terminal() {
		return
	}
	ctx := logging.WithRunID(e.baseCtx, runID)

	_ = e.appendJSON(ctx, runID, "", schema.EventRunTimedOut, map[string]any{
		"timeout": rs.def.Timeout,
	})
	e.failRunLocked(ctx, rs, schema.NewErrorf(schema.ErrCodeTimeout,
		"run exceeded its %s ceiling", rs.def.Timeout))
}

// --- Persistence helpers ---

func (e *Engine) persistStage(ctx context.Context, rs *runState, sr *stageRun) {
	state := &store.StageState{
		RunID:      rs.id,
		StageID:    sr.def.ID,
		Status:     sr.status,
		Attempt:    sr.attempt,
		SkipReason: sr.skipReason,
		Partial:    sr.partial,
		StartedAt:  sr.startedAt,
	}
	if sr.result != nil {
		if raw, err := json.Marshal(sr.result); err == nil {
			state.Output = raw
		}
	}
	if sr.err != nil {
		if raw, err := json.Marshal(sr.err); err == nil {
			state.Error = raw
		}
	}
	if sr.status.Terminal() {
		now := time.Now().UTC()
		state.CompletedAt = &now
		if sr.startedAt != nil {
			state.DurationMs = now.Sub(*sr.startedAt).Milliseconds()
		}
	}
	if err := e.st.UpsertStageState(ctx, state); err != nil {
		e.logger.ErrorContext(ctx, "persist stage state",
			slog.String("stage", sr.def.ID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) persistRunTerminal(ctx context.Context, rs *runState, cause *schema.SondaError) {
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:      &rs.status,
		CompletedAt: &now,
	}
	if cause != nil {
		if raw, err := json.Marshal(cause); err == nil {
			update.Error = raw
		}
	}
	if rs.status == schema.RunStatusCompleted || rs.status == schema.RunStatusDegraded {
		if agg, err := buildAggregate(rs); err == nil {
			update.Aggregate = agg
		}
	}
	if err := e.st.UpdateRun(ctx, rs.id, update); err != nil {
		e.logger.ErrorContext(ctx, "persist run", slog.String("error", err.Error()))
	}
}

// writeKnowledge records a succeeded stage's result in the shared repository
// under the stage's write partition.
func (e *Engine) writeKnowledge(ctx context.Context, rs *runState, sr *stageRun, result *schema.StageResult) {
	if e.know == nil || result == nil {
		return
	}
	view := e.know.View(scopeFor(sr.def))
	key := fmt.Sprintf("%s/%s/%s", sr.def.Kind, rs.id, sr.def.ID)
	rec := knowledge.Record{
		Key:     key,
		RunID:   rs.id,
		StageID: sr.def.ID,
		Payload: result.Payload,
		Tags:    []string{string(sr.def.Kind), rs.id},
	}
	if err := view.Put(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "write knowledge record",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return
	}
	_ = e.appendJSON(ctx, rs.id, sr.def.ID, schema.EventKnowledgeWritten, map[string]any{"key": key})
}

func (e *Engine) appendJSON(ctx context.Context, runID, stageID, eventType string, payload map[string]any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	return e.appender.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		StageID: stageID,
		Type:    eventType,
		Payload: raw,
	})
}

func stopTimers(rs *runState) {
	if rs.deadline != nil {
		rs.deadline.Stop()
	}
	for _, sr := range rs.stages {
		if sr.retryTimer != nil {
			sr.retryTimer.Stop()
		}
	}
}

func asEngineError(err error, stageID string) *schema.SondaError {
	if serr, ok := err.(*schema.SondaError); ok {
		return serr
	}
	return schema.NewError(schema.ErrCodePermanent, err.Error()).WithStage(stageID).WithCause(err)
}

func errMessage(err *schema.SondaError) string {
	if err == nil {
		return ""
	}
	return err.Message
}
