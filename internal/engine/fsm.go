package engine

import (
	"context"
	"sync"

	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a run state transition, emitting the
// corresponding event. The caller persists the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID: runID,
			Type:  eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusActive:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusDegraded:
		return schema.EventRunDegraded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Stage FSM ---

type stageHookKey struct {
	from, to schema.StageStatus
}

// StageFSM manages stage lifecycle state transitions.
type StageFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stageHookKey][]TransitionHook
	after    map[stageHookKey][]TransitionHook
}

// NewStageFSM creates a StageFSM that emits events via the given appender.
func NewStageFSM(appender EventAppender) *StageFSM {
	return &StageFSM{
		appender: appender,
		before:   make(map[stageHookKey][]TransitionHook),
		after:    make(map[stageHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a stage transition.
func (f *StageFSM) OnBefore(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a stage transition.
func (f *StageFSM) OnAfter(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a stage state transition, emitting the
// corresponding event.
func (f *StageFSM) Transition(ctx context.Context, runID, stageID string, from, to schema.StageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStageTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithStage(stageID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := stageHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := stageEventType(from, to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			StageID: stageID,
			Type:    eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit stage event: %s", err.Error()).
				WithStage(stageID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStageTransition(from, to schema.StageStatus) bool {
	allowed, ok := ValidStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stageEventType(from, to schema.StageStatus) string {
	switch to {
	case schema.StageStatusReady:
		return schema.EventStageReady
	case schema.StageStatusRunning:
		return schema.EventStageStarted
	case schema.StageStatusSucceeded:
		return schema.EventStageSucceeded
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusDegraded:
		return schema.EventStageDegraded
	case schema.StageStatusSkipped:
		return schema.EventStageSkipped
	case schema.StageStatusPending:
		// Running → Pending is the retry edge.
		if from == schema.StageStatusRunning {
			return schema.EventStageRetrying
		}
		return ""
	default:
		return ""
	}
}

// --- Cancel cascade ---

// CancelRun transitions a run to cancelled and skips all non-terminal stages.
// stageStates maps stage_id → current StageStatus for every stage of the run.
// In-flight task cancellation is the coordinator's responsibility; this only
// settles the recorded states.
func CancelRun(ctx context.Context, runFSM *RunFSM, stageFSM *StageFSM, runID string, currentStatus schema.RunStatus, stageStates map[string]schema.StageStatus) error {
	if err := runFSM.Transition(ctx, runID, currentStatus, schema.RunStatusCancelled); err != nil {
		return err
	}

	for stageID, status := range stageStates {
		if status.Terminal() {
			continue
		}
		if isValidStageTransition(status, schema.StageStatusSkipped) {
			if err := stageFSM.Transition(ctx, runID, stageID, status, schema.StageStatusSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusActive, schema.RunStatusCancelled},
	schema.RunStatusActive:    {schema.RunStatusCompleted, schema.RunStatusDegraded, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted: {},
	schema.RunStatusDegraded:  {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidStageTransitions defines the allowed state transitions for stages.
// Running → Pending is the retry edge: a transient failure returns the stage
// to the pool until its policy is exhausted.
var ValidStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending:   {schema.StageStatusReady, schema.StageStatusSkipped},
	schema.StageStatusReady:     {schema.StageStatusRunning, schema.StageStatusSkipped},
	schema.StageStatusRunning:   {schema.StageStatusSucceeded, schema.StageStatusFailed, schema.StageStatusDegraded, schema.StageStatusPending, schema.StageStatusSkipped},
	schema.StageStatusSucceeded: {},
	schema.StageStatusFailed:    {},
	schema.StageStatusDegraded:  {},
	schema.StageStatusSkipped:   {},
}
