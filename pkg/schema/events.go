package schema

// Event type constants for the append-only run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunDegraded  = "run_degraded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunTimedOut  = "run_timed_out"
	EventRunRecovered = "run_recovered"

	EventStageReady     = "stage_ready"
	EventStageStarted   = "stage_started"
	EventStageSucceeded = "stage_succeeded"
	EventStageFailed    = "stage_failed"
	EventStageDegraded  = "stage_degraded"
	EventStageSkipped   = "stage_skipped"
	EventStageRetrying  = "stage_retrying"

	EventKnowledgeWritten = "knowledge_written"
	EventTaskDispatched   = "task_dispatched"
	EventTaskCancelled    = "task_cancelled"
	EventCircuitOpen      = "circuit_open"
	EventCircuitHalfOpen  = "circuit_half_open"
	EventCircuitClosed    = "circuit_closed"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusActive    RunStatus = "active"
	RunStatusCompleted RunStatus = "completed"
	RunStatusDegraded  RunStatus = "degraded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusDegraded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StageStatus represents the lifecycle state of a stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusReady     StageStatus = "ready"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusDegraded  StageStatus = "degraded"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusDegraded, StageStatusSkipped:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in this status unblocks its
// dependents. Only succeeded and degraded upstream stages do.
func (s StageStatus) Satisfies() bool {
	return s == StageStatusSucceeded || s == StageStatusDegraded
}

// Well-known skip reasons recorded on skipped stages.
const (
	SkipReasonUpstreamFailed = "upstream_failed"
	SkipReasonCancelled      = "cancelled"
	SkipReasonCondition      = "condition_false"
)
