package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/sonda/pkg/schema"
)

// Run is the persisted representation of one pipeline execution.
type Run struct {
	ID          string                    `json:"id"`
	Query       string                    `json:"query"`
	Definition  schema.PipelineDefinition `json:"definition"`
	Status      schema.RunStatus          `json:"status"`
	Aggregate   json.RawMessage           `json:"aggregate,omitempty"`
	Error       json.RawMessage           `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// StageState is the materialized view of a stage's current execution state
// within a run. Upserted on every transition so a restart can recover it.
type StageState struct {
	RunID       string             `json:"run_id"`
	StageID     string             `json:"stage_id"`
	Status      schema.StageStatus `json:"status"`
	Attempt     int                `json:"attempt"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	SkipReason  string             `json:"skip_reason,omitempty"`
	Partial     bool               `json:"partial,omitempty"` // executed with degraded upstream input
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the append-only run log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StageID   string          `json:"stage_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// KnowledgeRecord is one durable entry of the shared knowledge repository.
// The (run_id, stage_id, key) triple is unique; re-appending the same triple
// is last-write-wins so idempotent retries never duplicate records.
type KnowledgeRecord struct {
	Key       string          `json:"key"`
	RunID     string          `json:"run_id"`
	StageID   string          `json:"stage_id"`
	Partition string          `json:"partition"`
	Payload   json.RawMessage `json:"payload"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduledQuery is a cron-triggered recurring research query.
type ScheduledQuery struct {
	ID            string          `json:"id"`
	Query         string          `json:"query"`
	CronExpr      string          `json:"cron_expression"`
	Overrides     json.RawMessage `json:"overrides,omitempty"`
	Enabled       bool            `json:"enabled"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Aggregate   json.RawMessage   `json:"aggregate,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ScheduledQueryUpdate specifies mutable fields of a scheduled query.
type ScheduledQueryUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
