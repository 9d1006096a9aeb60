package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Stage state (materialized view, upsert)
	UpsertStageState(ctx context.Context, state *StageState) error
	GetStageState(ctx context.Context, runID, stageID string) (*StageState, error)
	ListStageStates(ctx context.Context, runID string) ([]*StageState, error)

	// Run log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Knowledge (append, last-write-wins on run/stage/key)
	AppendKnowledgeRecord(ctx context.Context, rec *KnowledgeRecord) error
	ListKnowledgeByRun(ctx context.Context, runID string) ([]*KnowledgeRecord, error)

	// Scheduled queries
	CreateScheduledQuery(ctx context.Context, q *ScheduledQuery) error
	GetScheduledQuery(ctx context.Context, id string) (*ScheduledQuery, error)
	UpdateScheduledQuery(ctx context.Context, id string, update ScheduledQueryUpdate) error
	ListScheduledQueries(ctx context.Context, enabledOnly bool) ([]*ScheduledQuery, error)
	DeleteScheduledQuery(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
