package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/sonda/pkg/schema"
)

// EventLog provides append/replay operations on top of a LibSQLStore with a
// monotonically increasing per-run sequence.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide run-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with the next per-run sequence number.
// The sequence read and insert happen inside one write transaction so
// concurrent appenders cannot interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force write-lock acquisition up front. In WAL mode BeginTx alone may
	// start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, stage_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StageID), event.Type, nullRaw(event.Payload),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayStageStates folds the run's event log into the last known state per
// stage. A stage that was running when the process died (started with no
// terminal event after it) folds back to pending so it can be rescheduled.
func (el *EventLog) ReplayStageStates(ctx context.Context, runID string) (map[string]schema.StageStatus, error) {
	events, err := el.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	states := make(map[string]schema.StageStatus)
	for _, ev := range events {
		if ev.StageID == "" {
			continue
		}
		switch ev.Type {
		case schema.EventStageReady:
			states[ev.StageID] = schema.StageStatusReady
		case schema.EventStageStarted, schema.EventStageRetrying:
			// Mid-flight when the log ends here: treat as pending for rescheduling.
			states[ev.StageID] = schema.StageStatusPending
		case schema.EventStageSucceeded:
			states[ev.StageID] = schema.StageStatusSucceeded
		case schema.EventStageFailed:
			states[ev.StageID] = schema.StageStatusFailed
		case schema.EventStageDegraded:
			states[ev.StageID] = schema.StageStatusDegraded
		case schema.EventStageSkipped:
			states[ev.StageID] = schema.StageStatusSkipped
		}
	}
	return states, nil
}

// AppendJSON marshals the payload and appends an event, logging nothing on
// marshal failure (payloads are plain maps).
func (el *EventLog) AppendJSON(ctx context.Context, runID, stageID, eventType string, payload map[string]any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		raw = b
	}
	return el.AppendEvent(ctx, &Event{RunID: runID, StageID: stageID, Type: eventType, Payload: raw})
}
