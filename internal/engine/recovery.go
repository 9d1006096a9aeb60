package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/sonda/internal/logging"
	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// StageReplayer folds a run's event log into per-stage statuses. Satisfied
// by *store.EventLog.
type StageReplayer interface {
	ReplayStageStates(ctx context.Context, runID string) (map[string]schema.StageStatus, error)
}

// Recover rebuilds the scheduler state for runs that were in flight when the
// process died. Stage statuses are folded from the event log: a stage that
// was running folds back to pending and is rescheduled; settled stages keep
// their outcome and their results are reloaded from the materialized view.
// Returns the number of runs resumed.
func (e *Engine) Recover(ctx context.Context, log StageReplayer) (int, error) {
	resumed := 0
	for _, status := range []schema.RunStatus{schema.RunStatusActive, schema.RunStatusPending} {
		s := status
		runs, err := e.st.ListRuns(ctx, store.RunFilter{Status: &s})
		if err != nil {
			return resumed, err
		}
		for _, run := range runs {
			if err := e.recoverRun(ctx, log, run); err != nil {
				e.logger.ErrorContext(ctx, "run recovery failed",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()))
				continue
			}
			resumed++
		}
	}
	return resumed, nil
}

func (e *Engine) recoverRun(ctx context.Context, log StageReplayer, run *store.Run) error {
	ctx = logging.WithRunID(ctx, run.ID)

	def := run.Definition
	dag, err := ParseDAG(&def)
	if err != nil {
		return err
	}

	replayed, err := log.ReplayStageStates(ctx, run.ID)
	if err != nil {
		return err
	}

	// Reload knowledge written by settled stages.
	if e.know != nil {
		recs, kerr := e.st.ListKnowledgeByRun(ctx, run.ID)
		if kerr != nil {
			return kerr
		}
		e.know.Load(recs)
	}

	persisted, err := e.st.ListStageStates(ctx, run.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*store.StageState, len(persisted))
	for _, st := range persisted {
		byID[st.StageID] = st
	}

	rs := &runState{
		id:       run.ID,
		query:    run.Query,
		def:      &def,
		dag:      dag,
		status:   schema.RunStatusActive,
		priority: def.Priority,
		stages:   make(map[string]*stageRun, len(def.Stages)),
	}
	if rs.priority == 0 {
		rs.priority = e.priority
	}

	for id, stDef := range dag.Stages {
		sr := &stageRun{def: stDef, status: schema.StageStatusPending}
		if st, ok := replayed[id]; ok {
			sr.status = st
		}
		if ps := byID[id]; ps != nil {
			sr.partial = ps.Partial
			sr.skipReason = ps.SkipReason
			sr.attempt = ps.Attempt
			if len(ps.Output) > 0 {
				var result schema.StageResult
				if uerr := json.Unmarshal(ps.Output, &result); uerr == nil {
					sr.result = &result
				}
			}
		}
		// Attempt counts restart clean: the coordinator's counter is gone and
		// the backoff schedule begins again.
		if sr.status == schema.StageStatusPending || sr.status == schema.StageStatusReady {
			sr.attempt = 0
		}
		rs.stages[id] = sr
	}

	if run.Status == schema.RunStatusPending {
		if err := e.runFSM.Transition(ctx, run.ID, schema.RunStatusPending, schema.RunStatusActive); err != nil {
			return err
		}
		now := time.Now().UTC()
		active := schema.RunStatusActive
		if err := e.st.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &active, StartedAt: &now}); err != nil {
			return err
		}
	}

	if def.Timeout != "" {
		// The remaining deadline counts from the original start.
		if d, perr := time.ParseDuration(def.Timeout); perr == nil && d > 0 {
			started := run.CreatedAt
			if run.StartedAt != nil {
				started = *run.StartedAt
			}
			remaining := time.Until(started.Add(d))
			if remaining <= 0 {
				remaining = time.Millisecond
			}
			rs.deadline = time.AfterFunc(remaining, func() { e.timeoutRun(run.ID) })
		}
	}

	e.mu.Lock()
	e.runs[run.ID] = rs
	e.mu.Unlock()

	if err := e.appendJSON(ctx, run.ID, "", schema.EventRunRecovered, map[string]any{
		"stages": len(rs.stages),
	}); err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "run recovered", slog.Int("stages", len(rs.stages)))
	e.tick(run.ID)
	return nil
}
