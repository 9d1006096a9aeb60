// Package scheduler runs recurring research queries on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// QueryRunner is the interface the scheduler uses to start pipeline runs.
// Satisfied by the workflow engine (avoids import cycle).
type QueryRunner interface {
	Submit(ctx context.Context, query string, overrides map[string]schema.StageOverride) (string, error)
}

// Scheduler polls the store for due scheduled queries and submits them.
type Scheduler struct {
	store  store.Store
	runner QueryRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // query IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(s store.Store, runner QueryRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled queries and submits those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	queries, err := s.store.ListScheduledQueries(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled queries", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, q := range queries {
		if q.NextRunAt == nil || !q.NextRunAt.After(now) {
			if !s.tryAcquire(q.ID) {
				continue // already submitting (dedup)
			}
			if err := s.runQuery(ctx, q, now); err != nil {
				s.logger.Error("failed to run scheduled query",
					slog.String("query_id", q.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(q.ID)
		}
	}
}

// runQuery submits one scheduled query and updates its timestamps.
func (s *Scheduler) runQuery(ctx context.Context, q *store.ScheduledQuery, now time.Time) error {
	s.logger.Info("submitting scheduled query",
		slog.String("query_id", q.ID),
		slog.String("query", q.Query),
	)

	var overrides map[string]schema.StageOverride
	if len(q.Overrides) > 0 {
		if err := json.Unmarshal(q.Overrides, &overrides); err != nil {
			return s.updateQueryStatus(ctx, q, now, "error")
		}
	}

	runID, err := s.runner.Submit(ctx, q.Query, overrides)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled query submission failed",
			slog.String("query_id", q.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled query submitted",
			slog.String("query_id", q.ID),
			slog.String("run_id", runID),
		)
	}

	return s.updateQueryStatus(ctx, q, now, status)
}

func (s *Scheduler) updateQueryStatus(ctx context.Context, q *store.ScheduledQuery, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(q.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for query %q: %w", q.ID, err)
	}

	return s.store.UpdateScheduledQuery(ctx, q.ID, store.ScheduledQueryUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the query as in-flight if it is not
// already being submitted.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed submits queries whose next_run_at passed while the process
// was down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	queries, err := s.store.ListScheduledQueries(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed queries: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, q := range queries {
		if q.NextRunAt != nil && q.NextRunAt.Before(now) {
			if !s.tryAcquire(q.ID) {
				continue
			}
			if err := s.runQuery(ctx, q, now); err != nil {
				s.logger.Error("failed to recover missed query",
					slog.String("query_id", q.ID),
					slog.String("error", err.Error()),
				)
				s.release(q.ID)
				continue
			}
			s.release(q.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed queries", slog.Int("count", recovered))
	}
	return nil
}
