package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/sonda/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, query, definition, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, string(def), string(run.Status),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var def string
	var aggregate, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, query, definition, status, aggregate, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.Query, &def, &r.Status, &aggregate, &errMsg,
		&r.CreatedAt, &startedAt, &completedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &r.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	r.Aggregate = rawOrNil(aggregate)
	r.Error = rawOrNil(errMsg)
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Aggregate != nil {
		sets = append(sets, "aggregate = ?")
		args = append(args, string(update.Aggregate))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	q := `SELECT id FROM runs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// --- Stage state ---

func (s *LibSQLStore) UpsertStageState(ctx context.Context, state *StageState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_states (run_id, stage_id, status, attempt, output, error, skip_reason, partial, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage_id) DO UPDATE SET
		   status=excluded.status, attempt=excluded.attempt, output=excluded.output,
		   error=excluded.error, skip_reason=excluded.skip_reason, partial=excluded.partial,
		   started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		state.RunID, state.StageID, string(state.Status), state.Attempt,
		nullRaw(state.Output), nullRaw(state.Error), nullStr(state.SkipReason),
		boolToInt(state.Partial), state.StartedAt, state.CompletedAt, state.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("upsert stage state: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetStageState(ctx context.Context, runID, stageID string) (*StageState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage_id, status, attempt, output, error, skip_reason, partial, started_at, completed_at, duration_ms
		 FROM stage_states WHERE run_id = ? AND stage_id = ?`, runID, stageID)
	st, err := scanStageState(row)
	if err == sql.ErrNoRows {
		return nil, notFound("stage state", runID+"/"+stageID)
	}
	return st, err
}

func (s *LibSQLStore) ListStageStates(ctx context.Context, runID string) ([]*StageState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage_id, status, attempt, output, error, skip_reason, partial, started_at, completed_at, duration_ms
		 FROM stage_states WHERE run_id = ? ORDER BY stage_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage states: %w", err)
	}
	defer rows.Close()

	var states []*StageState
	for rows.Next() {
		st, err := scanStageState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStageState(row scannable) (*StageState, error) {
	st := &StageState{}
	var output, errMsg, skipReason sql.NullString
	var partial int
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&st.RunID, &st.StageID, &st.Status, &st.Attempt,
		&output, &errMsg, &skipReason, &partial, &startedAt, &completedAt, &st.DurationMs)
	if err != nil {
		return nil, err
	}
	st.Output = rawOrNil(output)
	st.Error = rawOrNil(errMsg)
	st.SkipReason = skipReason.String
	st.Partial = partial != 0
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, stage_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StageID), event.Type, nullRaw(event.Payload),
		event.Timestamp, event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var stageID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stageID, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StageID = stageID.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Knowledge ---

func (s *LibSQLStore) AppendKnowledgeRecord(ctx context.Context, rec *KnowledgeRecord) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO knowledge_records (run_id, stage_id, key, part, payload, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, stage_id, key) DO UPDATE SET
		   payload=excluded.payload, tags=excluded.tags, created_at=excluded.created_at`,
		rec.RunID, rec.StageID, rec.Key, rec.Partition, string(rec.Payload),
		string(tags), timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append knowledge record: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListKnowledgeByRun(ctx context.Context, runID string) ([]*KnowledgeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage_id, key, part, payload, tags, created_at
		 FROM knowledge_records WHERE run_id = ? ORDER BY created_at ASC, key ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var recs []*KnowledgeRecord
	for rows.Next() {
		rec := &KnowledgeRecord{}
		var payload string
		var tags sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.StageID, &rec.Key, &rec.Partition, &payload, &tags, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &rec.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Scheduled queries ---

func (s *LibSQLStore) CreateScheduledQuery(ctx context.Context, q *ScheduledQuery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_queries (id, query, cron_expression, overrides, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Query, q.CronExpr, nullRaw(q.Overrides), boolToInt(q.Enabled),
		q.NextRunAt, timeOrNow(q.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "scheduled query %s already exists", q.ID)
		}
		return fmt.Errorf("insert scheduled query: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledQuery(ctx context.Context, id string) (*ScheduledQuery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, cron_expression, overrides, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_queries WHERE id = ?`, id)
	q, err := scanScheduledQuery(row)
	if err == sql.ErrNoRows {
		return nil, notFound("scheduled query", id)
	}
	return q, err
}

func (s *LibSQLStore) UpdateScheduledQuery(ctx context.Context, id string, update ScheduledQueryUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_queries SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update scheduled query: %w", err)
	}
	return checkRowsAffected(res, "scheduled query", id)
}

func (s *LibSQLStore) ListScheduledQueries(ctx context.Context, enabledOnly bool) ([]*ScheduledQuery, error) {
	q := `SELECT id, query, cron_expression, overrides, enabled, last_run_at, next_run_at, last_run_status, created_at
	      FROM scheduled_queries`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled queries: %w", err)
	}
	defer rows.Close()

	var queries []*ScheduledQuery
	for rows.Next() {
		sq, err := scanScheduledQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, sq)
	}
	return queries, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledQuery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled query: %w", err)
	}
	return checkRowsAffected(res, "scheduled query", id)
}

func scanScheduledQuery(row scannable) (*ScheduledQuery, error) {
	q := &ScheduledQuery{}
	var overrides, lastStatus sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := row.Scan(&q.ID, &q.Query, &q.CronExpr, &overrides, &enabled,
		&lastRun, &nextRun, &lastStatus, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	q.Overrides = rawOrNil(overrides)
	q.Enabled = enabled != 0
	q.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		q.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		q.NextRunAt = &nextRun.Time
	}
	return q, nil
}

// --- Helpers ---

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
