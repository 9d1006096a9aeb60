package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sonda/internal/coordinator"
	"github.com/rendis/sonda/internal/knowledge"
	"github.com/rendis/sonda/internal/stage"
	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// --- In-memory store ---

type memStore struct {
	store.Store // unimplemented methods panic

	mu        sync.Mutex
	runs      map[string]*store.Run
	stages    map[string]map[string]*store.StageState
	events    map[string][]*store.Event
	knowledge map[string][]*store.KnowledgeRecord
}

func newMemStore() *memStore {
	return &memStore{
		runs:      make(map[string]*store.Run),
		stages:    make(map[string]map[string]*store.StageState),
		events:    make(map[string][]*store.Event),
		knowledge: make(map[string][]*store.KnowledgeRecord),
	}
}

func (m *memStore) CreateRun(_ context.Context, run *store.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) UpdateRun(_ context.Context, id string, update store.RunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.Aggregate != nil {
		run.Aggregate = update.Aggregate
	}
	if update.Error != nil {
		run.Error = update.Error
	}
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *memStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpsertStageState(_ context.Context, state *store.StageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage, ok := m.stages[state.RunID]
	if !ok {
		byStage = make(map[string]*store.StageState)
		m.stages[state.RunID] = byStage
	}
	cp := *state
	byStage[state.StageID] = &cp
	return nil
}

func (m *memStore) GetStageState(_ context.Context, runID, stageID string) (*store.StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stages[runID][stageID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "stage %s not found", stageID)
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) ListStageStates(_ context.Context, runID string) ([]*store.StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.StageState
	for _, st := range m.stages[runID] {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	cp.Sequence = int64(len(m.events[event.RunID]) + 1)
	cp.Timestamp = time.Now().UTC()
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *memStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events[runID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) AppendKnowledgeRecord(_ context.Context, rec *store.KnowledgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.knowledge[rec.RunID] = append(m.knowledge[rec.RunID], &cp)
	return nil
}

func (m *memStore) ListKnowledgeByRun(_ context.Context, runID string) ([]*store.KnowledgeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.KnowledgeRecord(nil), m.knowledge[runID]...), nil
}

func (m *memStore) eventTypes(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events[runID] {
		out = append(out, ev.Type)
	}
	return out
}

// --- Fake dispatcher ---

// scriptFn decides the outcome of one dispatched attempt.
type scriptFn func(stageID string, attempt int, req schema.StageRequest) (*schema.StageResult, error)

type fakeDispatcher struct {
	mu        sync.Mutex
	script    scriptFn
	block     bool // never deliver outcomes
	attempts  map[string]int
	submitted []coordinator.Task
	cancelled []string
}

func newFakeDispatcher(script scriptFn) *fakeDispatcher {
	return &fakeDispatcher{script: script, attempts: make(map[string]int)}
}

func (d *fakeDispatcher) Submit(task coordinator.Task, done func(coordinator.Outcome)) (string, error) {
	d.mu.Lock()
	key := task.RunID + "/" + task.StageID
	d.attempts[key]++
	attempt := d.attempts[key]
	d.submitted = append(d.submitted, task)
	block := d.block
	script := d.script
	d.mu.Unlock()

	id := uuid.NewString()
	if block {
		return id, nil
	}
	go func() {
		result, err := script(task.StageID, attempt, task.Request)
		done(coordinator.Outcome{
			TaskID:  id,
			RunID:   task.RunID,
			StageID: task.StageID,
			Result:  result,
			Err:     err,
			Attempt: attempt,
		})
	}()
	return id, nil
}

func (d *fakeDispatcher) Cancel(string) error { return nil }

func (d *fakeDispatcher) CancelRun(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, runID)
}

func (d *fakeDispatcher) attemptCount(runID, stageID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[runID+"/"+stageID]
}

func (d *fakeDispatcher) requestFor(runID, stageID string) *schema.StageRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.submitted {
		if d.submitted[i].RunID == runID && d.submitted[i].StageID == stageID {
			return &d.submitted[i].Request
		}
	}
	return nil
}

// --- Helpers ---

func okResult(stageID string, payload string) *schema.StageResult {
	return &schema.StageResult{
		StageID:    stageID,
		Payload:    json.RawMessage(payload),
		ProducedAt: time.Now().UTC(),
		SourceRefs: []schema.SourceRef{{URL: "https://example.org/" + stageID}},
	}
}

func succeedAll(stageID string, _ int, _ schema.StageRequest) (*schema.StageResult, error) {
	return okResult(stageID, fmt.Sprintf(`{"from":%q}`, stageID)), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, dispatcher TaskDispatcher) (*Engine, *memStore, *knowledge.Store) {
	t.Helper()
	st := newMemStore()
	know := knowledge.NewStore(knowledge.WithAppender(st))
	eng, err := New(Options{
		Store:      st,
		Events:     st,
		Knowledge:  know,
		Dispatcher: dispatcher,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	eng.Start(context.Background())
	t.Cleanup(eng.Shutdown)
	return eng, st, know
}

func waitTerminal(t *testing.T, st *memStore, runID string) *store.Run {
	t.Helper()
	var run *store.Run
	require.Eventually(t, func() bool {
		r, err := st.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

// fastRetries overrides every default-pipeline stage with millisecond backoff.
func fastRetries(max int) map[string]schema.StageOverride {
	policy := &schema.RetryPolicy{Max: max, Delay: "1ms", MaxDelay: "5ms"}
	out := make(map[string]schema.StageOverride)
	for _, id := range []string{"retrieve", "analyze", "verify", "write"} {
		out[id] = schema.StageOverride{Retry: policy}
	}
	return out
}

// --- Scenarios ---

func TestEngine_HappyPath(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "history of the transistor", nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	// Every stage ran exactly once, in dependency order.
	for _, id := range []string{"retrieve", "analyze", "verify", "write"} {
		assert.Equal(t, 1, d.attemptCount(runID, id), "stage %s", id)
	}

	var agg RunAggregate
	require.NoError(t, json.Unmarshal(run.Aggregate, &agg))
	assert.JSONEq(t, `{"from":"write"}`, string(agg.Report))
	assert.Len(t, agg.Stages, 4)
	assert.Len(t, agg.Sources, 4)
	assert.Empty(t, agg.Degraded)

	types := st.eventTypes(runID)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
}

func TestEngine_DownstreamReceivesUpstreamPayload(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	waitTerminal(t, st, runID)

	req := d.requestFor(runID, "analyze")
	require.NotNil(t, req)
	assert.JSONEq(t, `{"from":"retrieve"}`, string(req.Input))
	assert.False(t, req.Partial)
}

func TestEngine_TransientFailuresRetryThenSucceed(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, attempt int, _ schema.StageRequest) (*schema.StageResult, error) {
		if stageID == "retrieve" && attempt <= 2 {
			return nil, schema.NewError(schema.ErrCodeTransient, "upstream hiccup")
		}
		return okResult(stageID, `{"ok":true}`), nil
	})
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", fastRetries(3))
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, d.attemptCount(runID, "retrieve"))
	assert.Contains(t, st.eventTypes(runID), schema.EventStageRetrying)
}

func TestEngine_RetryExhaustionOnCriticalStageFailsRun(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, _ int, _ schema.StageRequest) (*schema.StageResult, error) {
		if stageID == "retrieve" {
			return nil, schema.NewError(schema.ErrCodeTransient, "always flaky")
		}
		return okResult(stageID, `{}`), nil
	})
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", fastRetries(2))
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	// Initial attempt plus two retries.
	assert.Equal(t, 3, d.attemptCount(runID, "retrieve"))

	var serr schema.SondaError
	require.NoError(t, json.Unmarshal(run.Error, &serr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, serr.Code)

	// Downstream never ran.
	assert.Equal(t, 0, d.attemptCount(runID, "analyze"))
	state, err := st.GetStageState(context.Background(), runID, "analyze")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusSkipped, state.Status)
	assert.Equal(t, schema.SkipReasonUpstreamFailed, state.SkipReason)
}

func TestEngine_NonCriticalFailureDegradesRun(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, _ int, _ schema.StageRequest) (*schema.StageResult, error) {
		if stageID == "verify" {
			return nil, schema.NewError(schema.ErrCodePermanent, "fact check unavailable")
		}
		return okResult(stageID, fmt.Sprintf(`{"from":%q}`, stageID)), nil
	})
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusDegraded, run.Status)

	// Synthesis still executed, flagged as partial.
	assert.Equal(t, 1, d.attemptCount(runID, "write"))
	req := d.requestFor(runID, "write")
	require.NotNil(t, req)
	assert.True(t, req.Partial)

	state, err := st.GetStageState(context.Background(), runID, "verify")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusDegraded, state.Status)

	var agg RunAggregate
	require.NoError(t, json.Unmarshal(run.Aggregate, &agg))
	assert.Equal(t, []string{"verify"}, agg.Degraded)
	assert.JSONEq(t, `{"from":"write"}`, string(agg.Report))
}

func TestEngine_CriticalFailurePreservesUpstreamResults(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, _ int, _ schema.StageRequest) (*schema.StageResult, error) {
		if stageID == "analyze" {
			return nil, schema.NewError(schema.ErrCodePermanent, "model rejected input")
		}
		return okResult(stageID, `{"docs":3}`), nil
	})
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	// The completed retrieval result is still on record.
	state, err := st.GetStageState(context.Background(), runID, "retrieve")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusSucceeded, state.Status)
	var result schema.StageResult
	require.NoError(t, json.Unmarshal(state.Output, &result))
	assert.JSONEq(t, `{"docs":3}`, string(result.Payload))

	for _, id := range []string{"verify", "write"} {
		s, err := st.GetStageState(context.Background(), runID, id)
		require.NoError(t, err)
		assert.Equal(t, schema.StageStatusSkipped, s.Status, "stage %s", id)
	}
}

func TestEngine_CancelRun(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	d.block = true // tasks never settle
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return d.attemptCount(runID, "retrieve") == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.CancelRun(context.Background(), runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)

	d.mu.Lock()
	cancelled := append([]string(nil), d.cancelled...)
	d.mu.Unlock()
	assert.Contains(t, cancelled, runID)

	states, err := st.ListStageStates(context.Background(), runID)
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, schema.StageStatusSkipped, s.Status, "stage %s", s.StageID)
		assert.Equal(t, schema.SkipReasonCancelled, s.SkipReason)
	}

	// Cancelling twice is a conflict.
	assert.Error(t, eng.CancelRun(context.Background(), runID))
}

func TestEngine_RunTimeout(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	d.block = true
	eng, st, _ := newTestEngine(t, d)

	def := schema.DefaultPipeline()
	def.Timeout = "50ms"
	runID, err := eng.SubmitPipeline(context.Background(), "q", def, nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)

	var serr schema.SondaError
	require.NoError(t, json.Unmarshal(run.Error, &serr))
	assert.Equal(t, schema.ErrCodeTimeout, serr.Code)
	assert.Contains(t, st.eventTypes(runID), schema.EventRunTimedOut)
}

func TestEngine_TwoRunIsolation(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, _ int, req schema.StageRequest) (*schema.StageResult, error) {
		if req.Query == "doomed" && stageID == "retrieve" {
			return nil, schema.NewError(schema.ErrCodePermanent, "no sources")
		}
		return okResult(stageID, `{}`), nil
	})
	eng, st, _ := newTestEngine(t, d)

	good, err := eng.Submit(context.Background(), "fine", nil)
	require.NoError(t, err)
	bad, err := eng.Submit(context.Background(), "doomed", nil)
	require.NoError(t, err)

	goodRun := waitTerminal(t, st, good)
	badRun := waitTerminal(t, st, bad)

	assert.Equal(t, schema.RunStatusCompleted, goodRun.Status)
	assert.Equal(t, schema.RunStatusFailed, badRun.Status)
}

func TestEngine_ConditionFalseSkipsStage(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	def := schema.DefaultPipeline()
	for i := range def.Stages {
		if def.Stages[i].ID == "verify" {
			def.Stages[i].Condition = "1 > 2"
		}
	}
	runID, err := eng.SubmitPipeline(context.Background(), "q", def, nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusDegraded, run.Status)

	state, err := st.GetStageState(context.Background(), runID, "verify")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusSkipped, state.Status)
	assert.Equal(t, schema.SkipReasonCondition, state.SkipReason)

	// The guard does not block dependents.
	assert.Equal(t, 1, d.attemptCount(runID, "write"))
	req := d.requestFor(runID, "write")
	require.NotNil(t, req)
	assert.True(t, req.Partial)
}

func TestEngine_ExtractShapesDownstreamInput(t *testing.T) {
	d := newFakeDispatcher(func(stageID string, _ int, _ schema.StageRequest) (*schema.StageResult, error) {
		if stageID == "retrieve" {
			return okResult(stageID, `{"documents":[{"title":"a"},{"title":"b"}],"noise":true}`), nil
		}
		return okResult(stageID, `{}`), nil
	})
	eng, st, _ := newTestEngine(t, d)

	def := schema.DefaultPipeline()
	for i := range def.Stages {
		if def.Stages[i].ID == "analyze" {
			def.Stages[i].Extract = ".retrieve.documents"
		}
	}
	runID, err := eng.SubmitPipeline(context.Background(), "q", def, nil)
	require.NoError(t, err)
	waitTerminal(t, st, runID)

	req := d.requestFor(runID, "analyze")
	require.NotNil(t, req)
	assert.JSONEq(t, `[{"title":"a"},{"title":"b"}]`, string(req.Input))
}

func TestEngine_KnowledgeWrittenPerStage(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, know := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	run := waitTerminal(t, st, runID)
	require.Equal(t, schema.RunStatusCompleted, run.Status)

	recs := know.ListByRun(runID)
	assert.Len(t, recs, 4)

	// Durable copies landed in the store too.
	durable, err := st.ListKnowledgeByRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, durable, 4)

	rec := know.Get(fmt.Sprintf("retrieval/%s/retrieve", runID))
	require.NotNil(t, rec)
	assert.Equal(t, "retrieval", rec.Partition)
}

func TestEngine_SubmitValidation(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, _, _ := newTestEngine(t, d)

	_, err := eng.Submit(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestEngine_StatusSnapshot(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	runID, err := eng.Submit(context.Background(), "q", nil)
	require.NoError(t, err)
	waitTerminal(t, st, runID)

	snap, err := eng.Status(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runID, snap.Run.ID)
	assert.Len(t, snap.Stages, 4)
}

// --- Engine with the real coordinator ---

type stubAdapter struct {
	kind schema.StageKind
	fn   func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)
}

func (a *stubAdapter) Kind() schema.StageKind { return a.kind }

func (a *stubAdapter) Execute(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
	return a.fn(ctx, req)
}

func newCoordinatedEngine(t *testing.T, ceiling int, fn func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)) (*Engine, *memStore) {
	t.Helper()
	adapters := make(map[schema.StageKind]stage.Adapter, 4)
	for _, kind := range []schema.StageKind{
		schema.StageKindRetrieval, schema.StageKindAnalysis,
		schema.StageKindVerification, schema.StageKindSynthesis,
	} {
		adapters[kind] = &stubAdapter{kind: kind, fn: fn}
	}
	coord := coordinator.New(adapters, coordinator.Config{Ceiling: ceiling}, testLogger())
	coord.Start(context.Background())
	t.Cleanup(coord.Shutdown)
	eng, st, _ := newTestEngine(t, coord)
	return eng, st
}

func rootStages(ids []string) *schema.PipelineDefinition {
	def := &schema.PipelineDefinition{}
	for _, id := range ids {
		def.Stages = append(def.Stages, schema.StageDefinition{ID: id, Kind: schema.StageKindRetrieval})
	}
	return def
}

func TestEngine_CriticalFailureWithQueuedSiblingSettles(t *testing.T) {
	var siblingRan atomic.Bool
	eng, st := newCoordinatedEngine(t, 1, func(_ context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		if req.StageID == "a" {
			return nil, schema.NewError(schema.ErrCodePermanent, "no sources")
		}
		siblingRan.Store(true)
		return okResult(req.StageID, `{}`), nil
	})

	// Two independent roots behind a ceiling of one: "b" is still queued when
	// the critical "a" fails and the run cancels its remaining tasks.
	def := rootStages([]string{"a", "b"})
	def.Stages[0].Critical = true
	runID, err := eng.SubmitPipeline(context.Background(), "q", def, nil)
	require.NoError(t, err)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusFailed, run.Status)
	assert.False(t, siblingRan.Load())

	state, err := st.GetStageState(context.Background(), runID, "b")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusSkipped, state.Status)
	assert.Equal(t, schema.SkipReasonUpstreamFailed, state.SkipReason)
}

func TestEngine_CancelRunWithQueuedStages(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	eng, st := newCoordinatedEngine(t, 1, func(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return okResult(req.StageID, `{}`), nil
	})

	runID, err := eng.SubmitPipeline(context.Background(), "q", rootStages([]string{"a", "b", "c"}), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, serr := st.GetStageState(context.Background(), runID, "a")
		return serr == nil && state.Status == schema.StageStatusRunning
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.CancelRun(context.Background(), runID))

	run, err := st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
}

func TestEngine_CeilingCapsRunningStages(t *testing.T) {
	gate := make(chan struct{})
	var executing atomic.Int32
	eng, st := newCoordinatedEngine(t, 2, func(_ context.Context, req schema.StageRequest) (*schema.StageResult, error) {
		executing.Add(1)
		<-gate
		return okResult(req.StageID, `{}`), nil
	})

	runID, err := eng.SubmitPipeline(context.Background(), "q", rootStages([]string{"s1", "s2", "s3", "s4"}), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return executing.Load() == 2
	}, time.Second, 5*time.Millisecond)

	// Stages queued behind the ceiling are recorded ready, not running.
	states, err := st.ListStageStates(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, states, 4)
	counts := make(map[schema.StageStatus]int)
	for _, s := range states {
		counts[s.Status]++
	}
	assert.Equal(t, 2, counts[schema.StageStatusRunning])
	assert.Equal(t, 2, counts[schema.StageStatusReady])

	close(gate)
	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(4), executing.Load())
}

// --- Recovery ---

type fakeReplayer struct {
	states map[string]map[string]schema.StageStatus
}

func (f *fakeReplayer) ReplayStageStates(_ context.Context, runID string) (map[string]schema.StageStatus, error) {
	return f.states[runID], nil
}

func TestEngine_RecoverResumesMidRun(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	// A run that died after retrieval succeeded and analysis was in flight.
	runID := uuid.NewString()
	started := time.Now().UTC().Add(-time.Minute)
	def := schema.DefaultPipeline()
	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID:         runID,
		Query:      "interrupted",
		Definition: *def,
		Status:     schema.RunStatusActive,
		CreatedAt:  started,
		StartedAt:  &started,
	}))
	retrieved := okResult("retrieve", `{"docs":1}`)
	output, err := json.Marshal(retrieved)
	require.NoError(t, err)
	require.NoError(t, st.UpsertStageState(context.Background(), &store.StageState{
		RunID:   runID,
		StageID: "retrieve",
		Status:  schema.StageStatusSucceeded,
		Attempt: 1,
		Output:  output,
	}))

	replayer := &fakeReplayer{states: map[string]map[string]schema.StageStatus{
		runID: {
			"retrieve": schema.StageStatusSucceeded,
			"analyze":  schema.StageStatusPending, // was running, folded back
		},
	}}

	resumed, err := eng.Recover(context.Background(), replayer)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	run := waitTerminal(t, st, runID)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	// Retrieval was not re-executed; the rest of the pipeline was.
	assert.Equal(t, 0, d.attemptCount(runID, "retrieve"))
	assert.Equal(t, 1, d.attemptCount(runID, "analyze"))
	assert.Equal(t, 1, d.attemptCount(runID, "write"))
	assert.Contains(t, st.eventTypes(runID), schema.EventRunRecovered)

	// The recovered analysis saw the persisted retrieval payload.
	req := d.requestFor(runID, "analyze")
	require.NotNil(t, req)
	assert.JSONEq(t, `{"docs":1}`, string(req.Input))
}

func TestEngine_RecoverIgnoresTerminalRuns(t *testing.T) {
	d := newFakeDispatcher(succeedAll)
	eng, st, _ := newTestEngine(t, d)

	require.NoError(t, st.CreateRun(context.Background(), &store.Run{
		ID:         "done-run",
		Query:      "finished",
		Definition: *schema.DefaultPipeline(),
		Status:     schema.RunStatusCompleted,
		CreatedAt:  time.Now().UTC(),
	}))

	resumed, err := eng.Recover(context.Background(), &fakeReplayer{})
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Zero(t, d.attemptCount("done-run", "retrieve"))
}
