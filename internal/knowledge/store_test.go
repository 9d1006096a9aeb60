package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

func rec(key, runID, stageID string, payload string, tags ...string) Record {
	return Record{
		Key:     key,
		RunID:   runID,
		StageID: stageID,
		Payload: json.RawMessage(payload),
		Tags:    tags,
	}
}

func TestPartitionOf(t *testing.T) {
	assert.Equal(t, "retrieval", PartitionOf("retrieval/run-1/result"))
	assert.Equal(t, "analysis", PartitionOf("analysis/x"))
	assert.Equal(t, "", PartitionOf("nokeyprefix"))
	assert.Equal(t, "", PartitionOf("/leading-slash"))
}

func TestStore_PutAndGet(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("retrieval/r1/docs", "r1", "retrieve", `{"n":3}`, "docs")))

	got := s.Get("retrieval/r1/docs")
	require.NotNil(t, got)
	assert.Equal(t, "retrieval", got.Partition)
	assert.Equal(t, "r1", got.RunID)
	assert.JSONEq(t, `{"n":3}`, string(got.Payload))
	assert.False(t, got.CreatedAt.IsZero())

	assert.Nil(t, s.Get("retrieval/r1/missing"))
}

func TestStore_PutValidation(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.Put(ctx, rec("", "r1", "s1", `{}`))
	require.Error(t, err)

	err = s.Put(ctx, rec("retrieval/x", "", "s1", `{}`))
	require.Error(t, err)

	err = s.Put(ctx, rec("noprefix", "r1", "s1", `{}`))
	require.Error(t, err)
	var serr *schema.SondaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestStore_PutIsIdempotentOnIdentity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", `{"v":1}`)))
	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", `{"v":2}`)))

	// Last write wins, no duplicate entry.
	got := s.Get("analysis/r1/out")
	require.NotNil(t, got)
	assert.JSONEq(t, `{"v":2}`, string(got.Payload))
	assert.Len(t, s.ListByRun("r1"), 1)
	assert.Equal(t, map[string]int{"analysis": 1}, s.Summary())
}

func TestStore_ListByRunInsertionOrder(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("retrieval/r1/a", "r1", "retrieve", `{}`)))
	require.NoError(t, s.Put(ctx, rec("analysis/r1/b", "r1", "analyze", `{}`)))
	require.NoError(t, s.Put(ctx, rec("retrieval/r2/c", "r2", "retrieve", `{}`)))

	recs := s.ListByRun("r1")
	require.Len(t, recs, 2)
	assert.Equal(t, "retrieval/r1/a", recs[0].Key)
	assert.Equal(t, "analysis/r1/b", recs[1].Key)
	assert.Empty(t, s.ListByRun("r3"))
}

func TestStore_Summary(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("retrieval/r1/a", "r1", "retrieve", `{}`)))
	require.NoError(t, s.Put(ctx, rec("retrieval/r1/b", "r1", "retrieve", `{}`)))
	require.NoError(t, s.Put(ctx, rec("synthesis/r1/report", "r1", "write", `{}`)))

	assert.Equal(t, map[string]int{"retrieval": 2, "synthesis": 1}, s.Summary())
}

func TestStore_MostAccessed(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("retrieval/r1/cold", "r1", "retrieve", `{}`)))
	require.NoError(t, s.Put(ctx, rec("retrieval/r1/hot", "r1", "retrieve", `{}`)))

	for i := 0; i < 3; i++ {
		s.Get("retrieval/r1/hot")
	}
	s.Get("retrieval/r1/cold")

	top := s.MostAccessed(1)
	require.Len(t, top, 1)
	assert.Equal(t, "retrieval/r1/hot", top[0].Key)
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	src := NewStore()
	ctx := context.Background()

	require.NoError(t, src.Put(ctx, rec("retrieval/r1/a", "r1", "retrieve", `{"x":1}`, "docs")))
	require.NoError(t, src.Put(ctx, rec("analysis/r1/b", "r1", "analyze", `{"y":2}`)))

	data, err := src.Export()
	require.NoError(t, err)

	dst := NewStore()
	require.NoError(t, dst.Import(ctx, data))

	recs := dst.ListByRun("r1")
	require.Len(t, recs, 2)
	assert.Equal(t, "retrieval/r1/a", recs[0].Key)
	assert.Equal(t, []string{"docs"}, recs[0].Tags)
	assert.JSONEq(t, `{"y":2}`, string(dst.Get("analysis/r1/b").Payload))

	assert.Error(t, dst.Import(ctx, []byte("not json")))
}

func TestStore_LoadRebuildsIndex(t *testing.T) {
	s := NewStore()
	created := time.Now().UTC().Add(-time.Hour)
	s.Load([]*store.KnowledgeRecord{
		{Key: "retrieval/r1/a", RunID: "r1", StageID: "retrieve", Partition: "retrieval", Payload: json.RawMessage(`{}`), CreatedAt: created},
		{Key: "analysis/r1/b", RunID: "r1", StageID: "analyze", Partition: "analysis", Payload: json.RawMessage(`{}`), CreatedAt: created},
	})

	assert.NotNil(t, s.Get("retrieval/r1/a"))
	assert.Equal(t, map[string]int{"retrieval": 1, "analysis": 1}, s.Summary())
	assert.Len(t, s.ListByRun("r1"), 2)
}

// captureAppender records every durable append.
type captureAppender struct {
	mu   sync.Mutex
	recs []*store.KnowledgeRecord
	err  error
}

func (a *captureAppender) AppendKnowledgeRecord(ctx context.Context, rec *store.KnowledgeRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.recs = append(a.recs, rec)
	return nil
}

func TestStore_AppenderReceivesEveryPut(t *testing.T) {
	app := &captureAppender{}
	s := NewStore(WithAppender(app))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("retrieval/r1/a", "r1", "retrieve", `{}`)))
	require.NoError(t, s.Put(ctx, rec("retrieval/r1/a", "r1", "retrieve", `{"v":2}`)))

	app.mu.Lock()
	defer app.mu.Unlock()
	require.Len(t, app.recs, 2)
	assert.Equal(t, "retrieval", app.recs[0].Partition)
}

func TestStore_AppenderFailureSurfacesAsStoreError(t *testing.T) {
	app := &captureAppender{err: fmt.Errorf("disk full")}
	s := NewStore(WithAppender(app))

	err := s.Put(context.Background(), rec("retrieval/r1/a", "r1", "retrieve", `{}`))
	require.Error(t, err)
	var serr *schema.SondaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeStore, serr.Code)
}

func TestStore_ConcurrentPuts(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("retrieval/r1/item-%d-%d", g, i)
				_ = s.Put(ctx, rec(key, "r1", "retrieve", `{}`))
				s.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, s.ListByRun("r1"), 400)
	assert.Equal(t, 400, s.Summary()["retrieval"])
}

func TestStore_ConcurrentSameKeyLastWriteWins(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"i":%d}`, i))
			_ = s.Put(ctx, Record{Key: "analysis/r1/out", RunID: "r1", StageID: "analyze", Payload: payload})
		}(i)
	}
	wg.Wait()

	// Exactly one entry survives whatever interleaving happened.
	assert.Len(t, s.ListByRun("r1"), 1)
	require.NotNil(t, s.Get("analysis/r1/out"))
}

func TestStore_RetryOverwriteBecomesLatestForKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", `"first"`)))
	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "cross-check", `"interleaved"`)))
	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", `"retried"`)))

	// The retry is the latest write, even though another identity wrote the
	// key in between.
	got := s.Get("analysis/r1/out")
	require.NotNil(t, got)
	assert.Equal(t, "analyze", got.StageID)
	assert.JSONEq(t, `"retried"`, string(got.Payload))

	assert.Len(t, s.ListByRun("r1"), 2)
}

func TestStore_ConcurrentOverwriteAndRead(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", `{"i":0}`, "finding")))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			payload := fmt.Sprintf(`{"i":%d}`, i)
			_ = s.Put(ctx, rec("analysis/r1/out", "r1", "analyze", payload, "finding"))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if got := s.Get("analysis/r1/out"); got != nil {
				var decoded map[string]any
				assert.NoError(t, json.Unmarshal(got.Payload, &decoded))
			}
			_, _ = s.Search([]string{"finding"}, 5)
			s.MostAccessed(5)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Len(t, s.ListByRun("r1"), 1)
}
