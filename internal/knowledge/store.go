package knowledge

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/sonda/internal/store"
	"github.com/rendis/sonda/pkg/schema"
)

// Record is one entry of the shared knowledge repository. The payload is
// referenced, never copied; callers must not mutate it after Put.
type Record struct {
	Key       string          `json:"key"`
	RunID     string          `json:"run_id"`
	StageID   string          `json:"stage_id"`
	Partition string          `json:"partition"`
	Payload   json.RawMessage `json:"payload"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// entry is the indexed form of a record plus bookkeeping the central index
// maintains: insertion order and access count.
type entry struct {
	rec    Record
	seq    int64
	access int64 // atomic
}

// RecordAppender receives every accepted Put for durable storage.
// Satisfied by store.Store implementations.
type RecordAppender interface {
	AppendKnowledgeRecord(ctx context.Context, rec *store.KnowledgeRecord) error
}

// writeStripes is the number of lock stripes serializing same-key writes.
const writeStripes = 64

// Store is the shared knowledge repository: per-stage partitions written only
// by their owning stage, plus a central read-optimized index across all
// partitions, rebuilt incrementally on every Put.
//
// Concurrency: writes to the same key are serialized by a striped lock so
// put/get on one key is linearizable; writes to different keys proceed in
// parallel (the index update itself is a short critical section). Readers
// snapshot records while holding the index lock; entries are mutated only
// under the write lock, so an in-place overwrite never tears a concurrent
// read.
type Store struct {
	stripes [writeStripes]sync.Mutex

	mu         sync.RWMutex
	byKey      map[string]*entry            // central index: key → latest record
	byIdentity map[identity]*entry          // (run, stage, key) → record, for idempotence
	partitions map[string]map[string]*entry // partition → key → record
	order      []*entry                     // insertion order
	nextSeq    int64

	appender RecordAppender // optional durable log
}

type identity struct {
	runID, stageID, key string
}

// Option configures a Store.
type Option func(*Store)

// WithAppender makes every accepted Put append to the given durable log.
func WithAppender(a RecordAppender) Option {
	return func(s *Store) { s.appender = a }
}

// NewStore creates an empty knowledge store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		byKey:      make(map[string]*entry),
		byIdentity: make(map[identity]*entry),
		partitions: make(map[string]map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PartitionOf returns the namespace prefix of a key ("retrieval" for
// "retrieval/run-1/result"), or "" when the key has no prefix.
func PartitionOf(key string) string {
	if i := strings.IndexByte(key, '/'); i > 0 {
		return key[:i]
	}
	return ""
}

// Put inserts or overwrites a record. Idempotent on (runID, stageID, key):
// retrying with the same identity is last-write-wins and never creates a
// duplicate. The record's partition is derived from the key prefix when unset.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		return schema.NewError(schema.ErrCodeValidation, "knowledge record has empty key")
	}
	if rec.RunID == "" || rec.StageID == "" {
		return schema.NewError(schema.ErrCodeValidation, "knowledge record must carry run and stage IDs")
	}
	if rec.Partition == "" {
		rec.Partition = PartitionOf(rec.Key)
	}
	if rec.Partition == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "key %q has no partition prefix", rec.Key)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	stripe := &s.stripes[stripeFor(rec.Key)]
	stripe.Lock()
	defer stripe.Unlock()

	id := identity{rec.RunID, rec.StageID, rec.Key}

	s.mu.Lock()
	if existing, ok := s.byIdentity[id]; ok {
		// Retry of an earlier put: overwrite in place, keep insertion order.
		// The retry is the latest write for the key, so the central index
		// re-points past any interleaved writer.
		existing.rec = rec
		s.byKey[rec.Key] = existing
		part := s.partitions[rec.Partition]
		if part == nil {
			part = make(map[string]*entry)
			s.partitions[rec.Partition] = part
		}
		part[rec.Key] = existing
	} else {
		e := &entry{rec: rec, seq: s.nextSeq}
		s.nextSeq++
		s.byIdentity[id] = e
		s.byKey[rec.Key] = e
		part := s.partitions[rec.Partition]
		if part == nil {
			part = make(map[string]*entry)
			s.partitions[rec.Partition] = part
		}
		part[rec.Key] = e
		s.order = append(s.order, e)
	}
	s.mu.Unlock()

	if s.appender != nil {
		durable := &store.KnowledgeRecord{
			Key:       rec.Key,
			RunID:     rec.RunID,
			StageID:   rec.StageID,
			Partition: rec.Partition,
			Payload:   rec.Payload,
			Tags:      rec.Tags,
			CreatedAt: rec.CreatedAt,
		}
		if err := s.appender.AppendKnowledgeRecord(ctx, durable); err != nil {
			return schema.NewError(schema.ErrCodeStore, "persist knowledge record").WithCause(err)
		}
	}
	return nil
}

// Get returns the latest record for a key, or nil when absent.
func (s *Store) Get(key string) *Record {
	s.mu.RLock()
	e, ok := s.byKey[key]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	rec := e.rec
	s.mu.RUnlock()
	atomic.AddInt64(&e.access, 1)
	return &rec
}

// ListByRun returns all records written by a run, in insertion order.
func (s *Store) ListByRun(runID string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, e := range s.order {
		if e.rec.RunID == runID {
			out = append(out, e.rec)
		}
	}
	return out
}

// Summary reports per-partition record counts.
func (s *Store) Summary() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.partitions))
	for name, part := range s.partitions {
		out[name] = len(part)
	}
	return out
}

// MostAccessed returns up to limit records ordered by access count descending.
func (s *Store) MostAccessed(limit int) []Record {
	type counted struct {
		rec    Record
		access int64
	}

	s.mu.RLock()
	entries := make([]counted, len(s.order))
	for i, e := range s.order {
		entries[i] = counted{rec: e.rec, access: atomic.LoadInt64(&e.access)}
	}
	s.mu.RUnlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].access > entries[j].access
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	return out
}

// export is the JSON shape produced by Export and consumed by Import.
type export struct {
	Records []Record `json:"records"`
}

// Export serializes the whole repository, in insertion order.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	recs := make([]Record, len(s.order))
	for i, e := range s.order {
		recs[i] = e.rec
	}
	s.mu.RUnlock()
	return json.MarshalIndent(export{Records: recs}, "", "  ")
}

// Import loads records produced by Export. Existing identities are
// overwritten (same last-write-wins rule as Put).
func (s *Store) Import(ctx context.Context, data []byte) error {
	var ex export
	if err := json.Unmarshal(data, &ex); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid knowledge export").WithCause(err)
	}
	for _, rec := range ex.Records {
		if err := s.Put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Load inserts records without touching the durable log. Used on recovery to
// rebuild the in-memory index from persisted records.
func (s *Store) Load(recs []*store.KnowledgeRecord) {
	for _, r := range recs {
		s.mu.Lock()
		id := identity{r.RunID, r.StageID, r.Key}
		if existing, ok := s.byIdentity[id]; ok {
			existing.rec = recordFromDurable(r)
			s.byKey[r.Key] = existing
			part := s.partitions[r.Partition]
			if part == nil {
				part = make(map[string]*entry)
				s.partitions[r.Partition] = part
			}
			part[r.Key] = existing
		} else {
			e := &entry{rec: recordFromDurable(r), seq: s.nextSeq}
			s.nextSeq++
			s.byIdentity[id] = e
			s.byKey[r.Key] = e
			part := s.partitions[r.Partition]
			if part == nil {
				part = make(map[string]*entry)
				s.partitions[r.Partition] = part
			}
			part[r.Key] = e
			s.order = append(s.order, e)
		}
		s.mu.Unlock()
	}
}

func recordFromDurable(r *store.KnowledgeRecord) Record {
	return Record{
		Key:       r.Key,
		RunID:     r.RunID,
		StageID:   r.StageID,
		Partition: r.Partition,
		Payload:   r.Payload,
		Tags:      r.Tags,
		CreatedAt: r.CreatedAt,
	}
}

func stripeFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % writeStripes
}
