package knowledge

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/sonda/pkg/schema"
)

// SearchOption refines a Search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	filter     string
	partitions map[string]bool // nil = all
}

// WithFilter restricts results to records matching an expr predicate.
// The expression sees: key, partition, stage_id, run_id, tags ([]string),
// and payload (decoded JSON). Example: `partition == "analysis" && "draft" not in tags`.
func WithFilter(expression string) SearchOption {
	return func(o *searchOptions) { o.filter = expression }
}

// withPartitions limits search to the given partitions. Used by scoped views.
func withPartitions(parts map[string]bool) SearchOption {
	return func(o *searchOptions) { o.partitions = parts }
}

// filterCache caches compiled expr programs across Search calls.
var filterCache sync.Map // expression → *vm.Program

// Search returns up to limit records matching any of the given tags, ranked
// by recency, then by tag-overlap count, ties broken by insertion order.
// An empty tag set matches every record (ranking degenerates to recency).
func (s *Store) Search(tags []string, limit int, opts ...SearchOption) ([]Record, error) {
	var o searchOptions
	for _, opt := range opts {
		opt(&o)
	}

	var program *vm.Program
	if o.filter != "" {
		p, err := compileFilter(o.filter)
		if err != nil {
			return nil, err
		}
		program = p
	}

	wanted := make(map[string]bool, len(tags))
	for _, t := range tags {
		wanted[t] = true
	}

	type scored struct {
		rec     Record
		seq     int64
		overlap int
	}

	// Copy matching records out while holding the index lock; a concurrent
	// overwrite must not mutate a candidate under the sort below.
	s.mu.RLock()
	candidates := make([]scored, 0, len(s.order))
	for _, e := range s.order {
		if o.partitions != nil && !o.partitions[e.rec.Partition] {
			continue
		}
		overlap := 0
		for _, t := range e.rec.Tags {
			if wanted[t] {
				overlap++
			}
		}
		if len(wanted) > 0 && overlap == 0 {
			continue
		}
		candidates = append(candidates, scored{rec: e.rec, seq: e.seq, overlap: overlap})
	}
	s.mu.RUnlock()

	if program != nil {
		kept := candidates[:0]
		for i := range candidates {
			ok, err := evalFilter(program, &candidates[i].rec)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, candidates[i])
			}
		}
		candidates = kept
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].rec, candidates[j].rec
		if !ri.CreatedAt.Equal(rj.CreatedAt) {
			return ri.CreatedAt.After(rj.CreatedAt)
		}
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		return candidates[i].seq < candidates[j].seq
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.rec
	}
	return out, nil
}

func compileFilter(expression string) (*vm.Program, error) {
	if cached, ok := filterCache.Load(expression); ok {
		return cached.(*vm.Program), nil
	}
	program, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid search filter: %s", err.Error()).WithCause(err)
	}
	filterCache.Store(expression, program)
	return program, nil
}

func evalFilter(program *vm.Program, rec *Record) (bool, error) {
	var payload any
	if len(rec.Payload) > 0 {
		_ = json.Unmarshal(rec.Payload, &payload)
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	env := map[string]any{
		"key":       rec.Key,
		"partition": rec.Partition,
		"stage_id":  rec.StageID,
		"run_id":    rec.RunID,
		"tags":      tags,
		"payload":   payload,
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "search filter evaluation: %s", err.Error()).WithCause(err)
	}
	ok, _ := result.(bool)
	return ok, nil
}
