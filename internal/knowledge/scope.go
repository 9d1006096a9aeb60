package knowledge

import (
	"context"

	"github.com/rendis/sonda/pkg/schema"
)

// Scope is the capability token handed to a stage. It turns implicit global
// state into an auditable dependency list: a stage may write only its own
// partition and read only the partitions it declared.
type Scope struct {
	WritePartition string
	ReadPartitions map[string]bool
}

// NewScope builds a scope for a stage that writes one partition and reads the
// listed ones. The write partition is always readable.
func NewScope(write string, reads []string) Scope {
	rp := make(map[string]bool, len(reads)+1)
	for _, r := range reads {
		rp[r] = true
	}
	if write != "" {
		rp[write] = true
	}
	return Scope{WritePartition: write, ReadPartitions: rp}
}

// View is a capability-checked window onto the knowledge store.
type View struct {
	store *Store
	scope Scope
}

// View returns a scoped view of the store.
func (s *Store) View(scope Scope) *View {
	return &View{store: s, scope: scope}
}

// Put writes a record after checking it targets the scope's write partition.
func (v *View) Put(ctx context.Context, rec Record) error {
	part := rec.Partition
	if part == "" {
		part = PartitionOf(rec.Key)
	}
	if part != v.scope.WritePartition {
		return schema.NewErrorf(schema.ErrCodeScopeDenied,
			"write to partition %q denied (scope allows %q)", part, v.scope.WritePartition)
	}
	return v.store.Put(ctx, rec)
}

// Get returns the record for key when its partition is readable, nil otherwise.
func (v *View) Get(key string) *Record {
	if !v.scope.ReadPartitions[PartitionOf(key)] {
		return nil
	}
	return v.store.Get(key)
}

// Search searches only the readable partitions.
func (v *View) Search(tags []string, limit int, opts ...SearchOption) ([]Record, error) {
	opts = append(opts, withPartitions(v.scope.ReadPartitions))
	return v.store.Search(tags, limit, opts...)
}

// ListByRun returns the run's records filtered to readable partitions.
func (v *View) ListByRun(runID string) []Record {
	all := v.store.ListByRun(runID)
	out := all[:0:0]
	for _, rec := range all {
		if v.scope.ReadPartitions[rec.Partition] {
			out = append(out, rec)
		}
	}
	return out
}
