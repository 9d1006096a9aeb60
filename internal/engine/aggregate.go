package engine

import (
	"encoding/json"
	"time"

	"github.com/rendis/sonda/pkg/schema"
)

// RunAggregate is the consolidated result persisted on a finished run. The
// report is the final synthesis stage's payload; every satisfied stage
// contributes its sources and a summary line.
type RunAggregate struct {
	RunID       string             `json:"run_id"`
	Query       string             `json:"query"`
	Status      schema.RunStatus   `json:"status"`
	Report      json.RawMessage    `json:"report,omitempty"`
	Stages      []StageSummary     `json:"stages"`
	Sources     []schema.SourceRef `json:"sources,omitempty"`
	Degraded    []string           `json:"degraded,omitempty"` // stage IDs that degraded
	GeneratedAt time.Time          `json:"generated_at"`
}

// StageSummary is one stage's line in the aggregate.
type StageSummary struct {
	StageID    string             `json:"stage_id"`
	Kind       schema.StageKind   `json:"kind"`
	Status     schema.StageStatus `json:"status"`
	Attempts   int                `json:"attempts,omitempty"`
	Partial    bool               `json:"partial,omitempty"`
	SkipReason string             `json:"skip_reason,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// buildAggregate consolidates a finished run's stage results. Caller holds
// the engine lock.
func buildAggregate(rs *runState) (json.RawMessage, error) {
	agg := RunAggregate{
		RunID:       rs.id,
		Query:       rs.query,
		Status:      rs.status,
		GeneratedAt: time.Now().UTC(),
	}

	seen := make(map[string]bool)
	for _, id := range rs.dag.Sorted {
		sr := rs.stages[id]
		summary := StageSummary{
			StageID:    id,
			Kind:       sr.def.Kind,
			Status:     sr.status,
			Attempts:   sr.attempt,
			Partial:    sr.partial,
			SkipReason: sr.skipReason,
		}
		if sr.err != nil {
			summary.Error = sr.err.Message
		}
		agg.Stages = append(agg.Stages, summary)

		if sr.status == schema.StageStatusDegraded {
			agg.Degraded = append(agg.Degraded, id)
		}
		if sr.result == nil {
			continue
		}
		if sr.def.Kind == schema.StageKindSynthesis {
			// Later synthesis stages win; the default pipeline has one.
			agg.Report = sr.result.Payload
		}
		for _, ref := range sr.result.SourceRefs {
			if ref.URL != "" && seen[ref.URL] {
				continue
			}
			seen[ref.URL] = true
			agg.Sources = append(agg.Sources, ref)
		}
	}

	return json.Marshal(agg)
}
