package schema

import (
	"encoding/json"
	"time"
)

// StageKind enumerates the closed set of pipeline stages. New kinds require
// an explicit variant here and an adapter implementation; there is no runtime
// registration.
type StageKind string

const (
	StageKindRetrieval    StageKind = "retrieval"
	StageKindAnalysis     StageKind = "analysis"
	StageKindVerification StageKind = "verification"
	StageKindSynthesis    StageKind = "synthesis"
)

// QualityTier is the cost/quality setting passed to the external task service
// per stage invocation.
type QualityTier string

const (
	TierLite QualityTier = "lite"
	TierBase QualityTier = "base"
	TierCore QualityTier = "core"
	TierPro  QualityTier = "pro"
)

// PipelineDefinition is the static configuration of a research pipeline.
// Immutable after load; one definition can drive many runs.
type PipelineDefinition struct {
	Stages   []StageDefinition `json:"stages"`
	Timeout  string            `json:"timeout,omitempty"`   // run-level wall-clock ceiling (e.g. "10m")
	Priority int               `json:"priority,omitempty"`  // dispatch priority for all stages of a run
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// StageDefinition describes a single stage in a pipeline.
type StageDefinition struct {
	ID        string       `json:"id"`
	Kind      StageKind    `json:"kind"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Tier      QualityTier  `json:"tier,omitempty"`      // default: base
	Timeout   string       `json:"timeout,omitempty"`   // stage-level timeout (e.g. "30s")
	Retry     *RetryPolicy `json:"retry,omitempty"`
	Critical  bool         `json:"critical,omitempty"`  // failure fails the run instead of degrading
	Condition string       `json:"condition,omitempty"` // CEL guard; stage skipped when false
	Extract   string       `json:"extract,omitempty"`   // jq expression shaping the predecessor payload
	Reads     []string     `json:"reads,omitempty"`     // knowledge partitions this stage may read
	Output    string       `json:"output,omitempty"`    // output-shape hint forwarded to the task service
}

// RetryPolicy configures retry behavior for transient stage failures.
// The delay for attempt n is Delay * 2^n, capped at MaxDelay.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Delay    string `json:"delay,omitempty"`     // base delay (e.g. "100ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap (e.g. "5s")
	Jitter   bool   `json:"jitter,omitempty"`    // apply up to ±10% random jitter
}

// StageOverride carries caller-supplied adjustments for one stage of the
// default pipeline, submitted alongside a query.
type StageOverride struct {
	Tier     QualityTier  `json:"tier,omitempty"`
	Timeout  string       `json:"timeout,omitempty"`
	Retry    *RetryPolicy `json:"retry,omitempty"`
	Critical *bool        `json:"critical,omitempty"`
}

// StageRequest is the input handed to a stage adapter. For stages after the
// first it is built by the workflow engine from the predecessor's result plus
// knowledge records visible through the stage's read scope.
type StageRequest struct {
	RunID   string          `json:"run_id"`
	StageID string          `json:"stage_id"`
	Query   string          `json:"query"`
	Input   json.RawMessage `json:"input,omitempty"`   // shaped predecessor payload
	Context json.RawMessage `json:"context,omitempty"` // knowledge snippets keyed by record key
	Partial bool            `json:"partial,omitempty"` // an upstream dependency degraded
	Tier    QualityTier     `json:"tier,omitempty"`
	Output  string          `json:"output,omitempty"` // output-shape hint
}

// SourceRef is a citation attached to a stage result.
type SourceRef struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// StageResult is the immutable outcome of one stage execution. Owned by the
// run; the knowledge store references it, never copies the payload.
type StageResult struct {
	StageID    string          `json:"stage_id"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
	SourceRefs []SourceRef     `json:"source_refs,omitempty"`
}

// DefaultRetryPolicy is the policy applied to stages without an explicit one.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{Max: 3, Delay: "100ms", MaxDelay: "5s"}
}

// DefaultPipeline returns the standard four-stage research pipeline:
// retrieve → analyze → verify → write. Verification is non-critical so a
// failed check degrades the run instead of aborting it.
func DefaultPipeline() *PipelineDefinition {
	return &PipelineDefinition{
		Timeout: "10m",
		Stages: []StageDefinition{
			{
				ID:       "retrieve",
				Kind:     StageKindRetrieval,
				Tier:     TierBase,
				Timeout:  "60s",
				Retry:    DefaultRetryPolicy(),
				Critical: true,
				Output:   "web search results with source citations",
			},
			{
				ID:        "analyze",
				Kind:      StageKindAnalysis,
				DependsOn: []string{"retrieve"},
				Tier:      TierCore,
				Timeout:   "90s",
				Retry:     DefaultRetryPolicy(),
				Critical:  true,
				Reads:     []string{"retrieval"},
				Output:    "structured analysis of the retrieved material",
			},
			{
				ID:        "verify",
				Kind:      StageKindVerification,
				DependsOn: []string{"analyze"},
				Tier:      TierPro,
				Timeout:   "90s",
				Retry:     DefaultRetryPolicy(),
				Reads:     []string{"retrieval", "analysis"},
				Output:    "fact-check findings and confidence scores",
			},
			{
				ID:        "write",
				Kind:      StageKindSynthesis,
				DependsOn: []string{"verify"},
				Tier:      TierLite,
				Timeout:   "120s",
				Retry:     DefaultRetryPolicy(),
				Critical:  true,
				Reads:     []string{"retrieval", "analysis", "verification"},
				Output:    "final research report",
			},
		},
	}
}

// ApplyOverrides returns a copy of the definition with per-stage overrides
// applied. Unknown stage IDs are rejected by validation, not here.
func (d *PipelineDefinition) ApplyOverrides(overrides map[string]StageOverride) *PipelineDefinition {
	out := &PipelineDefinition{
		Timeout:  d.Timeout,
		Priority: d.Priority,
		Metadata: d.Metadata,
		Stages:   make([]StageDefinition, len(d.Stages)),
	}
	copy(out.Stages, d.Stages)

	for i := range out.Stages {
		ov, ok := overrides[out.Stages[i].ID]
		if !ok {
			continue
		}
		if ov.Tier != "" {
			out.Stages[i].Tier = ov.Tier
		}
		if ov.Timeout != "" {
			out.Stages[i].Timeout = ov.Timeout
		}
		if ov.Retry != nil {
			out.Stages[i].Retry = ov.Retry
		}
		if ov.Critical != nil {
			out.Stages[i].Critical = *ov.Critical
		}
	}
	return out
}

// Stage returns the definition for the given stage ID, or nil.
func (d *PipelineDefinition) Stage(id string) *StageDefinition {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}
