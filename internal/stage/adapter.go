// Package stage is the boundary to the external task-execution service.
// The four pipeline stages form a closed variant set over one capability
// interface; adding a stage kind means adding a variant here, not runtime
// registration.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/sonda/pkg/schema"
)

// TaskInput is the opaque submission to the external task-execution service:
// a natural-language input, a quality/cost tier, and an output-shape hint.
type TaskInput struct {
	Input     string             `json:"input"`
	Processor schema.QualityTier `json:"processor"`
	Output    string             `json:"output,omitempty"`
}

// TaskOutput is the structured result the external service returns.
type TaskOutput struct {
	Content json.RawMessage    `json:"content"`
	Sources []schema.SourceRef `json:"sources,omitempty"`
}

// TaskService is the external task-execution capability. Implementations wrap
// the remote API client; failures should be SondaErrors with TRANSIENT or
// PERMANENT codes, anything else is classified by the retry policy.
type TaskService interface {
	Submit(ctx context.Context, in TaskInput) (*TaskOutput, error)
}

// Adapter is the uniform capability interface every stage implements.
type Adapter interface {
	Kind() schema.StageKind
	Execute(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error)
}

// validTiers is the set of tiers the external service accepts.
var validTiers = map[schema.QualityTier]bool{
	schema.TierLite: true,
	schema.TierBase: true,
	schema.TierCore: true,
	schema.TierPro:  true,
	"":              true, // defaulted to base at submission
}

// adapter is the shared implementation behind the four variants.
type adapter struct {
	kind    schema.StageKind
	service TaskService
}

// New returns the adapter variant for the given stage kind.
func New(kind schema.StageKind, service TaskService) (Adapter, error) {
	switch kind {
	case schema.StageKindRetrieval, schema.StageKindAnalysis,
		schema.StageKindVerification, schema.StageKindSynthesis:
		return &adapter{kind: kind, service: service}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown stage kind %q", kind)
}

// All returns one adapter per stage kind, keyed by kind.
func All(service TaskService) map[schema.StageKind]Adapter {
	out := make(map[schema.StageKind]Adapter, 4)
	for _, kind := range []schema.StageKind{
		schema.StageKindRetrieval, schema.StageKindAnalysis,
		schema.StageKindVerification, schema.StageKindSynthesis,
	} {
		a, _ := New(kind, service)
		out[kind] = a
	}
	return out
}

func (a *adapter) Kind() schema.StageKind { return a.kind }

// Execute submits the stage request to the external service and wraps the
// outcome. Invalid input and unsupported tiers are permanent failures;
// deadline expiry is a timeout; everything else passes through for the
// engine's retry classification.
func (a *adapter) Execute(ctx context.Context, req schema.StageRequest) (*schema.StageResult, error) {
	if req.Query == "" && len(req.Input) == 0 {
		return nil, schema.NewError(schema.ErrCodePermanent, "stage request has neither query nor input").
			WithStage(req.StageID)
	}
	if !validTiers[req.Tier] {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "unsupported quality tier %q", req.Tier).
			WithStage(req.StageID)
	}

	tier := req.Tier
	if tier == "" {
		tier = schema.TierBase
	}

	out, err := a.service.Submit(ctx, TaskInput{
		Input:     a.frame(req),
		Processor: tier,
		Output:    req.Output,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewError(schema.ErrCodeTimeout, "task execution timed out").
				WithStage(req.StageID).WithCause(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, schema.NewError(schema.ErrCodeCancelled, "task execution cancelled").
				WithStage(req.StageID).WithCause(err)
		}
		var se *schema.SondaError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, schema.NewError(schema.ErrCodeTransient, err.Error()).
			WithStage(req.StageID).WithCause(err)
	}

	return &schema.StageResult{
		StageID:    req.StageID,
		Payload:    out.Content,
		ProducedAt: time.Now().UTC(),
		SourceRefs: out.Sources,
	}, nil
}
