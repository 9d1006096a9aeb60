package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/sonda/internal/knowledge"
	"github.com/rendis/sonda/pkg/schema"
)

// contextRecordLimit bounds how many knowledge records are attached to a
// stage request.
const contextRecordLimit = 8

// scopeFor returns the capability scope a stage executes under: write access
// to its own kind's partition, read access to the partitions it declares.
func scopeFor(def *schema.StageDefinition) knowledge.Scope {
	return knowledge.NewScope(string(def.Kind), def.Reads)
}

// buildRequest assembles the StageRequest for a ready stage from its
// predecessors' results and the knowledge visible through its read scope.
// Callers hold the engine lock; everything here is in-memory.
func (e *Engine) buildRequest(ctx context.Context, rs *runState, sr *stageRun, partial bool) (schema.StageRequest, error) {
	req := schema.StageRequest{
		RunID:   rs.id,
		StageID: sr.def.ID,
		Query:   rs.query,
		Partial: partial,
		Tier:    sr.def.Tier,
		Output:  sr.def.Output,
	}

	input, err := e.buildInput(ctx, rs, sr)
	if err != nil {
		return req, err
	}
	req.Input = input

	req.Context = e.buildKnowledgeContext(sr)

	return req, nil
}

// buildInput shapes the predecessor payloads into the stage's input. With an
// Extract expression the jq program runs over the payload map keyed by
// dependency ID; otherwise a single dependency's payload passes through as-is
// and multiple dependencies are keyed by ID.
func (e *Engine) buildInput(ctx context.Context, rs *runState, sr *stageRun) (json.RawMessage, error) {
	deps := rs.dag.Edges[sr.def.ID]
	if len(deps) == 0 {
		return nil, nil
	}

	payloads := make(map[string]any, len(deps))
	var single json.RawMessage
	for _, dep := range deps {
		depState := rs.stages[dep]
		if depState == nil || depState.result == nil {
			continue
		}
		var decoded any
		if err := json.Unmarshal(depState.result.Payload, &decoded); err != nil {
			// Opaque payloads still flow through as raw strings.
			decoded = string(depState.result.Payload)
		}
		payloads[dep] = decoded
		single = depState.result.Payload
	}

	if len(payloads) == 0 {
		return nil, nil
	}

	if sr.def.Extract != "" {
		shaped, err := e.jq.Evaluate(ctx, sr.def.Extract, payloads)
		if err != nil {
			return nil, err
		}
		return json.Marshal(shaped)
	}

	if len(payloads) == 1 {
		return single, nil
	}
	return json.Marshal(payloads)
}

// buildKnowledgeContext collects the most relevant readable knowledge records
// for the stage, keyed by record key. Best effort: an empty context is valid.
func (e *Engine) buildKnowledgeContext(sr *stageRun) json.RawMessage {
	if e.know == nil || len(sr.def.Reads) == 0 {
		return nil
	}

	view := e.know.View(scopeFor(sr.def))
	recs, err := view.Search(nil, contextRecordLimit)
	if err != nil || len(recs) == 0 {
		return nil
	}

	snippets := make(map[string]json.RawMessage, len(recs))
	for i := range recs {
		snippets[recs[i].Key] = recs[i].Payload
	}
	out, err := json.Marshal(snippets)
	if err != nil {
		return nil
	}
	return out
}

// conditionScope builds the CEL activation for a stage condition guard.
func conditionScope(rs *runState) map[string]any {
	stages := make(map[string]any, len(rs.stages))
	partials := make(map[string]any, len(rs.stages))
	for id, sr := range rs.stages {
		entry := map[string]any{"status": string(sr.status)}
		if sr.result != nil {
			var decoded any
			if err := json.Unmarshal(sr.result.Payload, &decoded); err == nil {
				entry["payload"] = decoded
			}
		}
		stages[id] = entry
		partials[id] = sr.partial
	}
	return map[string]any{
		"stages":  stages,
		"partial": partials,
		"run": map[string]any{
			"run_id": rs.id,
			"query":  rs.query,
		},
	}
}
