package engine

import (
	"fmt"
	"slices"

	"github.com/rendis/sonda/pkg/schema"
)

// DAG is the in-memory directed acyclic graph built from a pipeline
// definition. The engine consults it to decide which stages become ready as
// their dependencies settle.
type DAG struct {
	Stages  map[string]*schema.StageDefinition // stage ID → definition
	Edges   map[string][]string                // stage ID → dependencies (depends_on)
	Reverse map[string][]string                // stage ID → dependents (who depends on me)
	Sorted  []string                           // topological order
	Roots   []string                           // stages with no dependencies
	Levels  [][]string                         // parallel execution levels
}

// validStageKinds is the closed set of recognized stage kinds.
var validStageKinds = map[schema.StageKind]bool{
	schema.StageKindRetrieval:    true,
	schema.StageKindAnalysis:     true,
	schema.StageKindVerification: true,
	schema.StageKindSynthesis:    true,
}

// ParseDAG parses a PipelineDefinition into an executable DAG. It validates
// the definition, builds adjacency lists, performs topological sorting using
// Kahn's algorithm, detects cycles, and computes parallel execution levels.
func ParseDAG(def *schema.PipelineDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	if len(def.Stages) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no stages")
	}

	dag := &DAG{
		Stages:  make(map[string]*schema.StageDefinition, len(def.Stages)),
		Edges:   make(map[string][]string, len(def.Stages)),
		Reverse: make(map[string][]string, len(def.Stages)),
	}

	// First pass: register all stages and check for duplicates.
	for i := range def.Stages {
		st := &def.Stages[i]

		if st.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("stage at index %d has empty ID", i))
		}

		if _, exists := dag.Stages[st.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate stage ID: %s", st.ID)
		}

		if !validStageKinds[st.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %s has unknown kind: %s", st.ID, st.Kind)
		}

		// Default tier to base when empty.
		if st.Tier == "" {
			st.Tier = schema.TierBase
		}

		dag.Stages[st.ID] = st
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, st := range dag.Stages {
		seen := make(map[string]bool, len(st.DependsOn))
		deps := make([]string, 0, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if _, exists := dag.Stages[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %s depends on non-existent stage: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "stage %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "stage %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Stages))
	for id := range dag.Stages {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	slices.Sort(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Stages))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		slices.Sort(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Stages) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "pipeline contains a cycle")
	}

	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	return dag, nil
}

// Downstream returns every stage reachable from the given stage, following
// dependency edges forward. Used to skip the dependent closure of a failed
// critical stage.
func (d *DAG) Downstream(stageID string) []string {
	visited := make(map[string]bool)
	var out []string

	var walk func(id string)
	walk = func(id string) {
		for _, dep := range d.Reverse[id] {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			out = append(out, dep)
			walk(dep)
		}
	}
	walk(stageID)

	slices.Sort(out)
	return out
}

// computeLevels groups stages into parallel execution levels. Stages at the
// same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Stages))

	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}

	return levels
}
