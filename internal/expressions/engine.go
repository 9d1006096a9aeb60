// Package expressions provides the two expression engines used by pipeline
// definitions: CEL for stage condition guards and jq for shaping the payload
// a stage receives from its predecessors.
package expressions

import "context"

// Engine evaluates an expression against a data scope.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
