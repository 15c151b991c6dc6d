// Package engine abstracts the external graph-conversion engine behind a
// narrow trace/compose/serialize interface so the policy layer can be
// tested without a real conversion backend.
package engine

import (
	"context"

	"github.com/forge-ml/forge/internal/schema"
)

// Graph is an opaque traced computation graph owned by an Engine.
// Implementations attach their own representation; callers only sequence
// the calls.
type Graph interface {
	// InputNames returns the graph's current external input names.
	InputNames() []string

	// OutputNames returns the graph's current external output names.
	OutputNames() []string
}

// Package is the serialized artifact produced by an engine.
type Package struct {
	// Data is the serialized graph in the engine's container format.
	Data []byte

	// Format names the container format ("zmf", ...).
	Format string

	// Quirks lists known benign engine artifacts observed during
	// serialization (e.g. a duplicated probabilities tensor). They are
	// recorded, never suppressed.
	Quirks []string
}

// Engine is the external conversion engine. Every call is a
// coarse-grained blocking operation with no partial results; a failure
// reflects a structural incompatibility and is not retryable.
type Engine interface {
	// Trace produces the base model's computation graph.
	Trace(ctx context.Context, modelDir string) (Graph, error)

	// Compose splices the wrapper operations around the base graph and
	// returns the composed graph.
	Compose(g Graph, plan schema.Plan) (Graph, error)

	// Serialize emits the composed graph with the declared I/O schema.
	Serialize(g Graph, inputs, outputs []schema.IOField) (*Package, error)
}
