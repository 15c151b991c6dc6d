package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/forge-ml/forge/internal/schema"
)

// Wrapper node op types in the ZMF graph.
const (
	opTypeNormalize  = "ImageNormalizer"
	opTypeCast       = "Cast"
	opTypeSoftmax    = "Softmax"
	opTypeUpsample   = "Upsample"
	opTypeArgmax     = "ArgMax"
	opTypeClassifier = "ClassifierOutput"
)

// GraphFileName is the serialized base graph expected inside a model
// directory.
const GraphFileName = "model.zmf"

// ZMF is an Engine backed by the ZMF protobuf container: traced base
// models are read as zmf graphs, wrapper operations become zmf nodes,
// and serialization is a protobuf marshal.
type ZMF struct {
	producerName    string
	producerVersion string
}

// NewZMF creates a ZMF-backed engine stamping the given producer tags
// into serialized graphs.
func NewZMF(producerName, producerVersion string) *ZMF {
	return &ZMF{producerName: producerName, producerVersion: producerVersion}
}

// zmfGraph wraps a zmf model and tracks the classifier quirk.
type zmfGraph struct {
	model         *zmf.Model
	hasClassifier bool
}

func (g *zmfGraph) InputNames() []string {
	names := make([]string, len(g.model.Graph.Inputs))
	for i, info := range g.model.Graph.Inputs {
		names[i] = info.Name
	}
	return names
}

func (g *zmfGraph) OutputNames() []string {
	names := make([]string, len(g.model.Graph.Outputs))
	for i, info := range g.model.Graph.Outputs {
		names[i] = info.Name
	}
	return names
}

// Trace loads the traced base graph from the model directory.
func (e *ZMF) Trace(ctx context.Context, modelDir string) (Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(modelDir, GraphFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read traced graph: %w", err)
	}

	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal traced graph: %w", err)
	}
	if model.Graph == nil {
		return nil, fmt.Errorf("traced graph %s has no graph body", path)
	}

	return &zmfGraph{model: model}, nil
}

// Compose splices the plan's wrapper nodes around the base graph.
// Pre ops rewire the declared input through the wrapper node into the
// base graph; post ops consume the current tensor of their output field
// and replace it in the graph's output list.
func (e *ZMF) Compose(g Graph, plan schema.Plan) (Graph, error) {
	zg, ok := g.(*zmfGraph)
	if !ok {
		return nil, fmt.Errorf("graph was not produced by this engine")
	}

	for _, op := range plan.Pre {
		if err := e.splicePre(zg, op); err != nil {
			return nil, err
		}
	}
	// current maps each output field to the tensor name holding its
	// latest value as post ops stack up.
	current := make(map[string]string)
	for _, op := range plan.Post {
		if err := e.splicePost(zg, op, current); err != nil {
			return nil, err
		}
	}
	return zg, nil
}

func (e *ZMF) splicePre(g *zmfGraph, op schema.WrapperOp) error {
	if !hasValueInfo(g.model.Graph.Inputs, op.Field) {
		return fmt.Errorf("pre op %s targets unknown input %q", op.Kind, op.Field)
	}

	wrapped := op.Field + "__" + string(op.Kind)
	node, err := wrapperNode(op, op.Field, []string{wrapped})
	if err != nil {
		return err
	}

	// The wrapper's result replaces the raw input everywhere the base
	// graph consumed it.
	for _, n := range g.model.Graph.Nodes {
		for i, in := range n.Inputs {
			if in == op.Field {
				n.Inputs[i] = wrapped
			}
		}
	}
	g.model.Graph.Nodes = append([]*zmf.Node{node}, g.model.Graph.Nodes...)
	return nil
}

func (e *ZMF) splicePost(g *zmfGraph, op schema.WrapperOp, current map[string]string) error {
	source, ok := current[op.Field]
	if !ok {
		if !hasValueInfo(g.model.Graph.Outputs, op.Field) {
			return fmt.Errorf("post op %s targets unknown output %q", op.Kind, op.Field)
		}
		source = op.Field
	}

	result := op.Rename
	if result == "" {
		result = op.Field + "__" + string(op.Kind)
	}

	if op.Kind == schema.OpClassifier {
		g.hasClassifier = true
		node, err := wrapperNode(op, source, []string{"classLabel", result})
		if err != nil {
			return err
		}
		g.model.Graph.Nodes = append(g.model.Graph.Nodes, node)
		replaceOutput(g.model.Graph, source,
			&zmf.ValueInfo{Name: "classLabel"},
			&zmf.ValueInfo{Name: result},
		)
		current[op.Field] = result
		return nil
	}

	node, err := wrapperNode(op, source, []string{result})
	if err != nil {
		return err
	}
	g.model.Graph.Nodes = append(g.model.Graph.Nodes, node)
	replaceOutput(g.model.Graph, source, &zmf.ValueInfo{Name: result})
	current[op.Field] = result
	return nil
}

// wrapperNode builds the zmf node for one wrapper operation.
func wrapperNode(op schema.WrapperOp, input string, outputs []string) (*zmf.Node, error) {
	node := &zmf.Node{
		Name:       outputs[0],
		Inputs:     []string{input},
		Outputs:    outputs,
		Attributes: make(map[string]*zmf.Attribute),
	}

	switch op.Kind {
	case schema.OpNormalize:
		node.OpType = opTypeNormalize
		node.Attributes["mean"] = floatsAttr(op.Mean)
		node.Attributes["std"] = floatsAttr(op.Std)
	case schema.OpCast:
		node.OpType = opTypeCast
		node.Attributes["to"] = &zmf.Attribute{
			Value: &zmf.Attribute_S{S: op.To.String()},
		}
	case schema.OpSoftmax:
		node.OpType = opTypeSoftmax
		node.Attributes["axis"] = intAttr(int64(op.Axis))
	case schema.OpUpsample:
		node.OpType = opTypeUpsample
		node.Attributes["size"] = &zmf.Attribute{
			Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{
				Val: []int64{int64(op.TargetSize[0]), int64(op.TargetSize[1])},
			}},
		}
	case schema.OpArgmax:
		node.OpType = opTypeArgmax
		node.Attributes["axis"] = intAttr(int64(op.Axis))
	case schema.OpClassifier:
		node.OpType = opTypeClassifier
		node.Attributes["class_names"] = &zmf.Attribute{
			Value: &zmf.Attribute_Strings{Strings: &zmf.Strings{Val: op.ClassNames}},
		}
	default:
		return nil, fmt.Errorf("unknown wrapper op kind %q", op.Kind)
	}
	return node, nil
}

// Serialize stamps the declared I/O schema onto the composed graph and
// marshals it.
func (e *ZMF) Serialize(g Graph, inputs, outputs []schema.IOField) (*Package, error) {
	zg, ok := g.(*zmfGraph)
	if !ok {
		return nil, fmt.Errorf("graph was not produced by this engine")
	}

	zg.model.Graph.Inputs = valueInfos(inputs)
	zg.model.Graph.Outputs = valueInfos(outputs)
	if zg.model.Metadata == nil {
		zg.model.Metadata = &zmf.Metadata{}
	}
	zg.model.Metadata.ProducerName = e.producerName
	zg.model.Metadata.ProducerVersion = e.producerVersion

	data, err := proto.Marshal(zg.model)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal composed graph: %w", err)
	}

	pkg := &Package{Data: data, Format: "zmf"}
	if zg.hasClassifier {
		// The container carries the probabilities tensor both as the
		// classifier dictionary and as a raw graph output. Known
		// benign; recorded so downstream consumers can see it.
		pkg.Quirks = append(pkg.Quirks,
			"probabilities tensor appears both as classifier dictionary and raw output")
	}
	return pkg, nil
}

func valueInfos(fields []schema.IOField) []*zmf.ValueInfo {
	infos := make([]*zmf.ValueInfo, len(fields))
	for i, f := range fields {
		infos[i] = &zmf.ValueInfo{Name: f.Name, Shape: append([]int64(nil), f.Shape...)}
	}
	return infos
}

func hasValueInfo(infos []*zmf.ValueInfo, name string) bool {
	for _, info := range infos {
		if info.Name == name {
			return true
		}
	}
	return false
}

// replaceOutput swaps the named output for one or more replacements,
// preserving the position of the replaced entry.
func replaceOutput(g *zmf.Graph, name string, with ...*zmf.ValueInfo) {
	out := make([]*zmf.ValueInfo, 0, len(g.Outputs)+len(with)-1)
	replaced := false
	for _, info := range g.Outputs {
		if info.Name == name && !replaced {
			out = append(out, with...)
			replaced = true
			continue
		}
		out = append(out, info)
	}
	if !replaced {
		out = append(out, with...)
	}
	g.Outputs = out
}

func floatsAttr(vals []float64) *zmf.Attribute {
	fs := make([]float32, len(vals))
	for i, v := range vals {
		fs[i] = float32(v)
	}
	return &zmf.Attribute{Value: &zmf.Attribute_Floats{Floats: &zmf.Floats{Val: fs}}}
}

func intAttr(v int64) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_I{I: v}}
}
