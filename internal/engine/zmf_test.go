package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/forge-ml/forge/internal/schema"
)

// writeBaseGraph writes a minimal traced graph: one node consuming the
// given inputs and producing the given outputs.
func writeBaseGraph(t *testing.T, dir string, inputs, outputs []string) {
	t.Helper()

	node := &zmf.Node{
		Name:       "body",
		OpType:     "Module",
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: map[string]*zmf.Attribute{},
	}
	model := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      []*zmf.Node{node},
			Parameters: map[string]*zmf.Tensor{},
			Inputs:     infosFor(inputs),
			Outputs:    infosFor(outputs),
		},
	}

	data, err := proto.Marshal(model)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, GraphFileName), data, 0o600))
}

func infosFor(names []string) []*zmf.ValueInfo {
	infos := make([]*zmf.ValueInfo, len(names))
	for i, name := range names {
		infos[i] = &zmf.ValueInfo{Name: name}
	}
	return infos
}

func TestTraceMissingGraph(t *testing.T) {
	e := NewZMF("forge", "test")
	_, err := e.Trace(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestTraceCanceledContext(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"image"}, []string{"logits"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewZMF("forge", "test")
	_, err := e.Trace(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComposePreRewiresInput(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"image"}, []string{"logits"})

	e := NewZMF("forge", "test")
	g, err := e.Trace(context.Background(), dir)
	require.NoError(t, err)

	plan := schema.Plan{Pre: []schema.WrapperOp{{
		Kind:  schema.OpNormalize,
		Field: "image",
		Mean:  []float64{0.5, 0.5, 0.5},
		Std:   []float64{0.5, 0.5, 0.5},
	}}}

	composed, err := e.Compose(g, plan)
	require.NoError(t, err)

	zg := composed.(*zmfGraph)
	require.Len(t, zg.model.Graph.Nodes, 2)

	norm := zg.model.Graph.Nodes[0]
	assert.Equal(t, opTypeNormalize, norm.OpType)
	assert.Equal(t, []string{"image"}, norm.Inputs)

	// The base node now consumes the normalized tensor.
	body := zg.model.Graph.Nodes[1]
	assert.Equal(t, norm.Outputs[0], body.Inputs[0])
}

func TestComposePostChainsOps(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"image"}, []string{"logits"})

	e := NewZMF("forge", "test")
	g, err := e.Trace(context.Background(), dir)
	require.NoError(t, err)

	plan := schema.Plan{Post: []schema.WrapperOp{
		{Kind: schema.OpUpsample, Field: "logits", TargetSize: [2]int{512, 512}},
		{Kind: schema.OpArgmax, Field: "logits", Axis: 1, Rename: "classPredictions"},
	}}

	composed, err := e.Compose(g, plan)
	require.NoError(t, err)

	zg := composed.(*zmfGraph)
	require.Len(t, zg.model.Graph.Nodes, 3)

	up := zg.model.Graph.Nodes[1]
	assert.Equal(t, opTypeUpsample, up.OpType)
	assert.Equal(t, []string{"logits"}, up.Inputs)

	am := zg.model.Graph.Nodes[2]
	assert.Equal(t, opTypeArgmax, am.OpType)
	assert.Equal(t, up.Outputs[0], am.Inputs[0])
	assert.Equal(t, []string{"classPredictions"}, am.Outputs)

	// The graph's output list now names only the final tensor.
	assert.Equal(t, []string{"classPredictions"}, composed.OutputNames())
}

func TestComposeUnknownFieldFails(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"image"}, []string{"logits"})

	e := NewZMF("forge", "test")
	g, err := e.Trace(context.Background(), dir)
	require.NoError(t, err)

	_, err = e.Compose(g, schema.Plan{Pre: []schema.WrapperOp{{
		Kind: schema.OpCast, Field: "missing", From: schema.Int32, To: schema.Int64,
	}}})
	assert.Error(t, err)

	_, err = e.Compose(g, schema.Plan{Post: []schema.WrapperOp{{
		Kind: schema.OpSoftmax, Field: "missing", Axis: -1,
	}}})
	assert.Error(t, err)
}

func TestSerializeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"input_ids", "attention_mask"}, []string{"logits"})

	e := NewZMF("forge", "v1")
	g, err := e.Trace(context.Background(), dir)
	require.NoError(t, err)

	plan := schema.Plan{Post: []schema.WrapperOp{{
		Kind: schema.OpSoftmax, Field: "logits", Axis: -1, Rename: "probabilities",
	}}}
	composed, err := e.Compose(g, plan)
	require.NoError(t, err)

	inputs := []schema.IOField{
		{Name: "input_ids", Type: schema.Int32, Shape: []int64{1, 128}},
		{Name: "attention_mask", Type: schema.Int32, Shape: []int64{1, 128}},
	}
	outputs := []schema.IOField{{Name: "probabilities", Type: schema.Float32}}

	pkg, err := e.Serialize(composed, inputs, outputs)
	require.NoError(t, err)
	assert.Equal(t, "zmf", pkg.Format)
	assert.Empty(t, pkg.Quirks)

	var decoded zmf.Model
	require.NoError(t, proto.Unmarshal(pkg.Data, &decoded))
	assert.Equal(t, "forge", decoded.Metadata.ProducerName)
	assert.Equal(t, "v1", decoded.Metadata.ProducerVersion)
	require.Len(t, decoded.Graph.Inputs, 2)
	assert.Equal(t, "input_ids", decoded.Graph.Inputs[0].Name)
	assert.Equal(t, []int64{1, 128}, decoded.Graph.Inputs[0].Shape)
	require.Len(t, decoded.Graph.Outputs, 1)
	assert.Equal(t, "probabilities", decoded.Graph.Outputs[0].Name)
}

func TestSerializeClassifierQuirkRecorded(t *testing.T) {
	dir := t.TempDir()
	writeBaseGraph(t, dir, []string{"image"}, []string{"logits"})

	e := NewZMF("forge", "test")
	g, err := e.Trace(context.Background(), dir)
	require.NoError(t, err)

	plan := schema.Plan{Post: []schema.WrapperOp{{
		Kind:       schema.OpClassifier,
		Field:      "logits",
		ClassNames: []string{"cat", "dog"},
		Rename:     "probabilities",
	}}}
	composed, err := e.Compose(g, plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"classLabel", "probabilities"}, composed.OutputNames())

	pkg, err := e.Serialize(composed,
		[]schema.IOField{{Name: "image", Type: schema.Float32, Shape: []int64{1, 3, 224, 224}}},
		[]schema.IOField{
			{Name: "classLabel", Type: schema.String},
			{Name: "probabilities", Type: schema.Dictionary},
		})
	require.NoError(t, err)
	require.Len(t, pkg.Quirks, 1)
	assert.Contains(t, pkg.Quirks[0], "probabilities")
}
