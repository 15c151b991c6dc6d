package splice

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/forge-ml/forge/internal/engine"
	"github.com/forge-ml/forge/internal/registry"
	"github.com/forge-ml/forge/internal/schema"
	"github.com/forge-ml/forge/internal/task"
	"github.com/forge-ml/forge/internal/tokenizer"
)

func testDriver() *Driver {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewDriver(
		registry.New(),
		engine.NewZMF("forge", "test"),
		schema.NewBuilder("forge", "test"),
		logger,
	)
}

// writeCheckpoint lays out a minimal model directory: config.json, an
// optional preprocessor config, and a traced one-node graph.
func writeCheckpoint(t *testing.T, dir, configJSON, preprocessorJSON string, graphInputs, graphOutputs []string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0o600))
	if preprocessorJSON != "" {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "preprocessor_config.json"), []byte(preprocessorJSON), 0o600))
	}

	infos := func(names []string) []*zmf.ValueInfo {
		out := make([]*zmf.ValueInfo, len(names))
		for i, n := range names {
			out[i] = &zmf.ValueInfo{Name: n}
		}
		return out
	}
	model := &zmf.Model{Graph: &zmf.Graph{
		Nodes: []*zmf.Node{{
			Name: "body", OpType: "Module",
			Inputs: graphInputs, Outputs: graphOutputs,
			Attributes: map[string]*zmf.Attribute{},
		}},
		Parameters: map[string]*zmf.Tensor{},
		Inputs:     infos(graphInputs),
		Outputs:    infos(graphOutputs),
	}}
	data, err := proto.Marshal(model)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, engine.GraphFileName), data, 0o600))
}

const vitConfig = `{
	"model_type": "vit",
	"image_size": 224,
	"patch_size": 16,
	"id2label": {"0": "cat", "1": "dog"}
}`

const vitPreprocessor = `{
	"size": 256,
	"crop_size": 224,
	"do_center_crop": true,
	"image_mean": [0.5, 0.5, 0.5],
	"image_std": [0.5, 0.5, 0.5]
}`

func TestExportImageClassification(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, vitConfig, vitPreprocessor, []string{"image"}, []string{"logits"})
	outDir := filepath.Join(t.TempDir(), "vit.forge")

	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "vit-base-patch16-224",
		Task:         task.ImageClassification,
		OutputDir:    outDir,
	})
	require.NoError(t, err)
	assert.Equal(t, outDir, res.PackagePath)

	// Both package files exist.
	_, err = os.Stat(filepath.Join(outDir, GraphFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, ManifestFileName))
	require.NoError(t, err)

	m, err := ReadManifest(outDir)
	require.NoError(t, err)
	assert.Equal(t, "vision", m.Modality)
	assert.Equal(t, "image-classification", m.Task)
	require.Len(t, m.Schema.Outputs, 2)
	assert.Equal(t, "classLabel", m.Schema.Outputs[0].Name)
	assert.Equal(t, "probabilities", m.Schema.Outputs[1].Name)

	// Classifier exports carry the known duplicate-probabilities quirk.
	require.Len(t, m.Quirks, 1)
	assert.Contains(t, m.Quirks[0], "probabilities")

	// The serialized graph declares the composed I/O.
	data, err := os.ReadFile(filepath.Join(outDir, GraphFileName))
	require.NoError(t, err)
	var decoded zmf.Model
	require.NoError(t, proto.Unmarshal(data, &decoded))
	require.Len(t, decoded.Graph.Inputs, 1)
	assert.Equal(t, "image", decoded.Graph.Inputs[0].Name)
	assert.Equal(t, []int64{1, 3, 224, 224}, decoded.Graph.Inputs[0].Shape)
}

func TestExportTextClassification(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir,
		`{"model_type": "bert", "max_position_embeddings": 512}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})
	outDir := filepath.Join(t.TempDir(), "bert.forge")

	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.SequenceClassification,
		OutputDir:    outDir,
		Arity:        2,
	})
	require.NoError(t, err)

	require.Len(t, res.Schema.Inputs, 2)
	assert.Equal(t, "input_ids", res.Schema.Inputs[0].Name)
	require.Len(t, res.Schema.Outputs, 1)
	assert.Equal(t, "probabilities", res.Schema.Outputs[0].Name)
	assert.Empty(t, res.Manifest.Quirks)
}

func TestExportSoftmaxDisabled(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "bert"}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})
	outDir := filepath.Join(t.TempDir(), "bert.forge")

	useSoftmax := false
	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.SequenceClassification,
		OutputDir:    outDir,
		UseSoftmax:   &useSoftmax,
	})
	require.NoError(t, err)
	require.Len(t, res.Schema.Outputs, 1)
	assert.Equal(t, "logits", res.Schema.Outputs[0].Name)
}

func TestExportTokenizerMetadata(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "bert"}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})
	tokenizerJSON := `{"model": {"type": "WordPiece", "vocab": {"[CLS]": 0, "hello": 1}}}`
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "tokenizer.json"), []byte(tokenizerJSON), 0o600))
	outDir := filepath.Join(t.TempDir(), "bert.forge")

	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.SequenceClassification,
		OutputDir:    outDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "WordPiece", res.Schema.Metadata.Tokenizer["type"])
	assert.Equal(t, "2", res.Schema.Metadata.Tokenizer["vocab_size"])
}

// stubTiktoken replaces the tiktoken loader for one test so no rank
// files are fetched.
func stubTiktoken(t *testing.T, fn func(string) (*tokenizer.Metadata, error)) {
	t.Helper()
	orig := loadTiktoken
	loadTiktoken = fn
	t.Cleanup(func() { loadTiktoken = orig })
}

func TestExportTiktokenMetadata(t *testing.T) {
	var requested string
	stubTiktoken(t, func(enc string) (*tokenizer.Metadata, error) {
		requested = enc
		return &tokenizer.Metadata{
			Type:      tokenizer.TypeBPE,
			VocabSize: 50257,
			HasEOS:    true,
			Source:    enc,
		}, nil
	})

	// gpt2 checkpoints ship vocab files, never a tokenizer.json.
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "gpt2"}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})

	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "gpt2",
		Task:         task.SequenceClassification,
		OutputDir:    filepath.Join(t.TempDir(), "gpt2.forge"),
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt2", requested)
	assert.Equal(t, "BPE", res.Schema.Metadata.Tokenizer["type"])
	assert.Equal(t, "gpt2", res.Schema.Metadata.Tokenizer["source"])
	assert.Equal(t, "50257", res.Schema.Metadata.Tokenizer["vocab_size"])
}

func TestExportTiktokenUnavailable(t *testing.T) {
	stubTiktoken(t, func(string) (*tokenizer.Metadata, error) {
		return nil, fmt.Errorf("rank file fetch failed")
	})

	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "gpt2"}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})

	res, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "gpt2",
		Task:         task.SequenceClassification,
		OutputDir:    filepath.Join(t.TempDir(), "gpt2.forge"),
	})
	require.NoError(t, err)

	// The export still carries the static encoding facts.
	assert.Equal(t, "BPE", res.Schema.Metadata.Tokenizer["type"])
	assert.Equal(t, "gpt2", res.Schema.Metadata.Tokenizer["source"])
	assert.Equal(t, "50257", res.Schema.Metadata.Tokenizer["vocab_size"])
}

func TestExportRegistryErrorsPassThrough(t *testing.T) {
	_, err := testDriver().Export(context.Background(), Request{
		ModelDir:     t.TempDir(),
		Architecture: "bert-base-uncased",
		Task:         task.CausalLM,
		OutputDir:    filepath.Join(t.TempDir(), "out"),
	})
	var ut *registry.UnsupportedTaskError
	require.ErrorAs(t, err, &ut)
}

func TestExportEngineFailureWrapped(t *testing.T) {
	// Checkpoint without a traced graph: the trace stage fails.
	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "config.json"),
		[]byte(`{"model_type": "bert"}`), 0o600))
	outDir := filepath.Join(t.TempDir(), "out")

	_, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.MaskedLM,
		OutputDir:    outDir,
	})
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "trace", ee.Stage)
	assert.Equal(t, task.MaskedLM, ee.Task)

	// No partial package may be left behind.
	_, statErr := os.Stat(outDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExportRefusesExistingOutput(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "bert"}`, "",
		[]string{"input_ids", "attention_mask"}, []string{"logits"})
	outDir := t.TempDir() // already exists

	_, err := testDriver().Export(context.Background(), Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.MaskedLM,
		OutputDir:    outDir,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestExportCanceledContext(t *testing.T) {
	modelDir := t.TempDir()
	writeCheckpoint(t, modelDir, `{"model_type": "bert"}`, "",
		[]string{"input_ids"}, []string{"logits"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testDriver().Export(ctx, Request{
		ModelDir:     modelDir,
		Architecture: "bert-base-uncased",
		Task:         task.MaskedLM,
		OutputDir:    filepath.Join(t.TempDir(), "out"),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// The registry's documented pairs must survive lookup plus modality
// resolution plus parameter extraction without errors when given the
// documented default configurations.
func TestAllPairsExtractable(t *testing.T) {
	stubTiktoken(t, func(enc string) (*tokenizer.Metadata, error) {
		return nil, fmt.Errorf("offline")
	})

	r := registry.New()
	for _, pair := range r.Pairs() {
		family, tk := pair[0], task.Task(pair[1])

		modelDir := t.TempDir()
		writeCheckpoint(t, modelDir,
			`{
				"model_type": "`+family+`",
				"image_size": 224,
				"patch_size": 16,
				"max_position_embeddings": 512,
				"id2label": {"0": "a", "1": "b"}
			}`,
			`{
				"size": 256, "crop_size": 224, "do_center_crop": true,
				"image_mean": [0.5, 0.5, 0.5], "image_std": [0.5, 0.5, 0.5]
			}`,
			[]string{"image", "bool_masked_pos", "input_ids", "attention_mask", "token_type_ids"},
			[]string{"logits"})

		outDir := filepath.Join(t.TempDir(), "out")
		_, err := testDriver().Export(context.Background(), Request{
			ModelDir:     modelDir,
			Architecture: family,
			Task:         tk,
			OutputDir:    outDir,
		})
		require.NoError(t, err, "family=%s task=%s", family, tk)
	}
}
