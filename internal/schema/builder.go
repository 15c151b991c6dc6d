package schema

import (
	"fmt"
	"strings"

	"github.com/forge-ml/forge/internal/modality"
	"github.com/forge-ml/forge/internal/task"
)

// BuildInput carries everything the builder needs: the selected task and
// modality, the graph-side inputs with their original dtypes, and the
// parameters resolved from the feature extractor and model config.
type BuildInput struct {
	Task     task.Task
	Modality modality.Modality

	// Inputs are the base graph's inputs in positional order, declared
	// with the dtype the graph expects.
	Inputs []IOField

	// Mean and Std are the resolved normalization constants. Set for
	// every vision export, including the 1/255 fallback case.
	Mean []float64
	Std  []float64

	// SpatialSize is the vision input resolution (height == width).
	SpatialSize int

	// OutputNames are the base graph's outputs in declared order,
	// already truncated by any task-specific output selection.
	OutputNames []string

	// ClassNames is the ordered label list from the model config, nil
	// when the config has no label map.
	ClassNames []string

	// UseSoftmax toggles the default softmax wrapper on logits for
	// non-classifier tasks.
	UseSoftmax bool

	// Lossy lists intentional accuracy-affecting substitutions made
	// during parameter resolution.
	Lossy []string

	// Tokenizer carries optional tokenizer facts for the manifest.
	Tokenizer map[string]string
}

// Builder derives the external schema and wrapper plan for one export.
// Identical inputs always produce an identical schema; the splice driver
// relies on that when re-deriving a plan.
type Builder struct {
	producerName    string
	producerVersion string
}

// NewBuilder creates a schema builder stamping the given producer tags
// into package metadata.
func NewBuilder(producerName, producerVersion string) *Builder {
	return &Builder{producerName: producerName, producerVersion: producerVersion}
}

// Build derives the declared I/O fields and the wrapper operation plan.
func (b *Builder) Build(in BuildInput) (*Schema, error) {
	if in.Modality == modality.Unresolved {
		return nil, fmt.Errorf("schema build requires a resolved modality")
	}
	if len(in.OutputNames) == 0 {
		return nil, fmt.Errorf("schema build requires at least one model output for task %s", in.Task)
	}

	s := &Schema{}
	b.buildInputs(in, s)

	var err error
	switch {
	case task.IsClassifier(in.Task):
		err = b.buildClassifierOutputs(in, s)
	case in.Task == task.ObjectDetection:
		b.buildDetectionOutputs(in, s)
	case task.IsPerPixel(in.Task):
		err = b.buildPerPixelOutputs(in, s)
	default:
		b.buildTensorOutputs(in, s)
	}
	if err != nil {
		return nil, err
	}

	// Metadata is attached last and never alters the functional schema.
	b.injectMetadata(in, s)
	return s, nil
}

// buildInputs declares the external inputs, prepending normalization for
// vision pixel inputs and dtype casts for coerced inputs. Per input the
// splice order is normalization first, then cast.
func (b *Builder) buildInputs(in BuildInput, s *Schema) {
	s.Inputs = make([]IOField, 0, len(in.Inputs))
	for _, f := range in.Inputs {
		declared := f

		if in.Modality == modality.Vision && f.Role == RolePixels {
			s.Plan.Pre = append(s.Plan.Pre, WrapperOp{
				Kind:  OpNormalize,
				Stage: PreInput,
				Field: f.Name,
				Mean:  in.Mean,
				Std:   in.Std,
			})
		}

		if f.Type.NeedsCoercion() {
			s.Plan.Pre = append(s.Plan.Pre, WrapperOp{
				Kind:  OpCast,
				Stage: PreInput,
				Field: f.Name,
				From:  Int32,
				To:    f.Type,
			})
			declared.Type = Int32
		}

		s.Inputs = append(s.Inputs, declared)
	}
}

// buildClassifierOutputs maps a single-winning-class task onto the
// package format's native classifier contract: a class-label output plus
// a probability dictionary keyed by class name. Raw logits never appear.
func (b *Builder) buildClassifierOutputs(in BuildInput, s *Schema) error {
	if len(in.ClassNames) == 0 {
		return fmt.Errorf("task %s uses the classifier contract but the model config has no label map", in.Task)
	}

	source := in.OutputNames[0]
	s.Plan.Post = append(s.Plan.Post, WrapperOp{
		Kind:       OpClassifier,
		Stage:      PostOutput,
		Field:      source,
		ClassNames: in.ClassNames,
		Rename:     "probabilities",
	})

	s.Outputs = []IOField{
		{Name: "classLabel", Role: RoleClassLabel, Type: String},
		{Name: "probabilities", Role: RoleProbabilities, Type: Dictionary},
	}
	return nil
}

// buildDetectionOutputs fixes the schema to {logits, boxes}. Decoding
// into final box coordinates is out of scope, so no output wrapper is
// inserted.
func (b *Builder) buildDetectionOutputs(in BuildInput, s *Schema) {
	for _, name := range in.OutputNames {
		s.Outputs = append(s.Outputs, IOField{
			Name: name,
			Role: roleForOutput(name),
			Type: Float32,
		})
	}
}

// buildPerPixelOutputs appends upsample and argmax after logits,
// collapsing per-pixel class scores into a single class-index map at the
// input resolution. Softmax is skipped: argmax is invariant under it.
func (b *Builder) buildPerPixelOutputs(in BuildInput, s *Schema) error {
	if in.SpatialSize <= 0 {
		return fmt.Errorf("per-pixel task %s requires a resolved input spatial size", in.Task)
	}

	source := in.OutputNames[0]
	s.Plan.Post = append(s.Plan.Post,
		WrapperOp{
			Kind:       OpUpsample,
			Stage:      PostOutput,
			Field:      source,
			TargetSize: [2]int{in.SpatialSize, in.SpatialSize},
		},
		WrapperOp{
			Kind:   OpArgmax,
			Stage:  PostOutput,
			Field:  source,
			Axis:   1,
			Rename: "classPredictions",
		},
	)

	s.Outputs = []IOField{{
		Name:  "classPredictions",
		Role:  RoleClassIndexMap,
		Type:  Int32,
		Shape: []int64{1, int64(in.SpatialSize), int64(in.SpatialSize)},
	}}
	return nil
}

// buildTensorOutputs passes model outputs through, attaching the default
// softmax wrapper to a logits output when enabled.
func (b *Builder) buildTensorOutputs(in BuildInput, s *Schema) {
	for _, name := range in.OutputNames {
		if name == "logits" && in.UseSoftmax {
			s.Plan.Post = append(s.Plan.Post, WrapperOp{
				Kind:   OpSoftmax,
				Stage:  PostOutput,
				Field:  name,
				Axis:   -1,
				Rename: "probabilities",
			})
			s.Outputs = append(s.Outputs, IOField{
				Name: "probabilities",
				Role: RoleProbabilities,
				Type: Float32,
			})
			continue
		}
		s.Outputs = append(s.Outputs, IOField{
			Name: name,
			Role: roleForOutput(name),
			Type: Float32,
		})
	}
}

// injectMetadata attaches descriptions, class-name metadata for
// non-classifier tasks, lossy-substitution notes, and producer tags.
func (b *Builder) injectMetadata(in BuildInput, s *Schema) {
	for i := range s.Inputs {
		s.Inputs[i].Description = describeField(s.Inputs[i])
	}
	for i := range s.Outputs {
		s.Outputs[i].Description = describeField(s.Outputs[i])
	}

	// The target format has no native non-classifier label concept, so
	// metadata is the only channel for class names on these tasks.
	if !task.IsClassifier(in.Task) && len(in.ClassNames) > 0 {
		s.Metadata.ClassNames = append([]string(nil), in.ClassNames...)
	}
	s.Metadata.LossyTransformations = append([]string(nil), in.Lossy...)
	if len(in.Tokenizer) > 0 {
		s.Metadata.Tokenizer = make(map[string]string, len(in.Tokenizer))
		for k, v := range in.Tokenizer {
			s.Metadata.Tokenizer[k] = v
		}
	}
	s.Metadata.ProducerName = b.producerName
	s.Metadata.ProducerVersion = b.producerVersion
}

// roleForOutput infers a field role from a base graph output name.
func roleForOutput(name string) Role {
	switch {
	case name == "boxes" || strings.HasSuffix(name, "_boxes"):
		return RoleBoxes
	case strings.Contains(name, "logits"):
		return RoleLogits
	default:
		return RoleHiddenState
	}
}

// describeField produces the human-readable description shown by model
// previewers.
func describeField(f IOField) string {
	switch f.Role {
	case RolePixels:
		return "Input image, normalized per the embedded preprocessing"
	case RoleTokenIDs:
		return "Sequence of token ids"
	case RoleAttentionMask:
		return "Attention mask (1 for real tokens, 0 for padding)"
	case RoleTokenTypeIDs:
		return "Token type (segment) ids"
	case RoleMaskedPos:
		return "Boolean mask of patch positions to reconstruct"
	case RoleLogits:
		return "Raw model scores"
	case RoleProbabilities:
		return "Probability distribution over classes"
	case RoleClassLabel:
		return "Most likely class"
	case RoleClassIndexMap:
		return "Predicted class index per pixel"
	case RoleBoxes:
		return "Predicted bounding boxes (center x, center y, width, height)"
	case RoleHiddenState:
		return "Last hidden state of the model"
	default:
		return ""
	}
}
