// Package params resolves the concrete numeric parameters an export
// needs — input sizes, normalization constants, dtypes, input arity and
// output selection — from the feature extractor and model configuration,
// applying the documented fallback heuristics when a property is absent.
package params

import (
	"fmt"

	"github.com/forge-ml/forge/internal/hfconfig"
	"github.com/forge-ml/forge/internal/modality"
	"github.com/forge-ml/forge/internal/schema"
	"github.com/forge-ml/forge/internal/task"
)

// Defaults applied when the request leaves a knob unset.
const (
	// DefaultSequenceLength is the fixed text sequence length exported
	// when the caller does not choose one.
	DefaultSequenceLength = 128

	// DefaultArity is the tokenizer input arity assumed for text models:
	// token ids plus attention mask.
	DefaultArity = 2
)

// Interpolation modes recorded on resolved parameters.
const (
	InterpNearest  = "nearest"
	InterpBilinear = "bilinear"
)

// MissingParameterError reports a required property that is absent with
// no fallback available.
type MissingParameterError struct {
	Property     string
	Architecture string
	Task         task.Task
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q for %s/%s", e.Property, e.Architecture, e.Task)
}

// AmbiguousOutputCountError reports a declared model output count the
// extraction heuristics cannot interpret.
type AmbiguousOutputCountError struct {
	Architecture string
	Task         task.Task
	Count        int
	Expected     int
}

func (e *AmbiguousOutputCountError) Error() string {
	return fmt.Sprintf("model for %s/%s declares %d outputs, heuristics expect %d",
		e.Architecture, e.Task, e.Count, e.Expected)
}

// Input is everything extraction reads. Preprocessor may be nil (text
// checkpoints, or vision checkpoints relying on model-config fallbacks).
type Input struct {
	Architecture string
	Task         task.Task
	Modality     modality.Modality

	Model        *hfconfig.ModelConfig
	Preprocessor *hfconfig.Preprocessor

	// Arity is the text input count (1..3); 0 means DefaultArity.
	Arity int

	// SequenceLength is the fixed exported sequence length; 0 means
	// DefaultSequenceLength, capped by max_position_embeddings.
	SequenceLength int

	// OutputNames overrides the per-task default output descriptor.
	OutputNames []string
}

// Resolved is the extraction result consumed by the schema builder.
type Resolved struct {
	// Inputs are the base graph inputs in positional order, declared
	// with the dtype the graph expects.
	Inputs []schema.IOField

	// Mean and Std are per-channel normalization constants; set for
	// every vision export.
	Mean []float64
	Std  []float64

	// SpatialSize is the vision input resolution.
	SpatialSize int

	// Interpolation is the resolved resize mode.
	Interpolation string

	// OutputNames is the output descriptor after task-specific
	// selection.
	OutputNames []string

	// ClassNames is the ordered label list, nil without a label map.
	ClassNames []string

	// Lossy records intentional accuracy-affecting substitutions.
	Lossy []string
}

// Extract resolves all export parameters for one (model, task) pair.
func Extract(in Input) (*Resolved, error) {
	if in.Model == nil {
		return nil, &MissingParameterError{Property: "model config", Architecture: in.Architecture, Task: in.Task}
	}

	r := &Resolved{ClassNames: in.Model.ClassNames()}

	var err error
	switch in.Modality {
	case modality.Vision:
		err = extractVision(in, r)
	case modality.Text:
		err = extractText(in, r)
	default:
		err = fmt.Errorf("extraction requires a resolved modality for %s/%s", in.Architecture, in.Task)
	}
	if err != nil {
		return nil, err
	}

	if err := resolveOutputs(in, r); err != nil {
		return nil, err
	}
	return r, nil
}

// extractVision applies the vision fallback chains: crop_size (with
// center crop enabled) then size then the model config's image_size for
// the spatial resolution; image_mean/image_std then the 1/255 raw-pixel
// scale for normalization; bicubic resize downgraded to bilinear.
func extractVision(in Input, r *Resolved) error {
	pp := in.Preprocessor
	if pp == nil {
		pp = &hfconfig.Preprocessor{Resample: -1}
	}

	switch {
	case pp.DoCenterCrop && pp.CropSize > 0:
		r.SpatialSize = pp.CropSize
	case pp.Size > 0:
		r.SpatialSize = pp.Size
	case in.Model.ImageSize > 0:
		r.SpatialSize = in.Model.ImageSize
	default:
		return &MissingParameterError{Property: "size", Architecture: in.Architecture, Task: in.Task}
	}

	if len(pp.ImageMean) > 0 && len(pp.ImageStd) > 0 {
		r.Mean = append([]float64(nil), pp.ImageMean...)
		r.Std = append([]float64(nil), pp.ImageStd...)
	} else {
		// Raw pixel values scaled to the unit range, nothing else.
		r.Mean = []float64{0, 0, 0}
		r.Std = []float64{1.0 / 255.0, 1.0 / 255.0, 1.0 / 255.0}
	}

	switch pp.Resample {
	case hfconfig.ResampleNearest:
		r.Interpolation = InterpNearest
	case hfconfig.ResampleBicubic:
		// The target format has no bicubic resize.
		r.Interpolation = InterpBilinear
		r.Lossy = append(r.Lossy, "resize interpolation downgraded from bicubic to bilinear")
	default:
		r.Interpolation = InterpBilinear
	}

	size := int64(r.SpatialSize)
	r.Inputs = []schema.IOField{{
		Name:  "image",
		Role:  schema.RolePixels,
		Type:  schema.Float32,
		Shape: []int64{1, 3, size, size},
	}}

	if in.Task == task.MaskedIm {
		if in.Model.PatchSize <= 0 {
			return &MissingParameterError{Property: "patch_size", Architecture: in.Architecture, Task: in.Task}
		}
		patches := int64(r.SpatialSize/in.Model.PatchSize) * int64(r.SpatialSize/in.Model.PatchSize)
		r.Inputs = append(r.Inputs, schema.IOField{
			Name:  "bool_masked_pos",
			Role:  schema.RoleMaskedPos,
			Type:  schema.Bool,
			Shape: []int64{1, patches},
		})
	}

	if task.IsClassifier(in.Task) && len(r.ClassNames) == 0 {
		return &MissingParameterError{Property: "id2label", Architecture: in.Architecture, Task: in.Task}
	}
	return nil
}

// extractText applies the positional arity contract: one input is token
// ids only, two adds the attention mask, three adds token type ids. The
// contract is declared, never introspected from the tokenizer.
func extractText(in Input, r *Resolved) error {
	arity := in.Arity
	if arity == 0 {
		arity = DefaultArity
	}
	if arity < 1 || arity > 3 {
		return fmt.Errorf("unsupported tokenizer arity %d for %s/%s: must be 1, 2 or 3",
			arity, in.Architecture, in.Task)
	}

	seqLen := in.SequenceLength
	if seqLen <= 0 {
		seqLen = DefaultSequenceLength
	}
	if max := in.Model.MaxPositionEmbeddings; max > 0 && seqLen > max {
		seqLen = max
	}

	shape := []int64{1, int64(seqLen)}
	fields := []schema.IOField{
		{Name: "input_ids", Role: schema.RoleTokenIDs, Type: schema.Int32, Shape: shape},
		{Name: "attention_mask", Role: schema.RoleAttentionMask, Type: schema.Int32, Shape: shape},
		{Name: "token_type_ids", Role: schema.RoleTokenTypeIDs, Type: schema.Int32, Shape: shape},
	}
	r.Inputs = fields[:arity]
	return nil
}

// resolveOutputs fills the output descriptor, applying the masked-im
// first-output selection heuristic. Dropped outputs are recorded as a
// lossy substitution; a model declaring no outputs at all cannot be
// interpreted.
func resolveOutputs(in Input, r *Resolved) error {
	names := in.OutputNames
	if len(names) == 0 {
		names = defaultOutputs(in.Task)
	}

	count := len(names)
	if in.Model.NumOutputs != nil {
		count = *in.Model.NumOutputs
	}
	if count <= 0 || len(names) == 0 {
		return &AmbiguousOutputCountError{Architecture: in.Architecture, Task: in.Task, Count: count, Expected: len(defaultOutputs(in.Task))}
	}

	if in.Task == task.MaskedIm && count > 1 {
		// Heuristic: the first output is the prediction; the rest
		// (typically the loss) are dropped from the exported schema.
		names = names[:1]
		r.Lossy = append(r.Lossy, fmt.Sprintf("masked-im: kept first of %d model outputs", count))
	} else if count != len(names) {
		return &AmbiguousOutputCountError{Architecture: in.Architecture, Task: in.Task, Count: count, Expected: len(names)}
	}

	r.OutputNames = append([]string(nil), names...)
	return nil
}

// defaultOutputs is the per-task output descriptor used when the model
// config declares nothing.
func defaultOutputs(t task.Task) []string {
	switch t {
	case task.Default:
		return []string{"last_hidden_state"}
	case task.QuestionAnswering:
		return []string{"start_logits", "end_logits"}
	case task.ObjectDetection:
		return []string{"logits", "boxes"}
	default:
		return []string{"logits"}
	}
}
