// Package schema models the external I/O contract of an exported model
// package and derives it from a resolved export configuration. The
// declarative types here (IOField, WrapperOp, Plan) are what the graph
// splice driver hands to the conversion engine.
package schema

import (
	"encoding/json"
	"fmt"
)

// DType is the numeric type of a declared tensor field.
type DType int

// Declared field types.
const (
	Float32 DType = iota
	Float64
	Int32
	Int64
	Bool
	String
	// Dictionary is a string-keyed probability map, used only by the
	// native classifier contract.
	Dictionary
)

// String returns the type name used in manifests.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Dictionary:
		return "dictionary"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// MarshalJSON emits the type name, matching the manifest format.
func (d DType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a type name back from a manifest.
func (d *DType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, candidate := range []DType{Float32, Float64, Int32, Int64, Bool, String, Dictionary} {
		if candidate.String() == name {
			*d = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown dtype %q", name)
}

// NeedsCoercion reports whether the target format cannot declare this
// type natively on an input. Boolean and 64-bit integer tensors are
// declared as int32 externally with a cast spliced after the input.
func (d DType) NeedsCoercion() bool {
	return d == Bool || d == Int64
}

// Role describes the semantic meaning of a declared field.
type Role string

// Field roles.
const (
	RolePixels        Role = "pixel input"
	RoleTokenIDs      Role = "token ids"
	RoleAttentionMask Role = "attention mask"
	RoleTokenTypeIDs  Role = "token type ids"
	RoleMaskedPos     Role = "masked patch positions"
	RoleLogits        Role = "logits"
	RoleHiddenState   Role = "hidden state"
	RoleProbabilities Role = "probabilities"
	RoleClassLabel    Role = "class label"
	RoleClassIndexMap Role = "per-pixel class index"
	RoleBoxes         Role = "bounding boxes"
)

// IOField is one declared external input or output of the exported
// package. Input order is semantically meaningful; outputs are emitted
// in a fixed order for determinism.
type IOField struct {
	Name        string  `json:"name"`
	Role        Role    `json:"role"`
	Type        DType   `json:"type"`
	Shape       []int64 `json:"shape,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Stage is the insertion point of a wrapper operation relative to the
// base model graph.
type Stage int

const (
	// PreInput operations run between a declared input and the graph.
	PreInput Stage = iota
	// PostOutput operations run between the graph and a declared output.
	PostOutput
)

// OpKind identifies a wrapper operation.
type OpKind string

// Wrapper operation kinds.
const (
	OpNormalize  OpKind = "normalize"
	OpCast       OpKind = "cast"
	OpSoftmax    OpKind = "softmax"
	OpUpsample   OpKind = "upsample"
	OpArgmax     OpKind = "argmax"
	OpClassifier OpKind = "classifier"
)

// WrapperOp is one convenience operation spliced around the base graph.
// Only the parameter fields relevant to its kind are set.
type WrapperOp struct {
	Kind  OpKind `json:"kind"`
	Stage Stage  `json:"-"`

	// Field names the declared input or output this op attaches to.
	Field string `json:"field"`

	// Normalization parameters (OpNormalize).
	Mean []float64 `json:"mean,omitempty"`
	Std  []float64 `json:"std,omitempty"`

	// Cast parameters (OpCast): the external declared type and the
	// type the base graph expects.
	From DType `json:"from,omitempty"`
	To   DType `json:"to,omitempty"`

	// Axis for OpSoftmax and OpArgmax. Negative values index from the
	// trailing dimension.
	Axis int `json:"axis,omitempty"`

	// Target spatial size for OpUpsample, height then width.
	TargetSize [2]int `json:"target_size,omitempty"`

	// ClassNames for OpClassifier.
	ClassNames []string `json:"class_names,omitempty"`

	// Rename is the declared name of the op's result when it replaces
	// the field it attaches to (softmax renames logits to
	// probabilities, argmax to the class index output).
	Rename string `json:"rename,omitempty"`
}

// Plan is the ordered set of wrapper operations for one export.
// Pre ops are applied in declared-input order, post ops in declared-
// output order; within one field the listed order is the splice order.
type Plan struct {
	Pre  []WrapperOp `json:"pre"`
	Post []WrapperOp `json:"post"`
}

// IsEmpty reports whether the plan carries no operations at all, i.e.
// the exported package is a bare wrapper around the traced graph.
func (p *Plan) IsEmpty() bool {
	return len(p.Pre) == 0 && len(p.Post) == 0
}

// Metadata is the non-functional information attached to the package.
// It never alters the functional schema.
type Metadata struct {
	// ClassNames carries label names for tasks that predict classes
	// without using the native classifier contract. Consumers read it
	// via engine-specific introspection.
	ClassNames []string `json:"class_names,omitempty"`

	// LossyTransformations records intentional accuracy-affecting
	// substitutions (bicubic resize downgraded to bilinear, dropped
	// secondary outputs) so they are discoverable downstream.
	LossyTransformations []string `json:"lossy_transformations,omitempty"`

	// Tokenizer carries optional tokenizer facts for text models.
	Tokenizer map[string]string `json:"tokenizer,omitempty"`

	// Producer tags.
	ProducerName    string `json:"producer_name"`
	ProducerVersion string `json:"producer_version"`
}

// Schema is the finalized external contract of one exported package.
type Schema struct {
	Inputs   []IOField `json:"inputs"`
	Outputs  []IOField `json:"outputs"`
	Plan     Plan      `json:"plan"`
	Metadata Metadata  `json:"metadata"`
}
