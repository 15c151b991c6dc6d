// Package task defines the fixed set of export task identifiers and their
// classification into supported, known-but-unsupported, classifier-eligible,
// and per-pixel groups.
package task

// Task identifies what the exported model is used for.
type Task string

// Supported export tasks.
const (
	Default                Task = "default"
	MaskedLM               Task = "masked-lm"
	SequenceClassification Task = "sequence-classification"
	TokenClassification    Task = "token-classification"
	QuestionAnswering      Task = "question-answering"
	MultipleChoice         Task = "multiple-choice"
	MaskedIm               Task = "masked-im"
	ImageClassification    Task = "image-classification"
	NextSentencePrediction Task = "next-sentence-prediction"
	SemanticSegmentation   Task = "semantic-segmentation"
	ObjectDetection        Task = "object-detection"
)

// Known tasks that this export layer deliberately does not handle.
const (
	CausalLM          Task = "causal-lm"
	Seq2SeqLM         Task = "seq2seq-lm"
	ImageSegmentation Task = "image-segmentation"
)

// supported lists every task the export layer can build a schema for,
// in the order they are reported by Supported().
var supported = []Task{
	Default,
	MaskedLM,
	SequenceClassification,
	TokenClassification,
	QuestionAnswering,
	MultipleChoice,
	MaskedIm,
	ImageClassification,
	NextSentencePrediction,
	SemanticSegmentation,
	ObjectDetection,
}

// unsupported lists tasks that exist elsewhere in the ecosystem but are
// explicitly out of scope here. Lookup failures for these must be
// distinguishable from unknown task strings.
var unsupported = map[Task]bool{
	CausalLM:          true,
	Seq2SeqLM:         true,
	ImageSegmentation: true,
}

// classifier lists tasks that map onto the package format's native
// single-winning-class contract (label output plus a per-class-name
// probability dictionary). Text classification heads stay on the tensor
// path with a softmax wrapper instead; they frequently ship without a
// usable label map.
var classifier = map[Task]bool{
	ImageClassification: true,
}

// perPixel lists tasks whose class prediction is made per pixel rather
// than per example.
var perPixel = map[Task]bool{
	SemanticSegmentation: true,
}

// Supported returns all supported tasks in a stable order.
func Supported() []Task {
	out := make([]Task, len(supported))
	copy(out, supported)
	return out
}

// IsSupported reports whether t is handled by the export layer.
func IsSupported(t Task) bool {
	for _, s := range supported {
		if s == t {
			return true
		}
	}
	return false
}

// IsKnownUnsupported reports whether t is a recognized task that the
// export layer deliberately rejects.
func IsKnownUnsupported(t Task) bool {
	return unsupported[t]
}

// IsClassifier reports whether t uses the native classifier contract.
func IsClassifier(t Task) bool {
	return classifier[t]
}

// IsPerPixel reports whether t predicts a class per pixel.
func IsPerPixel(t Task) bool {
	return perPixel[t]
}

// String returns the task identifier.
func (t Task) String() string {
	return string(t)
}
