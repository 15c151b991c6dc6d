// Package registry maps (architecture, task) pairs to export
// configurations. The table is immutable after construction and is
// passed by reference into every pipeline stage, keeping the pipeline
// testable in isolation.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forge-ml/forge/internal/modality"
	"github.com/forge-ml/forge/internal/task"
)

// UnsupportedTaskError reports a task not implemented for any
// architecture, covering both unknown task strings and tasks this layer
// deliberately rejects.
type UnsupportedTaskError struct {
	Task task.Task
}

func (e *UnsupportedTaskError) Error() string {
	if task.IsKnownUnsupported(e.Task) {
		return fmt.Sprintf("task %q is not supported by this export layer", e.Task)
	}
	return fmt.Sprintf("unknown task %q", e.Task)
}

// UnknownArchitectureError reports an architecture with no registered
// family.
type UnknownArchitectureError struct {
	Architecture string
}

func (e *UnknownArchitectureError) Error() string {
	return fmt.Sprintf("unknown architecture %q", e.Architecture)
}

// UnsupportedForArchitectureError reports a task that exists but is not
// registered for the given architecture.
type UnsupportedForArchitectureError struct {
	Architecture string
	Task         task.Task
}

func (e *UnsupportedForArchitectureError) Error() string {
	return fmt.Sprintf("task %q is not supported for architecture %q", e.Task, e.Architecture)
}

// Config is the export configuration selected for one (architecture,
// task) pair. It is immutable once the schema builder finalizes the
// derived schema.
type Config struct {
	// Architecture is the caller-supplied identifier.
	Architecture string

	// Family is the registered family the architecture matched.
	Family string

	// Task is the export task.
	Task task.Task

	// Modality selects which schema-derivation rules apply.
	Modality modality.Modality

	// UseSoftmax toggles the default softmax wrapper on logits for
	// non-classifier tasks.
	UseSoftmax bool
}

// family is one registered architecture family and its task set.
type family struct {
	name     string
	modality modality.Modality
	tasks    map[task.Task]bool
}

// Registry is the immutable capability table.
type Registry struct {
	families []family
}

// textTasks is the task set shared by encoder-style text families.
func textTasks(extra ...task.Task) []task.Task {
	base := []task.Task{
		task.Default,
		task.MaskedLM,
		task.SequenceClassification,
		task.TokenClassification,
		task.QuestionAnswering,
		task.MultipleChoice,
	}
	return append(base, extra...)
}

// New constructs the default capability table.
func New() *Registry {
	r := &Registry{}

	for _, name := range []string{
		"albert", "big_bird", "distilbert", "electra", "ernie",
		"roberta", "roformer", "squeezebert", "xlm-roberta",
	} {
		r.add(name, modality.Text, textTasks()...)
	}
	r.add("bert", modality.Text, textTasks(task.NextSentencePrediction)...)
	r.add("mobilebert", modality.Text, textTasks(task.NextSentencePrediction)...)
	r.add("gpt2", modality.Text,
		task.Default, task.SequenceClassification, task.TokenClassification)

	r.add("vit", modality.Vision, task.Default, task.ImageClassification, task.MaskedIm)
	r.add("deit", modality.Vision, task.Default, task.ImageClassification, task.MaskedIm)
	r.add("swin", modality.Vision, task.Default, task.ImageClassification, task.MaskedIm)
	r.add("beit", modality.Vision,
		task.Default, task.ImageClassification, task.MaskedIm, task.SemanticSegmentation)
	r.add("convnext", modality.Vision, task.Default, task.ImageClassification)
	r.add("cvt", modality.Vision, task.Default, task.ImageClassification)
	r.add("levit", modality.Vision, task.Default, task.ImageClassification)
	r.add("mobilevit", modality.Vision,
		task.Default, task.ImageClassification, task.SemanticSegmentation)
	r.add("segformer", modality.Vision,
		task.Default, task.ImageClassification, task.SemanticSegmentation)
	r.add("detr", modality.Vision, task.Default, task.ObjectDetection)
	r.add("yolos", modality.Vision, task.ObjectDetection)

	sort.Slice(r.families, func(i, j int) bool {
		return r.families[i].name < r.families[j].name
	})
	return r
}

func (r *Registry) add(name string, m modality.Modality, tasks ...task.Task) {
	set := make(map[task.Task]bool, len(tasks))
	for _, t := range tasks {
		set[t] = true
	}
	r.families = append(r.families, family{name: name, modality: m, tasks: set})
}

// Lookup selects the export configuration for an (architecture, task)
// pair. The three miss populations are distinguished deterministically:
// task unsupported anywhere, architecture unknown, then task unsupported
// for this architecture.
func (r *Registry) Lookup(architecture string, t task.Task) (*Config, error) {
	if !task.IsSupported(t) {
		return nil, &UnsupportedTaskError{Task: t}
	}

	fam := r.match(architecture)
	if fam == nil {
		return nil, &UnknownArchitectureError{Architecture: architecture}
	}
	if !fam.tasks[t] {
		return nil, &UnsupportedForArchitectureError{Architecture: architecture, Task: t}
	}

	return &Config{
		Architecture: architecture,
		Family:       fam.name,
		Task:         t,
		Modality:     fam.modality,
		UseSoftmax:   true,
	}, nil
}

// match finds the registered family with the longest prefix match on
// the lowercased architecture name.
func (r *Registry) match(architecture string) *family {
	name := strings.ToLower(strings.TrimSpace(architecture))

	var best *family
	bestLen := 0
	for i := range r.families {
		f := &r.families[i]
		if strings.HasPrefix(name, f.name) && len(f.name) > bestLen {
			best = f
			bestLen = len(f.name)
		}
	}
	return best
}

// Families returns the registered family names in sorted order.
func (r *Registry) Families() []string {
	out := make([]string, len(r.families))
	for i, f := range r.families {
		out[i] = f.name
	}
	return out
}

// Tasks returns the supported tasks for a family in the order reported
// by task.Supported, or nil for an unknown family.
func (r *Registry) Tasks(familyName string) []task.Task {
	for i := range r.families {
		if r.families[i].name != familyName {
			continue
		}
		var out []task.Task
		for _, t := range task.Supported() {
			if r.families[i].tasks[t] {
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}

// Pairs returns every supported (family, task) pair in deterministic
// order.
func (r *Registry) Pairs() [][2]string {
	var out [][2]string
	for _, f := range r.families {
		for _, t := range task.Supported() {
			if f.tasks[t] {
				out = append(out, [2]string{f.name, string(t)})
			}
		}
	}
	return out
}
