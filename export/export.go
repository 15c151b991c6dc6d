// Package export provides the public API for converting models into
// self-contained inference packages.
//
// This package wraps the internal export pipeline and provides a clean
// entry point for the common conversion flow.
//
// Example usage:
//
//	import "github.com/forge-ml/forge/export"
//
//	result, err := export.Export(ctx, export.Request{
//	    ModelDir:     "models/vit-base",
//	    Architecture: "vit",
//	    Task:         "image-classification",
//	    Output:       "out/vit-base.forge",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(result.PackagePath)
package export

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/forge-ml/forge/internal/engine"
	"github.com/forge-ml/forge/internal/registry"
	"github.com/forge-ml/forge/internal/schema"
	"github.com/forge-ml/forge/internal/splice"
	"github.com/forge-ml/forge/internal/task"
)

// Producer identity stamped into exported packages.
const (
	Name    = "forge"
	Version = "0.1.0"
)

// Request describes one model conversion.
type Request struct {
	// ModelDir is the directory holding the source model and its
	// config.json / preprocessor_config.json / tokenizer.json files.
	ModelDir string

	// Architecture is the model architecture name, e.g. "bert" or
	// "vit-base-patch16-224".
	Architecture string

	// Task selects the inference task, e.g. "image-classification".
	Task string

	// Output is the package directory to create. It must not exist.
	Output string

	// Arity overrides the number of text inputs (1 to 3). Zero uses
	// the architecture default.
	Arity int

	// SequenceLength overrides the text sequence length. Zero uses
	// the default, capped by the model's max position embeddings.
	SequenceLength int

	// OutputNames overrides the traced output names when the source
	// model does not declare them.
	OutputNames []string

	// Softmax forces the trailing softmax on or off. Nil keeps the
	// per-task default.
	Softmax *bool

	// Log receives progress output. Nil logs to stderr.
	Log logrus.FieldLogger
}

// Result is the outcome of a successful conversion.
type Result = splice.Result

// Manifest describes an exported package.
type Manifest = splice.Manifest

// Schema describes the package's inputs, outputs, and wrapper plan.
type Schema = schema.Schema

// Export converts the model in req.ModelDir into an inference package
// at req.Output.
func Export(ctx context.Context, req Request) (*Result, error) {
	driver := splice.NewDriver(
		registry.New(),
		engine.NewZMF(Name, Version),
		schema.NewBuilder(Name, Version),
		req.Log,
	)
	return driver.Export(ctx, splice.Request{
		ModelDir:       req.ModelDir,
		Architecture:   req.Architecture,
		Task:           task.Task(req.Task),
		OutputDir:      req.Output,
		Arity:          req.Arity,
		SequenceLength: req.SequenceLength,
		OutputNames:    req.OutputNames,
		UseSoftmax:     req.Softmax,
	})
}

// ReadManifest loads the manifest of a previously exported package.
func ReadManifest(packageDir string) (*Manifest, error) {
	return splice.ReadManifest(packageDir)
}

// SupportedTasks lists every task the exporter recognizes.
func SupportedTasks() []string {
	tasks := task.Supported()
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = string(t)
	}
	return names
}

// SupportedPairs lists every architecture/task pair the exporter
// accepts, as "family task" rows sorted by family.
func SupportedPairs() [][2]string {
	return registry.New().Pairs()
}
