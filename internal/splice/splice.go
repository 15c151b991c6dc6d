// Package splice drives one export end to end: capability lookup,
// modality resolution, parameter extraction, schema building, and the
// trace/compose/serialize calls into the conversion engine. It performs
// no numerical computation itself; its job is correct sequencing and
// parameter threading.
package splice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/forge-ml/forge/internal/engine"
	"github.com/forge-ml/forge/internal/hfconfig"
	"github.com/forge-ml/forge/internal/modality"
	"github.com/forge-ml/forge/internal/params"
	"github.com/forge-ml/forge/internal/registry"
	"github.com/forge-ml/forge/internal/schema"
	"github.com/forge-ml/forge/internal/task"
	"github.com/forge-ml/forge/internal/tokenizer"
)

// ManifestFileName is the schema manifest inside a package directory.
const ManifestFileName = "manifest.json"

// GraphFileName is the serialized graph inside a package directory.
const GraphFileName = "graph.zmf"

// EngineError wraps a failure raised by the conversion engine, annotated
// with the export context. Conversion failures reflect structural
// incompatibilities; they are not retryable.
type EngineError struct {
	Architecture string
	Task         task.Task
	Stage        string
	Err          error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("conversion engine failed at %s for %s/%s: %v",
		e.Stage, e.Architecture, e.Task, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Request describes one export.
type Request struct {
	// ModelDir holds the checkpoint: config.json, the traced graph,
	// and optionally preprocessor_config.json and tokenizer.json.
	ModelDir string

	// Architecture identifies the model family.
	Architecture string

	// Task is the export task.
	Task task.Task

	// OutputDir is where the package directory is created. It must not
	// already exist.
	OutputDir string

	// Arity is the text input count; 0 applies the default.
	Arity int

	// SequenceLength fixes the exported text sequence length; 0
	// applies the default.
	SequenceLength int

	// OutputNames overrides the model's output descriptor.
	OutputNames []string

	// UseSoftmax overrides the default softmax toggle when non-nil.
	UseSoftmax *bool
}

// Result is a completed export.
type Result struct {
	PackagePath string
	Schema      *schema.Schema
	Manifest    *Manifest
}

// Manifest is the package's schema manifest, written next to the
// serialized graph.
type Manifest struct {
	Architecture string        `json:"architecture"`
	Task         string        `json:"task"`
	Modality     string        `json:"modality"`
	Format       string        `json:"format"`
	Schema       schema.Schema `json:"schema"`
	Quirks       []string      `json:"quirks,omitempty"`
}

// Driver sequences the export pipeline. The registry and engine are
// injected so the policy layer can be exercised against fakes.
type Driver struct {
	registry *registry.Registry
	engine   engine.Engine
	builder  *schema.Builder
	log      logrus.FieldLogger
}

// NewDriver creates a driver over the given capability table and engine.
func NewDriver(reg *registry.Registry, eng engine.Engine, builder *schema.Builder, log logrus.FieldLogger) *Driver {
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		log = logger
	}
	return &Driver{registry: reg, engine: eng, builder: builder, log: log}
}

// Export runs the full pipeline for one request. The pipeline is
// synchronous; cancellation is honored between stages, since the engine
// offers no native cancellation hook.
func (d *Driver) Export(ctx context.Context, req Request) (*Result, error) {
	log := d.log.WithFields(logrus.Fields{
		"architecture": req.Architecture,
		"task":         req.Task,
	})

	cfg, err := d.registry.Lookup(req.Architecture, req.Task)
	if err != nil {
		return nil, err
	}

	resolved, err := modality.Resolve(req.Architecture)
	if err != nil {
		return nil, err
	}
	if resolved != cfg.Modality {
		return nil, fmt.Errorf("modality tables disagree for %q: registry says %s, resolver says %s",
			req.Architecture, cfg.Modality, resolved)
	}
	log.WithField("modality", resolved.String()).Debug("export configuration selected")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := d.buildExtractionInput(req, cfg)
	if err != nil {
		return nil, err
	}
	rp, err := params.Extract(*in)
	if err != nil {
		return nil, err
	}
	log.WithField("inputs", len(rp.Inputs)).Debug("parameters resolved")

	useSoftmax := cfg.UseSoftmax
	if req.UseSoftmax != nil {
		useSoftmax = *req.UseSoftmax
	}

	s, err := d.builder.Build(schema.BuildInput{
		Task:        cfg.Task,
		Modality:    cfg.Modality,
		Inputs:      rp.Inputs,
		Mean:        rp.Mean,
		Std:         rp.Std,
		SpatialSize: rp.SpatialSize,
		OutputNames: rp.OutputNames,
		ClassNames:  rp.ClassNames,
		UseSoftmax:  useSoftmax,
		Lossy:       rp.Lossy,
		Tokenizer:   d.tokenizerFacts(req.ModelDir, cfg),
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg, err := d.convert(ctx, req, cfg, s)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Architecture: req.Architecture,
		Task:         string(cfg.Task),
		Modality:     cfg.Modality.String(),
		Format:       pkg.Format,
		Schema:       *s,
		Quirks:       pkg.Quirks,
	}
	if err := writePackage(req.OutputDir, pkg.Data, manifest); err != nil {
		return nil, err
	}

	log.WithField("package", req.OutputDir).Info("export complete")
	return &Result{PackagePath: req.OutputDir, Schema: s, Manifest: manifest}, nil
}

// buildExtractionInput loads the checkpoint configuration files.
func (d *Driver) buildExtractionInput(req Request, cfg *registry.Config) (*params.Input, error) {
	model, err := hfconfig.LoadModelConfig(req.ModelDir)
	if err != nil {
		return nil, err
	}
	pp, err := hfconfig.LoadPreprocessor(req.ModelDir)
	if err != nil {
		return nil, err
	}

	return &params.Input{
		Architecture:   req.Architecture,
		Task:           cfg.Task,
		Modality:       cfg.Modality,
		Model:          model,
		Preprocessor:   pp,
		Arity:          req.Arity,
		SequenceLength: req.SequenceLength,
		OutputNames:    req.OutputNames,
	}, nil
}

// loadTiktoken resolves a tiktoken encoding into tokenizer metadata.
// Swappable for tests; the first real call may fetch BPE rank files.
var loadTiktoken = tokenizer.LoadTiktoken

// tokenizerFacts collects tokenizer metadata for text models: the
// checkpoint's tokenizer.json when present, else the tiktoken encoding
// known for BPE families that ship none. Failures here never block an
// export; the manifest carries the static encoding facts, or omits the
// tokenizer entirely.
func (d *Driver) tokenizerFacts(modelDir string, cfg *registry.Config) map[string]string {
	if cfg.Modality != modality.Text {
		return nil
	}

	meta, err := tokenizer.Load(modelDir)
	if err != nil {
		d.log.WithError(err).Warn("tokenizer.json unreadable, omitting tokenizer metadata")
		return nil
	}
	if meta == nil {
		if enc := tokenizer.EncodingForFamily(cfg.Family); enc != "" {
			meta, err = loadTiktoken(enc)
			if err != nil {
				d.log.WithError(err).Warn("tiktoken encoding unavailable, using static facts")
				meta = &tokenizer.Metadata{
					Type:      tokenizer.TypeBPE,
					VocabSize: tokenizer.VocabSizeForEncoding(enc),
					Source:    enc,
				}
			}
		}
	}
	return meta.Manifest()
}

// convert runs the engine stages, wrapping any failure with the export
// context.
func (d *Driver) convert(ctx context.Context, req Request, cfg *registry.Config, s *schema.Schema) (*engine.Package, error) {
	g, err := d.engine.Trace(ctx, req.ModelDir)
	if err != nil {
		return nil, &EngineError{Architecture: req.Architecture, Task: cfg.Task, Stage: "trace", Err: err}
	}

	composed, err := d.engine.Compose(g, s.Plan)
	if err != nil {
		return nil, &EngineError{Architecture: req.Architecture, Task: cfg.Task, Stage: "compose", Err: err}
	}

	pkg, err := d.engine.Serialize(composed, s.Inputs, s.Outputs)
	if err != nil {
		return nil, &EngineError{Architecture: req.Architecture, Task: cfg.Task, Stage: "serialize", Err: err}
	}
	return pkg, nil
}

// writePackage materializes the package directory atomically: contents
// are staged in a temp directory and renamed into place, so a partial
// or corrupt package is never visible at the output path.
func writePackage(outputDir string, graph []byte, manifest *Manifest) error {
	if _, err := os.Stat(outputDir); err == nil {
		return fmt.Errorf("output directory %s already exists", outputDir)
	}

	parent := filepath.Dir(outputDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create output parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, ".forge-staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := os.WriteFile(filepath.Join(staging, GraphFileName), graph, 0o644); err != nil {
		return fmt.Errorf("failed to write graph: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, ManifestFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(staging, outputDir); err != nil {
		return fmt.Errorf("failed to finalize package: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from a produced package directory.
func ReadManifest(packageDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(packageDir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest: %w", err)
	}
	return &m, nil
}
