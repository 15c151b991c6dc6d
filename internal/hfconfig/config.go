// Package hfconfig reads the HuggingFace-style JSON configuration files
// that accompany a model checkpoint: config.json for the model itself and
// preprocessor_config.json for the feature extractor. The package only
// extracts the fields the export pipeline needs; everything else in the
// files is ignored.
package hfconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// ModelConfig holds the subset of config.json consumed by the exporter.
type ModelConfig struct {
	// ModelType is the architecture family ("bert", "vit", ...).
	ModelType string

	// Architectures lists the concrete model class names, if present.
	Architectures []string

	// ID2Label maps class ids to class names. Keys are strings in the
	// source JSON.
	ID2Label map[string]string

	// ImageSize is the configured input resolution, 0 when absent.
	ImageSize int

	// PatchSize is the vision-transformer patch size, 0 when absent.
	PatchSize int

	// MaxPositionEmbeddings bounds the usable sequence length, 0 when
	// absent.
	MaxPositionEmbeddings int

	// NumOutputs is the declared output count, nil when the config does
	// not declare one. A declared zero is kept as zero so callers can
	// reject it instead of applying the per-task default.
	NumOutputs *int
}

// rawModelConfig mirrors the JSON layout of config.json.
type rawModelConfig struct {
	ModelType             string            `json:"model_type"`
	Architectures         []string          `json:"architectures"`
	ID2Label              map[string]string `json:"id2label"`
	ImageSize             intOrZero         `json:"image_size"`
	PatchSize             intOrZero         `json:"patch_size"`
	MaxPositionEmbeddings intOrZero         `json:"max_position_embeddings"`
	NumOutputs            *intOrZero        `json:"num_outputs"`
}

// intOrZero decodes a JSON number that may be absent or fractional.
type intOrZero int

func (v *intOrZero) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = intOrZero(int(f))
	return nil
}

// LoadModelConfig reads config.json from a model directory.
func LoadModelConfig(modelDir string) (*ModelConfig, error) {
	path := filepath.Join(modelDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	return ParseModelConfig(data)
}

// ParseModelConfig decodes config.json content.
func ParseModelConfig(data []byte) (*ModelConfig, error) {
	var raw rawModelConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}

	cfg := &ModelConfig{
		ModelType:             raw.ModelType,
		Architectures:         raw.Architectures,
		ID2Label:              raw.ID2Label,
		ImageSize:             int(raw.ImageSize),
		PatchSize:             int(raw.PatchSize),
		MaxPositionEmbeddings: int(raw.MaxPositionEmbeddings),
	}
	if raw.NumOutputs != nil {
		n := int(*raw.NumOutputs)
		cfg.NumOutputs = &n
	}
	return cfg, nil
}

// ClassNames returns the label names ordered by numeric class id.
// Returns nil when the config carries no label map.
func (c *ModelConfig) ClassNames() []string {
	if len(c.ID2Label) == 0 {
		return nil
	}

	ids := make([]int, 0, len(c.ID2Label))
	byID := make(map[int]string, len(c.ID2Label))
	for key, name := range c.ID2Label {
		id, err := strconv.Atoi(key)
		if err != nil {
			// Non-numeric keys have no defined order; fall back to
			// lexicographic sorting over the raw keys.
			return c.classNamesLexicographic()
		}
		ids = append(ids, id)
		byID[id] = name
	}
	sort.Ints(ids)

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = byID[id]
	}
	return names
}

func (c *ModelConfig) classNamesLexicographic() []string {
	keys := make([]string, 0, len(c.ID2Label))
	for key := range c.ID2Label {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = c.ID2Label[key]
	}
	return names
}
