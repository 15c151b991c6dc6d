package hfconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Resample modes as used by preprocessor_config.json (PIL codes).
const (
	ResampleNearest  = 0
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

// Preprocessor holds the subset of preprocessor_config.json consumed by
// the exporter. Zero values mean "absent" for every field except the
// booleans, which track presence explicitly.
type Preprocessor struct {
	// Size is the resize target, 0 when absent. When the file declares
	// a dict size, the shortest edge or height is used.
	Size int

	// CropSize is the center-crop target, 0 when absent.
	CropSize int

	// DoCenterCrop reports whether center cropping is enabled.
	DoCenterCrop bool

	// ImageMean and ImageStd are per-channel normalization constants;
	// nil when the file does not declare them.
	ImageMean []float64
	ImageStd  []float64

	// Resample is the PIL resampling code, -1 when absent.
	Resample int
}

// rawPreprocessor mirrors the JSON layout. size and crop_size may be a
// bare number or an object, depending on the processor version that
// wrote the file.
type rawPreprocessor struct {
	Size         json.RawMessage `json:"size"`
	CropSize     json.RawMessage `json:"crop_size"`
	DoCenterCrop *bool           `json:"do_center_crop"`
	ImageMean    []float64       `json:"image_mean"`
	ImageStd     []float64       `json:"image_std"`
	Resample     *int            `json:"resample"`
}

// LoadPreprocessor reads preprocessor_config.json from a model directory.
// A missing file is not an error: text checkpoints have no preprocessor,
// and vision fallback rules handle absent fields. Returns nil when the
// file does not exist.
func LoadPreprocessor(modelDir string) (*Preprocessor, error) {
	path := filepath.Join(modelDir, "preprocessor_config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read preprocessor config: %w", err)
	}
	return ParsePreprocessor(data)
}

// ParsePreprocessor decodes preprocessor_config.json content.
func ParsePreprocessor(data []byte) (*Preprocessor, error) {
	var raw rawPreprocessor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse preprocessor config: %w", err)
	}

	p := &Preprocessor{Resample: -1}

	size, err := decodeSize(raw.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid size field: %w", err)
	}
	p.Size = size

	crop, err := decodeSize(raw.CropSize)
	if err != nil {
		return nil, fmt.Errorf("invalid crop_size field: %w", err)
	}
	p.CropSize = crop

	if raw.DoCenterCrop != nil {
		p.DoCenterCrop = *raw.DoCenterCrop
	}
	p.ImageMean = raw.ImageMean
	p.ImageStd = raw.ImageStd
	if raw.Resample != nil {
		p.Resample = *raw.Resample
	}

	return p, nil
}

// decodeSize accepts the two historical encodings of size fields: a bare
// number, or an object with height/width or shortest_edge keys.
func decodeSize(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(n), nil
	}

	var obj struct {
		Height       *float64 `json:"height"`
		Width        *float64 `json:"width"`
		ShortestEdge *float64 `json:"shortest_edge"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, err
	}
	switch {
	case obj.ShortestEdge != nil:
		return int(*obj.ShortestEdge), nil
	case obj.Height != nil:
		return int(*obj.Height), nil
	case obj.Width != nil:
		return int(*obj.Width), nil
	}
	return 0, nil
}
