package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// encodingGPT2 is the encoding used by GPT-2 checkpoints, which
	// ship vocab files instead of a tokenizer.json.
	encodingGPT2 = "gpt2"
	// encodingR50kBase is the encoding for older GPT-3 models.
	encodingR50kBase = "r50k_base"
	// encodingP50kBase is the encoding for GPT-3 and Codex.
	encodingP50kBase = "p50k_base"
	// encodingCL100kBase is the encoding for GPT-4 and GPT-3.5-turbo.
	encodingCL100kBase = "cl100k_base"
)

// encodingVocabSizes maps known tiktoken encodings to their vocabulary
// size; tiktoken-go does not expose this directly.
var encodingVocabSizes = map[string]int{
	encodingGPT2:       50257,
	encodingR50kBase:   50257,
	encodingP50kBase:   50281,
	encodingCL100kBase: 100277,
}

// encodingForFamily maps architecture families to the tiktoken encoding
// their checkpoints use when no tokenizer.json ships with the model.
var encodingForFamily = map[string]string{
	"gpt2": encodingGPT2,
}

// VocabSizeForEncoding returns the vocabulary size of a known tiktoken
// encoding, or 0 for an unknown one.
func VocabSizeForEncoding(name string) int {
	return encodingVocabSizes[name]
}

// EncodingForFamily returns the tiktoken encoding name for an
// architecture family, or "" when the family has no known encoding.
func EncodingForFamily(family string) string {
	return encodingForFamily[family]
}

// LoadTiktoken builds tokenizer metadata from a tiktoken encoding. It
// loads the encoding to confirm the ranks are resolvable, so the first
// call may fetch the BPE rank file.
func LoadTiktoken(encodingName string) (*Metadata, error) {
	if _, err := tiktoken.GetEncoding(encodingName); err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}

	return &Metadata{
		Type:      TypeBPE,
		VocabSize: VocabSizeForEncoding(encodingName),
		HasEOS:    true, // <|endoftext|>
		Source:    encodingName,
	}, nil
}
