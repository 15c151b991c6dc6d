// Package tokenizer extracts metadata about a checkpoint's tokenizer for
// inclusion in the exported package manifest. Tokenization itself stays
// with the caller; the export layer only records what kind of tokenizer
// the model expects and its vocabulary facts.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Type identifies the tokenizer implementation family.
type Type string

const (
	// TypeBPE indicates Byte-Pair Encoding.
	TypeBPE Type = "BPE"

	// TypeWordPiece indicates WordPiece (BERT-style).
	TypeWordPiece Type = "WordPiece"

	// TypeUnigram indicates Unigram (SentencePiece-style).
	TypeUnigram Type = "Unigram"

	// TypeUnknown indicates an unrecognized tokenizer type.
	TypeUnknown Type = "Unknown"
)

// Metadata describes a checkpoint's tokenizer.
type Metadata struct {
	Type      Type
	VocabSize int
	HasBOS    bool
	HasEOS    bool
	HasPAD    bool
	HasUNK    bool

	// Source records where the metadata came from: "tokenizer.json" or
	// a tiktoken encoding name.
	Source string
}

// Manifest returns the metadata as manifest key/value pairs.
func (m *Metadata) Manifest() map[string]string {
	if m == nil {
		return nil
	}
	out := map[string]string{
		"type":   string(m.Type),
		"source": m.Source,
	}
	if m.VocabSize > 0 {
		out["vocab_size"] = strconv.Itoa(m.VocabSize)
	}
	return out
}

// Load reads tokenizer metadata from a model directory. A checkpoint
// with no tokenizer.json returns nil without error; callers may fall
// back to LoadTiktoken for known BPE families.
func Load(modelDir string) (*Metadata, error) {
	path := filepath.Join(modelDir, "tokenizer.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}
	return Parse(data)
}

// Parse decodes tokenizer.json content into metadata.
func Parse(data []byte) (*Metadata, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}

	m := &Metadata{Type: TypeUnknown, Source: "tokenizer.json"}

	if model, ok := raw["model"].(map[string]interface{}); ok {
		if tokType, ok := model["type"].(string); ok {
			switch tokType {
			case "BPE":
				m.Type = TypeBPE
			case "WordPiece":
				m.Type = TypeWordPiece
			case "Unigram":
				m.Type = TypeUnigram
			}
		}
		if vocab, ok := model["vocab"].(map[string]interface{}); ok {
			m.VocabSize = len(vocab)
		}
	}

	if addedTokens, ok := raw["added_tokens"].([]interface{}); ok {
		for _, tokenRaw := range addedTokens {
			token, ok := tokenRaw.(map[string]interface{})
			if !ok {
				continue
			}
			special, _ := token["special"].(bool)
			if !special {
				continue
			}
			content, _ := token["content"].(string)
			switch content {
			case "<s>", "[CLS]", "<|startoftext|>":
				m.HasBOS = true
			case "</s>", "[SEP]", "<|endoftext|>":
				m.HasEOS = true
			case "<pad>", "[PAD]":
				m.HasPAD = true
			case "<unk>", "[UNK]":
				m.HasUNK = true
			}
		}
	}

	return m, nil
}
