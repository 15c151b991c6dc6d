// Package modality classifies model architectures as text or vision,
// selecting which schema-derivation rules apply downstream.
package modality

import (
	"fmt"
	"strings"
)

// Modality is the primary input kind of a model architecture.
type Modality int

const (
	// Unresolved is the zero value; it never appears in a finalized
	// export configuration.
	Unresolved Modality = iota

	// Text models consume token id sequences.
	Text

	// Vision models consume pixel tensors.
	Vision
)

// String returns the modality name.
func (m Modality) String() string {
	switch m {
	case Text:
		return "text"
	case Vision:
		return "vision"
	default:
		return "unresolved"
	}
}

// UnresolvedError reports an architecture whose modality could not be
// determined. A wrong default would produce a wrong schema, so this is
// fatal to the export.
type UnresolvedError struct {
	Architecture string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("cannot resolve modality for architecture %q", e.Architecture)
}

// families maps architecture family prefixes to their modality. Matching
// is by longest prefix after lowercasing, so "distilbert" wins over "bert"
// for "distilbert-base".
var families = map[string]Modality{
	"albert":      Text,
	"bert":        Text,
	"big_bird":    Text,
	"distilbert":  Text,
	"electra":     Text,
	"ernie":       Text,
	"gpt2":        Text,
	"mobilebert":  Text,
	"roberta":     Text,
	"roformer":    Text,
	"squeezebert": Text,
	"xlm-roberta": Text,

	"beit":       Vision,
	"convnext":   Vision,
	"cvt":        Vision,
	"deit":       Vision,
	"detr":       Vision,
	"levit":      Vision,
	"mobilevit":  Vision,
	"segformer":  Vision,
	"swin":       Vision,
	"vit":        Vision,
	"yolos":      Vision,
}

// visionMarkers are substrings that indicate a vision architecture even
// when the family is not in the table. An unlisted name carrying one of
// these must not silently default to text.
var visionMarkers = []string{"vit", "image", "seg", "detr", "yolo", "convnext"}

// Resolve returns the modality for an architecture identifier.
//
// Unlisted architectures default to text unless the name carries a
// vision marker, in which case they resolve to vision. Only blank
// identifiers are unresolvable.
func Resolve(architecture string) (Modality, error) {
	name := strings.ToLower(strings.TrimSpace(architecture))
	if name == "" {
		return Unresolved, &UnresolvedError{Architecture: architecture}
	}

	best := Unresolved
	bestLen := 0
	for family, m := range families {
		if strings.HasPrefix(name, family) && len(family) > bestLen {
			best = m
			bestLen = len(family)
		}
	}
	if best != Unresolved {
		return best, nil
	}

	for _, marker := range visionMarkers {
		if strings.Contains(name, marker) {
			return Vision, nil
		}
	}

	// Documented default: unlisted, marker-free architectures are text.
	return Text, nil
}
