// Package validate compares reference model outputs against the outputs
// of an exported package under an absolute tolerance.
package validate

import (
	"math"
	"sort"
)

// OutputReport is the comparison result for one named output.
type OutputReport struct {
	Name string `json:"name"`

	// MaxAbsDiff is max(abs(reference - produced)) over all elements.
	MaxAbsDiff float64 `json:"max_abs_diff"`

	// RelativeError is MaxAbsDiff / max(abs(reference)). It is
	// reported for diagnosis but does not gate the pass flag.
	RelativeError float64 `json:"relative_error"`

	// Pass is true when the output exists on both sides with matching
	// length and MaxAbsDiff <= atol.
	Pass bool `json:"pass"`

	// Reason is set when the comparison failed for a structural
	// reason rather than a numeric one.
	Reason string `json:"reason,omitempty"`
}

// Report is the full comparison result.
type Report struct {
	Atol    float64        `json:"atol"`
	Outputs []OutputReport `json:"outputs"`
	Pass    bool           `json:"pass"`
}

// Compare checks every reference output against the produced outputs.
// Missing and unexpected outputs fail the report. Output order in the
// report is sorted by name for determinism.
func Compare(reference, produced map[string][]float32, atol float64) *Report {
	report := &Report{Atol: atol, Pass: true}

	names := make([]string, 0, len(reference))
	for name := range reference {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := reference[name]
		got, ok := produced[name]
		if !ok {
			report.Outputs = append(report.Outputs, OutputReport{
				Name: name, Reason: "missing from package outputs",
			})
			report.Pass = false
			continue
		}
		if len(got) != len(ref) {
			report.Outputs = append(report.Outputs, OutputReport{
				Name: name, Reason: "element count mismatch",
			})
			report.Pass = false
			continue
		}

		out := compareOne(name, ref, got, atol)
		if !out.Pass {
			report.Pass = false
		}
		report.Outputs = append(report.Outputs, out)
	}

	extras := make([]string, 0)
	for name := range produced {
		if _, ok := reference[name]; !ok {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		report.Outputs = append(report.Outputs, OutputReport{
			Name: name, Reason: "unexpected package output",
		})
		report.Pass = false
	}

	return report
}

func compareOne(name string, ref, got []float32, atol float64) OutputReport {
	maxDiff := 0.0
	maxRef := 0.0
	for i := range ref {
		diff := math.Abs(float64(ref[i]) - float64(got[i]))
		if diff > maxDiff {
			maxDiff = diff
		}
		if abs := math.Abs(float64(ref[i])); abs > maxRef {
			maxRef = abs
		}
	}

	rel := 0.0
	switch {
	case maxRef > 0:
		rel = maxDiff / maxRef
	case maxDiff > 0:
		rel = math.Inf(1)
	}

	return OutputReport{
		Name:          name,
		MaxAbsDiff:    maxDiff,
		RelativeError: rel,
		Pass:          maxDiff <= atol,
	}
}
