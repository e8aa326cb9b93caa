package analyzer

import (
	"fmt"
	"strings"
)

// NewDetector creates a detector based on the specified variant. A positive
// threshold overrides the variant's default.
func NewDetector(variant string, threshold float64) (Detector, error) {
	switch strings.ToLower(variant) {
	case "difference", "":
		d := NewDifferenceDetector()
		if threshold > 0 {
			d.Threshold = threshold
		}
		return d, nil
	case "edge":
		d := NewEdgeDetector()
		if threshold > 0 {
			d.Threshold = threshold
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown detector variant: %s", variant)
	}
}
