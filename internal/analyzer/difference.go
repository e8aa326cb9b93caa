package analyzer

import "image"

// DifferenceDetector cuts where the mean absolute luma difference between
// consecutive frames exceeds Threshold (fraction of full scale).
type DifferenceDetector struct {
	Threshold float64
	MinScene  int
}

// NewDifferenceDetector returns a detector tuned for hard cuts.
func NewDifferenceDetector() *DifferenceDetector {
	return &DifferenceDetector{Threshold: 0.3, MinScene: 1}
}

func (d *DifferenceDetector) Detect(frames []image.Image) ([]int, error) {
	return detect(frames, d.Threshold, d.MinScene, meanAbsDiff)
}

func meanAbsDiff(prev, cur *image.Gray) float64 {
	var sum int
	for i, p := range prev.Pix {
		c := cur.Pix[i]
		if p > c {
			sum += int(p - c)
		} else {
			sum += int(c - p)
		}
	}
	if len(prev.Pix) == 0 {
		return 0
	}
	return float64(sum) / float64(len(prev.Pix)) / 255
}
