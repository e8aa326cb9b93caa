// Package analyzer finds scene boundaries in a frame sequence so prompts can
// be synced to the cuts of a guiding video.
package analyzer

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// Detector reports the first frame index of every scene. The result always
// starts with 0 and is strictly increasing.
type Detector interface {
	Detect(frames []image.Image) ([]int, error)
}

// analysisWidth is the width frames are reduced to before comparison.
const analysisWidth = 128

// pairScorer scores the change between two consecutive frames in [0,1].
type pairScorer func(prev, cur *image.Gray) float64

// detect runs score over consecutive frames and cuts where it exceeds
// threshold, keeping scenes at least minLen frames long.
func detect(frames []image.Image, threshold float64, minLen int, score pairScorer) ([]int, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to analyze")
	}
	if minLen < 1 {
		minLen = 1
	}

	boundaries := []int{0}
	prev := toGrayscale(frames[0])
	for i := 1; i < len(frames); i++ {
		cur := toGrayscale(frames[i])
		if cur.Rect != prev.Rect {
			return nil, fmt.Errorf("frame %d size %v differs from %v", i, frames[i].Bounds().Size(), frames[i-1].Bounds().Size())
		}
		if score(prev, cur) > threshold && i-boundaries[len(boundaries)-1] >= minLen {
			boundaries = append(boundaries, i)
		}
		prev = cur
	}
	return boundaries, nil
}

// toGrayscale reduces img to an analysisWidth-wide luma plane.
func toGrayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > analysisWidth {
		h = max(1, h*analysisWidth/w)
		w = analysisWidth
	}
	gray := image.NewGray(image.Rect(0, 0, w, h))
	if w == b.Dx() {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				gray.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
			}
		}
		return gray
	}
	draw.ApproxBiLinear.Scale(gray, gray.Rect, img, b, draw.Src, nil)
	return gray
}
