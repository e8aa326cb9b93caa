package analyzer

import (
	"image"
	"image/color"
	"math"
)

// EdgeDetector cuts on the edge change ratio: the share of edge pixels that
// appear or vanish between consecutive frames. It ignores global brightness
// shifts that fool DifferenceDetector.
type EdgeDetector struct {
	Threshold     float64
	MinScene      int
	EdgeThreshold float64 // Sobel gradient magnitude threshold
}

// NewEdgeDetector creates an edge-based detector with default settings.
func NewEdgeDetector() *EdgeDetector {
	return &EdgeDetector{
		Threshold:     0.5,
		MinScene:      1,
		EdgeThreshold: 30.0, // Moderate sensitivity
	}
}

func (d *EdgeDetector) Detect(frames []image.Image) ([]int, error) {
	return detect(frames, d.Threshold, d.MinScene, func(prev, cur *image.Gray) float64 {
		return edgeChangeRatio(
			sobelEdgeDetection(prev, d.EdgeThreshold),
			sobelEdgeDetection(cur, d.EdgeThreshold),
		)
	})
}

// edgeChangeRatio is max(entering, exiting): edge pixels of one frame with no
// edge of the other frame within a 5x5 neighbourhood, as a share of that
// frame's edges.
func edgeChangeRatio(prev, cur *image.Gray) float64 {
	dPrev := dilate(prev, 5, 1)
	dCur := dilate(cur, 5, 1)

	var nPrev, nCur, entering, exiting int
	for i := range prev.Pix {
		if cur.Pix[i] > 128 {
			nCur++
			if dPrev.Pix[i] <= 128 {
				entering++
			}
		}
		if prev.Pix[i] > 128 {
			nPrev++
			if dCur.Pix[i] <= 128 {
				exiting++
			}
		}
	}

	switch {
	case nPrev == 0 && nCur == 0:
		return 0
	case nPrev == 0 || nCur == 0:
		return 1
	}
	return math.Max(float64(entering)/float64(nCur), float64(exiting)/float64(nPrev))
}

// sobelEdgeDetection applies Sobel operator to detect edges
func sobelEdgeDetection(gray *image.Gray, threshold float64) *image.Gray {
	bounds := gray.Bounds()
	edges := image.NewGray(bounds)

	// Sobel kernels
	gx := [3][3]int{
		{-1, 0, 1},
		{-2, 0, 2},
		{-1, 0, 1},
	}
	gy := [3][3]int{
		{-1, -2, -1},
		{0, 0, 0},
		{1, 2, 1},
	}

	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			var sumX, sumY float64
			for ky := -1; ky <= 1; ky++ {
				for kx := -1; kx <= 1; kx++ {
					pixel := float64(gray.GrayAt(x+kx, y+ky).Y)
					sumX += pixel * float64(gx[ky+1][kx+1])
					sumY += pixel * float64(gy[ky+1][kx+1])
				}
			}

			if math.Sqrt(sumX*sumX+sumY*sumY) > threshold {
				edges.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	return edges
}

// dilate performs morphological dilation, clamping the kernel at the borders.
func dilate(img *image.Gray, kernelSize, iterations int) *image.Gray {
	bounds := img.Bounds()
	result := img
	half := kernelSize / 2

	for iter := 0; iter < iterations; iter++ {
		temp := image.NewGray(bounds)
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				maxVal := uint8(0)
				for ky := max(bounds.Min.Y, y-half); ky <= min(bounds.Max.Y-1, y+half); ky++ {
					for kx := max(bounds.Min.X, x-half); kx <= min(bounds.Max.X-1, x+half); kx++ {
						if v := result.GrayAt(kx, ky).Y; v > maxVal {
							maxVal = v
						}
					}
				}
				temp.SetGray(x, y, color.Gray{Y: maxVal})
			}
		}
		result = temp
	}

	return result
}
