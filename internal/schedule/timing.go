package schedule

import (
	"fmt"

	"github.com/ivlev/giffusion/internal/types"
)

// Timing produces the interpolation fractions for the keyframe pair
// (start, end): end-start+1 non-decreasing values from 0 to 1.
type Timing interface {
	Fractions(start, end int) ([]float64, error)
}

// CurveSource yields a cumulative, normalized onset-energy curve for a slice
// of the audio track given in seconds. audio.Extractor implements it.
type CurveSource interface {
	Curve(startSec, endSec float64) ([]float64, error)
}

// Uniform spaces fractions evenly.
type Uniform struct{}

func (Uniform) Fractions(start, end int) ([]float64, error) {
	n, err := pairLen(start, end)
	if err != nil {
		return nil, err
	}
	return Linspace(0, 1, n), nil
}

// Eased spaces fractions along an easing curve, so motion accelerates out of
// one keyframe and settles into the next.
type Eased struct {
	Curve Ease
}

func (e Eased) Fractions(start, end int) ([]float64, error) {
	n, err := pairLen(start, end)
	if err != nil {
		return nil, err
	}
	out := Linspace(0, 1, n)
	for i, t := range out {
		out[i] = e.Curve.Apply(t)
	}
	return finalize(out), nil
}

// AudioReactive retimes a pair by the audio between its two keyframes: the
// fraction advances quickly where onset energy is high and slowly in quiet
// stretches.
type AudioReactive struct {
	Curves CurveSource
	FPS    float64
}

func (a AudioReactive) Fractions(start, end int) ([]float64, error) {
	n, err := pairLen(start, end)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return []float64{0}, nil
	}
	if a.FPS <= 0 {
		return nil, fmt.Errorf("audio timing needs a positive fps, got %v", a.FPS)
	}

	curve, err := a.Curves.Curve(float64(start)/a.FPS, float64(end)/a.FPS)
	if err != nil {
		return nil, err
	}
	if len(curve) == 0 {
		return nil, types.Errorf(types.ErrInsufficientAudio, "empty onset curve for frames %d-%d", start, end)
	}
	return finalize(Resample(curve, n)), nil
}

// Resample stretches curve to n points by linear interpolation over the
// curve's own x-domain [0, len(curve)].
func Resample(curve []float64, n int) []float64 {
	l := float64(len(curve))
	xs := Linspace(0, l, len(curve))
	return Interp(Linspace(0, l, n), xs, curve)
}

// Linspace returns n evenly spaced values over [lo, hi], both inclusive.
func Linspace(lo, hi float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + step*float64(i)
	}
	out[n-1] = hi
	return out
}

// Interp evaluates the piecewise-linear function through (xs, ys) at each
// query point. xs must be increasing; queries outside are clamped to the ends.
func Interp(query, xs, ys []float64) []float64 {
	out := make([]float64, len(query))
	if len(xs) == 0 {
		return out
	}
	j := 0
	for i, q := range query {
		switch {
		case q <= xs[0]:
			out[i] = ys[0]
		case q >= xs[len(xs)-1]:
			out[i] = ys[len(ys)-1]
		default:
			for j+1 < len(xs)-1 && xs[j+1] < q {
				j++
			}
			for j > 0 && xs[j] > q {
				j--
			}
			t := (q - xs[j]) / (xs[j+1] - xs[j])
			out[i] = lerp(ys[j], ys[j+1], t)
		}
	}
	return out
}

func pairLen(start, end int) (int, error) {
	if start < 0 || end < start {
		return 0, types.Errorf(types.ErrMalformedSchedule, "invalid keyframe pair %d-%d", start, end)
	}
	return end - start + 1, nil
}

// finalize pins the endpoints to exactly 0 and 1 and removes any
// floating-point dips so the sequence is non-decreasing within [0,1].
func finalize(fr []float64) []float64 {
	if len(fr) == 0 {
		return fr
	}
	fr[0] = 0
	if len(fr) > 1 {
		fr[len(fr)-1] = 1
	}
	for i := 1; i < len(fr); i++ {
		if fr[i] < fr[i-1] {
			fr[i] = fr[i-1]
		}
		if fr[i] > 1 {
			fr[i] = 1
		}
	}
	return fr
}
