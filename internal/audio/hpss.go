package audio

import (
	"math"
	"slices"
)

// hpss applies soft harmonic/percussive masks to spec and returns the
// requested component. Harmonic energy is smooth across time, percussive
// energy is smooth across frequency; each is estimated with a median filter
// of width kernel along its axis.
func hpss(spec spectrogram, comp Component, kernel int, margin float64) spectrogram {
	if comp == Both || len(spec) == 0 {
		return spec
	}

	harm := medianAcrossTime(spec, kernel)
	perc := medianAcrossFreq(spec, kernel)

	out := make(spectrogram, len(spec))
	for t, row := range spec {
		o := make([]float64, len(row))
		for f, v := range row {
			var m float64
			if comp == Percussive {
				m = softMask(perc[t][f], margin*harm[t][f])
			} else {
				m = softMask(harm[t][f], margin*perc[t][f])
			}
			o[f] = v * m
		}
		out[t] = o
	}
	return out
}

// softMask is the Wiener-style ratio x^2 / (x^2 + ref^2), zero where both
// inputs vanish.
func softMask(x, ref float64) float64 {
	z := math.Max(x, ref)
	if z < 1e-30 {
		return 0
	}
	a := (x / z) * (x / z)
	b := (ref / z) * (ref / z)
	return a / (a + b)
}

func medianAcrossTime(spec spectrogram, width int) spectrogram {
	nT, nF := len(spec), len(spec[0])
	out := newSpectrogram(nT, nF)
	col := make([]float64, nT)
	for f := 0; f < nF; f++ {
		for t := 0; t < nT; t++ {
			col[t] = spec[t][f]
		}
		filtered := medianFilter(col, width)
		for t := 0; t < nT; t++ {
			out[t][f] = filtered[t]
		}
	}
	return out
}

func medianAcrossFreq(spec spectrogram, width int) spectrogram {
	out := make(spectrogram, len(spec))
	for t, row := range spec {
		out[t] = medianFilter(row, width)
	}
	return out
}

// medianFilter is a centered running median. Windows are truncated at the
// edges rather than padded.
func medianFilter(x []float64, width int) []float64 {
	half := width / 2
	out := make([]float64, len(x))
	win := make([]float64, 0, width)
	for i := range x {
		lo := max(0, i-half)
		hi := min(len(x), i+half+1)
		win = append(win[:0], x[lo:hi]...)
		slices.Sort(win)
		n := len(win)
		if n%2 == 1 {
			out[i] = win[n/2]
		} else {
			out[i] = (win[n/2-1] + win[n/2]) / 2
		}
	}
	return out
}

func newSpectrogram(nT, nF int) spectrogram {
	s := make(spectrogram, nT)
	for t := range s {
		s[t] = make([]float64, nF)
	}
	return s
}
