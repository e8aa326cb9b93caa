package audio

import "math"

const (
	amin  = 1e-10
	topDB = 80.0
)

// onsetStrength is the mean positive spectral flux of the log-power
// spectrogram with lag 1. The first frame has no predecessor and is 0.
func onsetStrength(spec spectrogram) []float64 {
	if len(spec) == 0 {
		return nil
	}
	db := powerToDB(spec)
	env := make([]float64, len(db))
	for t := 1; t < len(db); t++ {
		sum := 0.0
		for f := range db[t] {
			if d := db[t][f] - db[t-1][f]; d > 0 {
				sum += d
			}
		}
		env[t] = sum / float64(len(db[t]))
	}
	return env
}

// powerToDB converts magnitudes to decibels of power relative to the loudest
// bin, floored topDB below it.
func powerToDB(spec spectrogram) spectrogram {
	peak := 0.0
	for _, row := range spec {
		for _, v := range row {
			peak = math.Max(peak, v*v)
		}
	}
	ref := 10 * math.Log10(math.Max(amin, peak))

	out := make(spectrogram, len(spec))
	for t, row := range spec {
		o := make([]float64, len(row))
		for f, v := range row {
			o[f] = math.Max(10*math.Log10(math.Max(amin, v*v))-ref, -topDB)
		}
		out[t] = o
	}
	return out
}

// cumulative normalizes env by its peak, accumulates it and divides by the
// total so the curve rises monotonically to 1. A flat envelope yields a
// linear ramp.
func cumulative(env []float64) []float64 {
	peak := 0.0
	for _, v := range env {
		peak = math.Max(peak, v)
	}

	out := make([]float64, len(env))
	if peak <= 0 {
		for i := range out {
			out[i] = float64(i+1) / float64(len(out))
		}
		return out
	}

	sum := 0.0
	for i, v := range env {
		sum += v / peak
		out[i] = sum
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
