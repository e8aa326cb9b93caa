// Package audio turns a decoded track into the cumulative onset-energy curves
// that drive audio-reactive timing.
package audio

import (
	"fmt"
	"math"
	"strings"
)

// Signal is mono PCM audio.
type Signal struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the signal length in seconds.
func (s *Signal) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// Slice returns the samples between startSec and endSec, clamped to the
// signal. The result shares memory with s.
func (s *Signal) Slice(startSec, endSec float64) []float32 {
	sr := float64(s.SampleRate)
	lo := clampIndex(int(math.Round(startSec*sr)), len(s.Samples))
	hi := clampIndex(int(math.Round(endSec*sr)), len(s.Samples))
	if hi < lo {
		return nil
	}
	return s.Samples[lo:hi]
}

func clampIndex(i, n int) int {
	return max(0, min(i, n))
}

// Component selects which part of a harmonic/percussive separation drives
// the onset curve.
type Component string

const (
	Both       Component = "both"
	Percussive Component = "percussive"
	Harmonic   Component = "harmonic"
)

// ParseComponent validates a configured component name. Empty means both.
func ParseComponent(name string) (Component, error) {
	switch c := Component(strings.ToLower(strings.TrimSpace(name))); c {
	case "", Both:
		return Both, nil
	case Percussive, Harmonic:
		return c, nil
	default:
		return "", fmt.Errorf("unknown audio component: %s", name)
	}
}
