package schedule

import (
	"fmt"
	"math"
	"strings"
)

// Ease shapes a uniform fraction t in [0,1] into an eased one.
type Ease string

const (
	EaseLinear     Ease = "linear"
	EaseInOutCubic Ease = "ease-in-out-cubic"
	EaseInOutSine  Ease = "ease-in-out-sine"
)

// ParseEase validates a configured easing name. Empty means linear.
func ParseEase(name string) (Ease, error) {
	switch e := Ease(strings.ToLower(strings.TrimSpace(name))); e {
	case "", EaseLinear:
		return EaseLinear, nil
	case EaseInOutCubic, EaseInOutSine:
		return e, nil
	default:
		return "", fmt.Errorf("unknown easing: %s", name)
	}
}

// Apply maps t through the easing curve.
func (e Ease) Apply(t float64) float64 {
	switch e {
	case EaseInOutCubic:
		return easeInOutCubic(t)
	case EaseInOutSine:
		return -(math.Cos(math.Pi*t) - 1) / 2
	default:
		return t
	}
}

// lerp performs linear interpolation between a and b
func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - pow(-2*t+2, 3)/2
}

// pow calculates x^n
func pow(x float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= x
	}
	return result
}
