package tensor

import (
	"math"

	"github.com/ivlev/giffusion/internal/types"
)

// DotThreshold is the cosine above which two tensors count as parallel and
// slerp degrades to a straight blend.
const DotThreshold = 0.9995

// Slerp walks the great-circle arc from v0 to v1 at fraction t. Near-parallel,
// near-antiparallel and zero-norm inputs are blended linearly instead.
func Slerp(t float64, v0, v1 *Tensor) (*Tensor, error) {
	if !v0.SameShape(v1) {
		return nil, types.Errorf(types.ErrShapeMismatch, "slerp of %s and %s", v0, v1)
	}

	var dot, n0, n1 float64
	for i := range v0.Data {
		a, b := float64(v0.Data[i]), float64(v1.Data[i])
		dot += a * b
		n0 += a * a
		n1 += b * b
	}
	if n0 == 0 || n1 == 0 {
		return lerp(t, v0, v1), nil
	}
	cos := dot / (math.Sqrt(n0) * math.Sqrt(n1))
	if math.Abs(cos) > DotThreshold {
		return lerp(t, v0, v1), nil
	}

	theta0 := math.Acos(cos)
	sinTheta0 := math.Sin(theta0)
	thetaT := theta0 * t
	s0 := math.Sin(theta0-thetaT) / sinTheta0
	s1 := math.Sin(thetaT) / sinTheta0

	out := New(v0.Shape...)
	for i := range out.Data {
		out.Data[i] = float32(s0*float64(v0.Data[i]) + s1*float64(v1.Data[i]))
	}
	return out, nil
}

// Lerp blends v0 and v1 linearly.
func Lerp(t float64, v0, v1 *Tensor) (*Tensor, error) {
	if !v0.SameShape(v1) {
		return nil, types.Errorf(types.ErrShapeMismatch, "lerp of %s and %s", v0, v1)
	}
	return lerp(t, v0, v1), nil
}

func lerp(t float64, v0, v1 *Tensor) *Tensor {
	out := New(v0.Shape...)
	for i := range out.Data {
		a, b := float64(v0.Data[i]), float64(v1.Data[i])
		out.Data[i] = float32((1-t)*a + t*b)
	}
	return out
}
