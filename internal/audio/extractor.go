package audio

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ivlev/giffusion/internal/types"
)

const (
	DefaultNFFT      = 2048
	DefaultHopLength = 512
	DefaultKernel    = 31
	DefaultMargin    = 1.0
)

// Extractor computes onset-energy curves over slices of a signal. It
// satisfies schedule.CurveSource.
type Extractor struct {
	Signal    *Signal
	Component Component
	NFFT      int
	HopLength int
	Kernel    int
	Margin    float64

	logger *zap.Logger
}

// NewExtractor returns an extractor with the default analysis parameters.
func NewExtractor(sig *Signal, comp Component, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		Signal:    sig,
		Component: comp,
		NFFT:      DefaultNFFT,
		HopLength: DefaultHopLength,
		Kernel:    DefaultKernel,
		Margin:    DefaultMargin,
		logger:    logger.With(zap.String("component", "audio")),
	}
}

// Curve returns the cumulative onset curve for [startSec, endSec]: one value
// per analysis frame, non-decreasing, ending at 1.
func (e *Extractor) Curve(startSec, endSec float64) ([]float64, error) {
	if e.Signal == nil || e.Signal.SampleRate <= 0 {
		return nil, fmt.Errorf("extractor has no signal")
	}
	if e.NFFT < 2 || e.HopLength <= 0 {
		return nil, fmt.Errorf("invalid analysis window: nfft=%d hop=%d", e.NFFT, e.HopLength)
	}

	x := e.Signal.Slice(startSec, endSec)
	if len(x) < e.NFFT {
		return nil, types.Errorf(types.ErrInsufficientAudio,
			"slice %.3fs-%.3fs has %d samples, need at least %d", startSec, endSec, len(x), e.NFFT)
	}

	spec := stft(x, e.NFFT, e.HopLength)
	spec = hpss(spec, e.Component, e.Kernel, e.Margin)
	curve := cumulative(onsetStrength(spec))

	e.logger.Debug("onset curve",
		zap.Float64("start_sec", startSec),
		zap.Float64("end_sec", endSec),
		zap.Int("frames", len(curve)),
		zap.String("source", string(e.Component)))
	return curve, nil
}
