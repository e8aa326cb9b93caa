package audio

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// spectrogram holds STFT magnitudes indexed [frame][bin].
type spectrogram [][]float64

// stft computes magnitude frames of x with a periodic Hann window. Frames are
// not centered: frame k covers x[k*hop : k*hop+nfft].
func stft(x []float32, nfft, hop int) spectrogram {
	if len(x) < nfft {
		return nil
	}
	win := hann(nfft)
	fft := fourier.NewFFT(nfft)
	nFrames := 1 + (len(x)-nfft)/hop

	spec := make(spectrogram, nFrames)
	seq := make([]float64, nfft)
	coeffs := make([]complex128, nfft/2+1)
	for k := range spec {
		off := k * hop
		for i := range seq {
			seq[i] = float64(x[off+i])
		}
		win.Transform(seq)
		coeffs = fft.Coefficients(coeffs, seq)

		row := make([]float64, len(coeffs))
		for b, c := range coeffs {
			row[b] = cmplx.Abs(c)
		}
		spec[k] = row
	}
	return spec
}

// hann returns the periodic Hann window of length n: the symmetric window of
// length n+1 without its last point.
func hann(n int) window.Values {
	return window.NewValues(window.Hann, n+1)[:n]
}
