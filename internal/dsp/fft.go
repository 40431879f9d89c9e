package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// referenceOhms is the load the bin voltages are referred to.
const referenceOhms = 50.0

// FFTShift rotates data so the zero-frequency bin sits in the middle. The
// split point is len/2 (floor) and the second half comes first.
func FFTShift[T any](data []T) []T {
	return rotate(data, len(data)/2)
}

// IFFTShift undoes FFTShift for both even and odd lengths.
func IFFTShift[T any](data []T) []T {
	return rotate(data, len(data)-len(data)/2)
}

func rotate[T any](data []T, split int) []T {
	out := make([]T, len(data))
	n := copy(out, data[split:])
	copy(out[n:], data[:split])
	return out
}

// Transform computes the forward, unnormalised DFT of x.
func Transform(x []complex128) []complex128 {
	if len(x) == 0 {
		return []complex128{}
	}
	return fourier.NewCmplxFFT(len(x)).Coefficients(nil, x)
}

// PowerDBm converts one bin of an n point transform to dBm. |X|^2/n is
// taken as V^2 over a 50 ohm load; an empty bin is -Inf.
func PowerDBm(x complex128, n int) float64 {
	if n <= 0 {
		return math.Inf(-1)
	}
	mag := cmplx.Abs(x)
	uw := mag * mag / float64(n) / referenceOhms
	return 10*math.Log10(uw) - 30
}

// FrequencyAxis returns the centred frequency of each of n bins for a
// capture of the given bandwidth, in the bandwidth's unit.
func FrequencyAxis(n int, bandwidth float64) []float64 {
	return frequencyAxisInto(nil, n, bandwidth)
}

func frequencyAxisInto(dst []float64, n int, bandwidth float64) []float64 {
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	if n == 0 {
		return dst
	}
	step := bandwidth / float64(n)
	for i := range dst {
		dst[i] = float64(i)*step - bandwidth/2
	}
	return dst
}
