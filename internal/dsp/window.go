package dsp

import "github.com/mjibson/go-dsp/window"

// Hann returns a Hann window of length n:
// w[i] = 0.5*(1 - cos(2*pi*i/(n-1))). A length one window is {1}.
// If n is zero or negative, an empty slice is returned.
func Hann(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	if n == 1 {
		return []float64{1}
	}
	return window.Hann(n)
}

// ApplyWindowInterleaved weights interleaved (re, im) samples with win and
// returns them as complex values. win holds one weight per complex sample;
// a length mismatch yields an empty slice.
func ApplyWindowInterleaved(iq []float32, win []float64) []complex128 {
	return applyWindowInto(nil, iq, win)
}

func applyWindowInto(dst []complex128, iq []float32, win []float64) []complex128 {
	n := len(iq) / 2
	if n != len(win) {
		return []complex128{}
	}
	if cap(dst) < n {
		dst = make([]complex128, n)
	}
	dst = dst[:n]
	for i := 0; i < n; i++ {
		w := win[i]
		dst[i] = complex(float64(iq[2*i])*w, float64(iq[2*i+1])*w)
	}
	return dst
}
