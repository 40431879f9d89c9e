package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Spectrum is the power spectrum of one antenna channel.
type Spectrum struct {
	FrequencyMHz []float64
	PowerDBm     []float64
}

// Len is the number of bins.
func (s Spectrum) Len() int { return len(s.PowerDBm) }

func (s Spectrum) clone() Spectrum {
	return Spectrum{
		FrequencyMHz: append([]float64(nil), s.FrequencyMHz...),
		PowerDBm:     append([]float64(nil), s.PowerDBm...),
	}
}

// plan caches the window and FFT for one transform size.
type plan struct {
	window []float64
	fft    *fourier.CmplxFFT
}

// Processor turns I/Q frames into per-channel spectra. Windows and FFT
// plans are cached per size so a steady stream allocates nothing but the
// transform output. It is safe for concurrent use.
type Processor struct {
	mu      sync.RWMutex
	plans   map[int]*plan
	spectra []Spectrum
	work    []complex128
}

func NewProcessor() *Processor {
	return &Processor{plans: make(map[int]*plan)}
}

func (p *Processor) planFor(n int) *plan {
	pl, ok := p.plans[n]
	if !ok {
		pl = &plan{window: Hann(n), fft: fourier.NewCmplxFFT(n)}
		p.plans[n] = pl
	}
	return pl
}

// Process computes the spectrum of one channel of interleaved (re, im)
// samples captured over bandwidthMHz and stores it in dst, reusing dst's
// slices where they are large enough.
func (p *Processor) Process(iq []float32, bandwidthMHz float64, dst *Spectrum) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.process(iq, bandwidthMHz, dst)
}

func (p *Processor) process(iq []float32, bandwidthMHz float64, dst *Spectrum) {
	n := len(iq) / 2
	dst.FrequencyMHz = frequencyAxisInto(dst.FrequencyMHz, n, bandwidthMHz)
	if cap(dst.PowerDBm) < n {
		dst.PowerDBm = make([]float64, n)
	}
	dst.PowerDBm = dst.PowerDBm[:n]
	if n == 0 {
		return
	}

	pl := p.planFor(n)
	p.work = applyWindowInto(p.work, iq[:2*n], pl.window)
	coeffs := pl.fft.Coefficients(nil, p.work)

	// Shift while converting: output bin i is coefficient (i+n/2) mod n.
	half := n / 2
	for i := 0; i < n; i++ {
		dst.PowerDBm[i] = PowerDBm(coeffs[(i+half)%n], n)
	}
}

// ProcessFrame replaces the spectrum of every channel in samples.
// Channels beyond len(samples) from an earlier, wider frame are dropped.
func (p *Processor) ProcessFrame(samples [][]float32, bandwidthMHz float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.spectra) < len(samples) {
		grown := make([]Spectrum, len(samples))
		copy(grown, p.spectra)
		p.spectra = grown
	}
	p.spectra = p.spectra[:len(samples)]
	for ch, iq := range samples {
		p.process(iq, bandwidthMHz, &p.spectra[ch])
	}
}

// Channels reports how many channel spectra are held.
func (p *Processor) Channels() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.spectra)
}

// Spectrum returns a copy of channel ch's latest spectrum.
func (p *Processor) Spectrum(ch int) (Spectrum, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ch < 0 || ch >= len(p.spectra) {
		return Spectrum{}, false
	}
	return p.spectra[ch].clone(), true
}

// Spectra returns copies of all channel spectra.
func (p *Processor) Spectra() []Spectrum {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Spectrum, len(p.spectra))
	for i, s := range p.spectra {
		out[i] = s.clone()
	}
	return out
}

// MaxPowers returns the peak power of every channel, -Inf for channels
// without bins.
func (p *Processor) MaxPowers() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]float64, len(p.spectra))
	for i, s := range p.spectra {
		out[i], _ = MaxPower(s)
	}
	return out
}

// MaxPower returns the highest bin power of s and its index. A spectrum
// with no bin above -Inf (NaN bins never win) yields (-Inf, -1).
func MaxPower(s Spectrum) (float64, int) {
	peak, bin := math.Inf(-1), -1
	for i, v := range s.PowerDBm {
		if v > peak {
			peak, bin = v, i
		}
	}
	return peak, bin
}

// PeakFrequency returns the frequency in MHz of the strongest bin.
func PeakFrequency(s Spectrum) (float64, bool) {
	_, bin := MaxPower(s)
	if bin < 0 || bin >= len(s.FrequencyMHz) {
		return 0, false
	}
	return s.FrequencyMHz[bin], true
}
