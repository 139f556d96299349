package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	fftSize       = 2048
	smoothingTime = 0.8
	minDecibels   = -100.0
	maxDecibels   = -30.0
)

// Analyser keeps a rolling window of the most recent samples and reports
// byte-scaled frequency magnitudes, smoothed over time.
type Analyser struct {
	mu       sync.Mutex
	ring     []float64
	head     int
	filled   bool
	fft      *fourier.FFT
	window   []float64
	smoothed []float64
	scratch  []float64
	coeffs   []complex128
}

// NewAnalyser returns an analyser with a 2048-sample window.
func NewAnalyser() *Analyser {
	a := &Analyser{
		ring:     make([]float64, fftSize),
		fft:      fourier.NewFFT(fftSize),
		window:   blackman(fftSize),
		smoothed: make([]float64, fftSize/2),
		scratch:  make([]float64, fftSize),
	}
	return a
}

// Write appends samples to the window.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range samples {
		a.ring[a.head] = float64(s)
		a.head++
		if a.head == len(a.ring) {
			a.head = 0
			a.filled = true
		}
	}
}

// FrequencyData returns fftSize/2 bins scaled to 0..255 between -100 and
// -30 dBFS.
func (a *Analyser) FrequencyData() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.ring)
	for i := 0; i < n; i++ {
		a.scratch[i] = a.ring[(a.head+i)%n] * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	out := make([]byte, len(a.smoothed))
	for i := range a.smoothed {
		c := a.coeffs[i]
		mag := math.Hypot(real(c), imag(c)) / float64(n)
		a.smoothed[i] = smoothingTime*a.smoothed[i] + (1-smoothingTime)*mag

		db := minDecibels
		if a.smoothed[i] > 0 {
			db = 20 * math.Log10(a.smoothed[i])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		out[i] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return out
}

// Volume is the mean frequency bin normalized to 0..1.
func (a *Analyser) Volume() float64 {
	data := a.FrequencyData()
	if len(data) == 0 {
		return 0
	}
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	return float64(sum) / float64(len(data)) / 255
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a1 := 0.5
	a2 := alpha / 2

	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return w
}

// rms returns the root mean square of samples.
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
