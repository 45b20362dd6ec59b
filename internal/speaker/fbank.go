package speaker

import (
	"context"
	"fmt"
	"math"

	"github.com/user/biometric-embedder/internal/audio"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// FbankConfig configures the log mel filterbank front end of FbankModel.
type FbankConfig struct {
	SampleRate  int     // Expected input rate in Hz (default: 16000)
	NumMels     int     // Mel channels (default: 40)
	FrameLength int     // Samples per frame (default: 400 = 25ms @ 16kHz)
	FrameShift  int     // Samples between frames (default: 160 = 10ms @ 16kHz)
	PreEmphasis float64 // Pre-emphasis coefficient (default: 0.97)
	EnergyFloor float64 // Floor applied before the log (default: 1e-10)
}

// DefaultFbankConfig returns the configuration used for 16 kHz audio.
func DefaultFbankConfig() FbankConfig {
	return FbankConfig{
		SampleRate:  audio.TargetSampleRate,
		NumMels:     40,
		FrameLength: 400,
		FrameShift:  160,
		PreEmphasis: 0.97,
		EnergyFloor: 1e-10,
	}
}

// FbankModel is a deterministic embedding built from utterance-level
// statistics of log mel filterbank energies: the per-band mean followed by
// the per-band standard deviation, L2-normalised.
type FbankModel struct {
	cfg        FbankConfig
	fftSize    int
	window     []float64
	filterbank [][]float64
}

var _ Model = (*FbankModel)(nil)

// NewFbankModel creates an FbankModel. The FFT plan is built per call, so
// the model holds only read-only tables.
func NewFbankModel(cfg FbankConfig) *FbankModel {
	fftSize := nextPow2(cfg.FrameLength)
	return &FbankModel{
		cfg:        cfg,
		fftSize:    fftSize,
		window:     hammingWindow(cfg.FrameLength),
		filterbank: melFilterbank(cfg.NumMels, fftSize, cfg.SampleRate),
	}
}

// Dimension is twice the number of mel bands.
func (m *FbankModel) Dimension() int { return 2 * m.cfg.NumMels }

// Close is a no-op.
func (m *FbankModel) Close() error { return nil }

// Extract computes the embedding for w.
func (m *FbankModel) Extract(ctx context.Context, w audio.Waveform) ([]float32, error) {
	if w.SampleRate != m.cfg.SampleRate {
		return nil, fmt.Errorf("speaker: expected %d Hz audio, got %d", m.cfg.SampleRate, w.SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frames := m.fbank(w.Samples)
	if len(frames) == 0 {
		return nil, ErrTooShort
	}

	bands := m.cfg.NumMels
	sum := make([]float64, bands)
	sumSq := make([]float64, bands)
	for _, frame := range frames {
		for b, v := range frame {
			sum[b] += v
			sumSq[b] += v * v
		}
	}

	n := float64(len(frames))
	vec := make([]float64, 2*bands)
	for b := 0; b < bands; b++ {
		mu := sum[b] / n
		vec[b] = mu
		vec[bands+b] = math.Sqrt(math.Max(sumSq[b]/n-mu*mu, 0))
	}

	norm := floats.Norm(vec, 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("speaker: degenerate embedding")
	}
	floats.Scale(1/norm, vec)

	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out, nil
}

// fbank returns [numFrames][numMels] log mel energies. Samples are scaled
// to the PCM16 range first so the energy floor means the same thing as for
// integer input.
func (m *FbankModel) fbank(samples []float64) [][]float64 {
	cfg := m.cfg
	if len(samples) < cfg.FrameLength {
		return nil
	}

	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s * 32768
	}
	if cfg.PreEmphasis > 0 {
		for i := len(x) - 1; i > 0; i-- {
			x[i] -= cfg.PreEmphasis * x[i-1]
		}
		x[0] *= 1 - cfg.PreEmphasis
	}

	numFrames := (len(x)-cfg.FrameLength)/cfg.FrameShift + 1
	fft := fourier.NewFFT(m.fftSize)
	buf := make([]float64, m.fftSize)
	coeffs := make([]complex128, m.fftSize/2+1)
	power := make([]float64, len(coeffs))

	result := make([][]float64, numFrames)
	for f := 0; f < numFrames; f++ {
		offset := f * cfg.FrameShift
		clear(buf)
		for i := 0; i < cfg.FrameLength; i++ {
			buf[i] = x[offset+i] * m.window[i]
		}
		fft.Coefficients(coeffs, buf)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}

		frame := make([]float64, cfg.NumMels)
		for b, weights := range m.filterbank {
			energy := floats.Dot(weights, power)
			if energy < cfg.EnergyFloor {
				energy = cfg.EnergyFloor
			}
			frame[b] = math.Log(energy)
		}
		result[f] = frame
	}
	return result
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank builds triangular filters with peaks of one, equally spaced
// on the mel scale between 0 Hz and Nyquist.
func melFilterbank(numMels, fftSize, sampleRate int) [][]float64 {
	halfFFT := fftSize/2 + 1
	melHigh := hzToMel(float64(sampleRate) / 2)

	bins := make([]int, numMels+2)
	for i := range bins {
		hz := melToHz(float64(i) * melHigh / float64(numMels+1))
		bins[i] = min(int(math.Floor(hz*float64(fftSize)/float64(sampleRate))), halfFFT-1)
	}

	fb := make([][]float64, numMels)
	for m := range fb {
		fb[m] = make([]float64, halfFFT)
		left, center, right := bins[m], bins[m+1], bins[m+2]
		if center > left {
			for k := left; k <= center; k++ {
				fb[m][k] = float64(k-left) / float64(center-left)
			}
		}
		if right > center {
			for k := center; k <= right; k++ {
				fb[m][k] = float64(right-k) / float64(right-center)
			}
		}
	}
	return fb
}
