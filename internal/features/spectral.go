package features

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// frameCount returns the number of centred frames for n samples.
func frameCount(n, hop int) int {
	return 1 + n/hop
}

// centredFrame copies the frame centred on f*hop into dst, zero padding
// outside the signal.
func centredFrame(dst, samples []float64, f, hop int) {
	start := f*hop - len(dst)/2
	for i := range dst {
		j := start + i
		if j < 0 || j >= len(samples) {
			dst[i] = 0
			continue
		}
		dst[i] = samples[j]
	}
}

// magnitudeSpectrogram returns |STFT| as [frames][nFFT/2+1].
func magnitudeSpectrogram(samples []float64, nFFT, hop int) [][]float64 {
	fft := fourier.NewFFT(nFFT)
	window := hannWindow(nFFT)
	frame := make([]float64, nFFT)
	coeffs := make([]complex128, nFFT/2+1)

	numFrames := frameCount(len(samples), hop)
	spec := make([][]float64, numFrames)
	for f := 0; f < numFrames; f++ {
		centredFrame(frame, samples, f, hop)
		for i := range frame {
			frame[i] *= window[i]
		}
		coeffs = fft.Coefficients(coeffs, frame)

		mag := make([]float64, len(coeffs))
		for k, c := range coeffs {
			mag[k] = math.Hypot(real(c), imag(c))
		}
		spec[f] = mag
	}
	return spec
}

// binFrequencies returns the centre frequency of each FFT bin.
func binFrequencies(nFFT, sampleRate int) []float64 {
	freqs := make([]float64, nFFT/2+1)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(nFFT)
	}
	return freqs
}

// spectralCentroid is the magnitude-weighted mean frequency of each frame.
func spectralCentroid(spec [][]float64, freqs []float64) []float64 {
	out := make([]float64, len(spec))
	for f, mag := range spec {
		var num, den float64
		for k, m := range mag {
			num += freqs[k] * m
			den += m
		}
		if den > 0 {
			out[f] = num / den
		}
	}
	return out
}

// spectralRolloff is the lowest frequency below which percent of each
// frame's spectral magnitude lies.
func spectralRolloff(spec [][]float64, freqs []float64, percent float64) []float64 {
	out := make([]float64, len(spec))
	for f, mag := range spec {
		var total float64
		for _, m := range mag {
			total += m
		}
		if total == 0 {
			continue
		}
		threshold := percent * total
		var cum float64
		for k, m := range mag {
			cum += m
			if cum >= threshold {
				out[f] = freqs[k]
				break
			}
		}
	}
	return out
}
