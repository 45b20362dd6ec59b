package features

import (
	"math"
)

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// melFilterbank returns area-normalised triangular filters as
// [numMels][nFFT/2+1] weights between fmin and fmax.
func melFilterbank(numMels, nFFT, sampleRate int, fmin, fmax float64) [][]float64 {
	freqs := binFrequencies(nFFT, sampleRate)

	melLow, melHigh := hzToMel(fmin), hzToMel(fmax)
	edges := make([]float64, numMels+2)
	for i := range edges {
		edges[i] = melToHz(melLow + float64(i)*(melHigh-melLow)/float64(numMels+1))
	}

	fb := make([][]float64, numMels)
	for m := range fb {
		lower, centre, upper := edges[m], edges[m+1], edges[m+2]
		norm := 2.0 / (upper - lower)
		weights := make([]float64, len(freqs))
		for k, f := range freqs {
			rising := (f - lower) / (centre - lower)
			falling := (upper - f) / (upper - centre)
			if w := math.Min(rising, falling); w > 0 {
				weights[k] = w * norm
			}
		}
		fb[m] = weights
	}
	return fb
}

// powerToDB converts power to decibels relative to 1.0 and clips the
// dynamic range to topDB below the loudest value.
func powerToDB(values [][]float64, topDB float64) {
	const amin = 1e-10
	peak := math.Inf(-1)
	for _, row := range values {
		for i, v := range row {
			row[i] = 10 * math.Log10(math.Max(v, amin))
			peak = math.Max(peak, row[i])
		}
	}
	floor := peak - topDB
	for _, row := range values {
		for i, v := range row {
			if v < floor {
				row[i] = floor
			}
		}
	}
}

// dctMatrix returns the first n rows of an orthonormal DCT-II of size size.
func dctMatrix(n, size int) [][]float64 {
	m := make([][]float64, n)
	for k := range m {
		scale := math.Sqrt(2.0 / float64(size))
		if k == 0 {
			scale = math.Sqrt(1.0 / float64(size))
		}
		row := make([]float64, size)
		for i := range row {
			row[i] = scale * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(size)))
		}
		m[k] = row
	}
	return m
}

// mfcc computes [numCoeffs][frames] cepstral coefficients from a magnitude
// spectrogram laid out as [frames][bins].
func mfcc(spec [][]float64, filterbank [][]float64, numCoeffs int, topDB float64) [][]float64 {
	numMels := len(filterbank)
	melSpec := make([][]float64, len(spec))
	for f, mag := range spec {
		row := make([]float64, numMels)
		for m, weights := range filterbank {
			var energy float64
			for k, w := range weights {
				if w != 0 {
					energy += w * mag[k] * mag[k]
				}
			}
			row[m] = energy
		}
		melSpec[f] = row
	}
	powerToDB(melSpec, topDB)

	dct := dctMatrix(numCoeffs, numMels)
	out := make([][]float64, numCoeffs)
	for k := range out {
		out[k] = make([]float64, len(melSpec))
		for f, row := range melSpec {
			var sum float64
			for m, v := range row {
				sum += dct[k][m] * v
			}
			out[k][f] = sum
		}
	}
	return out
}

// delta computes the regression derivative of each row over a window of
// width frames, replicating edge frames.
func delta(rows [][]float64, width int) [][]float64 {
	half := width / 2
	var denom float64
	for n := 1; n <= half; n++ {
		denom += float64(n * n)
	}
	denom *= 2

	out := make([][]float64, len(rows))
	for r, row := range rows {
		last := len(row) - 1
		d := make([]float64, len(row))
		for t := range row {
			var num float64
			for n := 1; n <= half; n++ {
				ahead := min(t+n, last)
				behind := max(t-n, 0)
				num += float64(n) * (row[ahead] - row[behind])
			}
			d[t] = num / denom
		}
		out[r] = d
	}
	return out
}

func flatten(rows [][]float64) []float64 {
	var n int
	for _, row := range rows {
		n += len(row)
	}
	out := make([]float64, 0, n)
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}
