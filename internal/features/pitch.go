package features

import (
	"math"
)

// Musical range searched for the fundamental frequency.
const (
	pitchFMin = 65.40639  // C2
	pitchFMax = 2093.0045 // C7
)

// pitchTrack holds the per-frame fundamental frequency estimate. Unvoiced
// frames carry NaN in F0.
type pitchTrack struct {
	F0         []float64
	VoicedProb []float64
}

// voiced returns the finite f0 values.
func (p pitchTrack) voiced() []float64 {
	out := make([]float64, 0, len(p.F0))
	for _, f := range p.F0 {
		if !math.IsNaN(f) {
			out = append(out, f)
		}
	}
	return out
}

// estimatePitch runs a YIN estimator over centred frames. A frame is voiced
// when its cumulative mean normalised difference dips below threshold; the
// voiced probability is one minus the depth of the chosen dip and zero for
// unvoiced frames.
func estimatePitch(samples []float64, sampleRate, frameLength, hop int, fmin, fmax, threshold float64) pitchTrack {
	tauMin := max(int(math.Floor(float64(sampleRate)/fmax)), 2)
	tauMax := min(int(math.Ceil(float64(sampleRate)/fmin)), frameLength/2)
	window := frameLength - tauMax

	numFrames := frameCount(len(samples), hop)
	track := pitchTrack{
		F0:         make([]float64, numFrames),
		VoicedProb: make([]float64, numFrames),
	}

	frame := make([]float64, frameLength)
	diff := make([]float64, tauMax+1)
	cmnd := make([]float64, tauMax+1)

	for f := 0; f < numFrames; f++ {
		track.F0[f] = math.NaN()
		centredFrame(frame, samples, f, hop)

		var energy float64
		for _, s := range frame[:window] {
			energy += s * s
		}
		if energy < 1e-10 {
			continue
		}

		for tau := 1; tau <= tauMax; tau++ {
			var sum float64
			for j := 0; j < window; j++ {
				d := frame[j] - frame[j+tau]
				sum += d * d
			}
			diff[tau] = sum
		}

		cmnd[0] = 1
		var running float64
		for tau := 1; tau <= tauMax; tau++ {
			running += diff[tau]
			if running == 0 {
				cmnd[tau] = 1
				continue
			}
			cmnd[tau] = diff[tau] * float64(tau) / running
		}

		best := -1
		for tau := tauMin; tau < tauMax; tau++ {
			if cmnd[tau] < threshold {
				for tau+1 < tauMax && cmnd[tau+1] < cmnd[tau] {
					tau++
				}
				best = tau
				break
			}
		}

		if best < 0 {
			continue
		}

		track.F0[f] = float64(sampleRate) / refineLag(cmnd, best)
		track.VoicedProb[f] = clamp01(1 - cmnd[best])
	}
	return track
}

// refineLag fits a parabola through the dip at tau and returns the lag of
// its vertex.
func refineLag(cmnd []float64, tau int) float64 {
	if tau <= 0 || tau >= len(cmnd)-1 {
		return float64(tau)
	}
	a, b, c := cmnd[tau-1], cmnd[tau], cmnd[tau+1]
	den := a - 2*b + c
	if den == 0 {
		return float64(tau)
	}
	shift := 0.5 * (a - c) / den
	if math.Abs(shift) > 1 {
		return float64(tau)
	}
	return float64(tau) + shift
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
