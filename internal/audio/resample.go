package audio

import (
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts clip to the given sample rate. A clip already at that
// rate is returned unchanged. The output holds round(n*rate/src) samples.
func Resample(clip *Clip, rate int) (*Clip, error) {
	if clip.SampleRate == rate {
		return clip, nil
	}
	if clip.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate %d", clip.SampleRate)
	}

	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(clip.SampleRate),
		OutputRate: float64(rate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	out, err := rs.Process(clip.Samples)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}
	// The filter holds back its latency until flushed.
	tail, err := rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample flush error: %w", err)
	}
	out = append(out, tail...)

	want := int(math.Round(float64(len(clip.Samples)) * float64(rate) / float64(clip.SampleRate)))
	return &Clip{Samples: fitLength(out, want), SampleRate: rate}, nil
}

// fitLength truncates or zero-pads samples to n.
func fitLength(samples []float64, n int) []float64 {
	if len(samples) >= n {
		return samples[:n]
	}
	return append(samples, make([]float64, n-len(samples))...)
}
