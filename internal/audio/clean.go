package audio

import (
	"math"
	"slices"
)

// Clean concatenates the voiced intervals of samples in temporal order and
// peak-normalises the result to [-1, 1]. Overlapping intervals are clipped
// so no sample is copied twice.
func Clean(samples []float64, intervals []Interval) ([]float64, error) {
	if len(intervals) == 0 {
		return nil, ErrNoVoice
	}

	ordered := slices.Clone(intervals)
	slices.SortStableFunc(ordered, func(a, b Interval) int { return a.Start - b.Start })

	var total int
	for _, iv := range ordered {
		total += max(iv.Len(), 0)
	}
	voiced := make([]float64, 0, min(total, len(samples)))
	cursor := 0
	for _, iv := range ordered {
		start := max(iv.Start, cursor, 0)
		end := min(iv.End, len(samples))
		if end <= start {
			continue
		}
		voiced = append(voiced, samples[start:end]...)
		cursor = end
	}

	var peak float64
	for _, s := range voiced {
		peak = math.Max(peak, math.Abs(s))
	}
	if len(voiced) == 0 || peak == 0 {
		return nil, ErrNoVoice
	}

	for i := range voiced {
		voiced[i] /= peak
	}
	return voiced, nil
}
