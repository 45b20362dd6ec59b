package audio

import (
	"fmt"
	"math"

	"github.com/maxhawkins/go-webrtcvad"
	"gonum.org/v1/gonum/floats"
)

// powerFloor is the smallest frame power treated as signal. A clip whose
// loudest frame is below it is silent.
const powerFloor = 1e-10

// EnergySplitter finds voiced intervals by comparing each frame's RMS power
// with the loudest frame of the clip.
type EnergySplitter struct {
	TopDB       float64 // frames more than TopDB below the peak are silence
	FrameLength int
	HopLength   int
}

// NewEnergySplitter returns a splitter with a 20 dB threshold over
// 2048-sample frames and a 512-sample hop.
func NewEnergySplitter() *EnergySplitter {
	return &EnergySplitter{
		TopDB:       20,
		FrameLength: 2048,
		HopLength:   512,
	}
}

// Split implements Splitter.
func (s *EnergySplitter) Split(samples []float64, sampleRate int) ([]Interval, error) {
	if s.FrameLength <= 0 || s.HopLength <= 0 {
		return nil, fmt.Errorf("invalid frame configuration %d/%d", s.FrameLength, s.HopLength)
	}
	n := len(samples)
	if n == 0 {
		return nil, nil
	}

	power := framePower(samples, s.FrameLength, s.HopLength)
	peak := floats.Max(power)
	if peak < powerFloor {
		return nil, nil
	}

	refDB := 10 * math.Log10(peak)
	voiced := make([]bool, len(power))
	for i, p := range power {
		db := 10*math.Log10(math.Max(p, powerFloor)) - refDB
		voiced[i] = db > -s.TopDB
	}

	return framesToIntervals(voiced, s.HopLength, n), nil
}

// framePower returns the mean square of each centred, zero-padded frame.
func framePower(samples []float64, frameLength, hop int) []float64 {
	n := len(samples)
	pad := frameLength / 2
	numFrames := 1 + n/hop

	power := make([]float64, numFrames)
	for f := range power {
		start := f*hop - pad
		var sum float64
		for i := start; i < start+frameLength; i++ {
			if i < 0 || i >= n {
				continue
			}
			sum += samples[i] * samples[i]
		}
		power[f] = sum / float64(frameLength)
	}
	return power
}

// framesToIntervals converts runs of voiced frames into sample intervals.
func framesToIntervals(voiced []bool, hop, n int) []Interval {
	var intervals []Interval
	runStart := -1
	for f := 0; f <= len(voiced); f++ {
		isVoiced := f < len(voiced) && voiced[f]
		switch {
		case isVoiced && runStart < 0:
			runStart = f
		case !isVoiced && runStart >= 0:
			start := min(runStart*hop, n)
			end := min(f*hop, n)
			if end > start {
				intervals = append(intervals, Interval{Start: start, End: end})
			}
			runStart = -1
		}
	}
	return intervals
}

// WebRTCSplitter finds voiced intervals with the WebRTC voice activity
// detector over 30ms frames.
type WebRTCSplitter struct {
	Mode    int // aggressiveness 0-3, 3 is most aggressive
	FrameMS int
}

// NewWebRTCSplitter returns a splitter with aggressiveness 2 and 30ms frames.
func NewWebRTCSplitter() *WebRTCSplitter {
	return &WebRTCSplitter{Mode: 2, FrameMS: 30}
}

// Split implements Splitter. The detector is not safe for concurrent use, so
// each call creates its own instance.
func (s *WebRTCSplitter) Split(samples []float64, sampleRate int) ([]Interval, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc vad: %w", err)
	}

	frameLength := sampleRate * s.FrameMS / 1000
	if !vad.ValidRateAndFrameLength(sampleRate, frameLength) {
		return nil, fmt.Errorf("webrtc vad does not support %d Hz with %dms frames", sampleRate, s.FrameMS)
	}
	if err := vad.SetMode(s.Mode); err != nil {
		return nil, fmt.Errorf("failed to set webrtc vad mode: %w", err)
	}

	numFrames := len(samples) / frameLength
	voiced := make([]bool, numFrames)
	for f := 0; f < numFrames; f++ {
		frame := float64ToPCM16(samples[f*frameLength : (f+1)*frameLength])
		isSpeech, err := vad.Process(sampleRate, frame)
		if err != nil {
			return nil, fmt.Errorf("webrtc vad failed on frame %d: %w", f, err)
		}
		voiced[f] = isSpeech
	}

	return framesToIntervals(voiced, frameLength, numFrames*frameLength), nil
}
