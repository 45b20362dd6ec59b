package audio

import (
	"errors"
	"math"
	"time"
)

// TargetSampleRate is the rate every clip is resampled to before analysis.
const TargetSampleRate = 16000

var (
	ErrEmptyAudio        = errors.New("audio: empty payload")
	ErrUnsupportedFormat = errors.New("audio: unsupported format")
	ErrNoVoice           = errors.New("audio: no voice detected")
)

// Clip is decoded mono audio at its native sample rate, samples in [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Interval is a half-open [Start, End) range of sample indices.
type Interval struct {
	Start int
	End   int
}

// Len returns the number of samples covered by the interval.
func (i Interval) Len() int { return i.End - i.Start }

// Waveform is the voiced, amplitude-normalised signal that both the feature
// summary and the speaker embedding are computed from. Treat it as immutable.
type Waveform struct {
	Samples    []float64
	SampleRate int
}

// Len returns the number of samples.
func (w Waveform) Len() int { return len(w.Samples) }

// PCM16 encodes the waveform as signed 16-bit little-endian PCM.
func (w Waveform) PCM16() []byte {
	return float64ToPCM16(w.Samples)
}

// Splitter partitions a signal into voiced intervals.
type Splitter interface {
	Split(samples []float64, sampleRate int) ([]Interval, error)
}

func floatToInt16(s float64) int16 {
	if math.IsNaN(s) {
		return 0
	}
	v := math.Round(s * 32767)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

func float64ToPCM16(samples []float64) []byte {
	bytes := make([]byte, len(samples)*2)
	for i, s := range samples {
		sample := floatToInt16(s)
		bytes[i*2] = byte(sample)
		bytes[i*2+1] = byte(sample >> 8)
	}
	return bytes
}
