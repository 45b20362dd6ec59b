// Package audiotest builds synthetic audio fixtures for tests.
package audiotest

import (
	"math"
	"os"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Sine returns seconds of a sine tone at freq Hz with the given peak amplitude.
func Sine(freq, seconds float64, rate int, amplitude float64) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return out
}

// Silence returns seconds of zeros.
func Silence(seconds float64, rate int) []float64 {
	return make([]float64, int(seconds*float64(rate)))
}

// Concat joins signals end to end.
func Concat(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// WAV encodes interleaved samples as a 16-bit PCM WAV file and returns its bytes.
func WAV(t testing.TB, samples []float64, rate, channels int) []byte {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "fixture-*.wav")
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	defer f.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		v := math.Round(s * 32767)
		data[i] = int(math.Max(-32768, math.Min(32767, v)))
	}

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}

	out, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return out
}
