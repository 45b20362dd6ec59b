package speaker

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/audio/audiotest"
)

func waveform(samples []float64) audio.Waveform {
	return audio.Waveform{Samples: samples, SampleRate: audio.TargetSampleRate}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / math.Sqrt(na*nb)
}

func TestFbankModelDimensionAndNorm(t *testing.T) {
	m := NewFbankModel(DefaultFbankConfig())
	defer m.Close()

	if m.Dimension() != 80 {
		t.Fatalf("expected 80 dimensions, got %d", m.Dimension())
	}

	emb, err := m.Extract(context.Background(), waveform(audiotest.Sine(220, 1, audio.TargetSampleRate, 0.8)))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(emb) != m.Dimension() {
		t.Fatalf("expected %d values, got %d", m.Dimension(), len(emb))
	}

	var norm float64
	for i, v := range emb {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value %d is not finite: %v", i, v)
		}
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("expected unit norm, got %v", math.Sqrt(norm))
	}
}

func TestFbankModelIsDeterministic(t *testing.T) {
	m := NewFbankModel(DefaultFbankConfig())
	w := waveform(audiotest.Sine(180, 0.5, audio.TargetSampleRate, 0.5))

	a, err := m.Extract(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Extract(context.Background(), w)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestFbankModelSeparatesTones(t *testing.T) {
	m := NewFbankModel(DefaultFbankConfig())
	ctx := context.Background()

	low1, _ := m.Extract(ctx, waveform(audiotest.Sine(200, 1, audio.TargetSampleRate, 0.8)))
	low2, _ := m.Extract(ctx, waveform(audiotest.Sine(205, 1, audio.TargetSampleRate, 0.6)))
	high, _ := m.Extract(ctx, waveform(audiotest.Sine(3000, 1, audio.TargetSampleRate, 0.8)))

	same := cosine(low1, low2)
	diff := cosine(low1, high)
	if same <= diff {
		t.Errorf("expected similar tones to score higher: same=%.4f diff=%.4f", same, diff)
	}
}

func TestFbankModelErrors(t *testing.T) {
	m := NewFbankModel(DefaultFbankConfig())

	if _, err := m.Extract(context.Background(), waveform(make([]float64, 399))); !errors.Is(err, ErrTooShort) {
		t.Errorf("expected ErrTooShort, got %v", err)
	}

	wrongRate := audio.Waveform{Samples: make([]float64, 8000), SampleRate: 8000}
	if _, err := m.Extract(context.Background(), wrongRate); err == nil {
		t.Error("expected an error for a non-16kHz waveform")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Extract(ctx, waveform(make([]float64, 1600))); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMelFilterbankShape(t *testing.T) {
	fb := melFilterbank(40, 512, 16000)
	if len(fb) != 40 {
		t.Fatalf("expected 40 filters, got %d", len(fb))
	}
	for m, row := range fb {
		if len(row) != 257 {
			t.Fatalf("filter %d: expected 257 bins, got %d", m, len(row))
		}
		peak := 0.0
		for _, w := range row {
			peak = math.Max(peak, w)
		}
		if peak > 1 {
			t.Errorf("filter %d: weight %v exceeds 1", m, peak)
		}
	}
}
