package match

import (
	"errors"
	"math"
	"testing"

	"github.com/user/biometric-embedder/internal/features"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
		err  error
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1, nil},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1, nil},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0, nil},
		{"scaled", []float32{1, 1}, []float32{3, 3}, 1, nil},
		{"mismatch", []float32{1}, []float32{1, 2}, 0, ErrDimensionMismatch},
		{"empty", nil, nil, 0, ErrZeroVector},
		{"zero", []float32{0, 0}, []float32{1, 0}, 0, ErrZeroVector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Cosine(tt.a, tt.b)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func summary(f0, centroid, mfcc, formantMean float64) features.Summary {
	var s features.Summary
	s.F0.Mean = f0
	s.Spectral.CentroidMean = centroid
	s.MFCC.Mean = mfcc
	s.Voice.FormantMean = formantMean
	return s
}

func TestBiometricScore(t *testing.T) {
	ref := summary(200, 1500, -10, 0.2)

	if got := BiometricScore(ref, ref); math.Abs(got-1) > 1e-12 {
		t.Errorf("identical summaries: expected 1, got %v", got)
	}

	// f0 off by 15% of a 30% tolerance loses half the f0 weight.
	login := summary(230, 1500, -10, 0.2)
	if got := BiometricScore(login, ref); math.Abs(got-(1-0.35*0.5)) > 1e-12 {
		t.Errorf("expected %v, got %v", 1-0.35*0.5, got)
	}

	far := summary(1000, 9000, 50, 5)
	if got := BiometricScore(far, ref); got != 0 {
		t.Errorf("expected 0 for unrelated summaries, got %v", got)
	}

	if got := BiometricScore(ref, features.Summary{}); got != 0 {
		t.Errorf("expected 0 against an all-zero reference, got %v", got)
	}
}

func TestScoreVoice(t *testing.T) {
	s := summary(200, 1500, -10, 0.2)
	score, err := ScoreVoice([]float32{1, 0}, []float32{1, 0}, s, s)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(score.Combined-1) > 1e-12 {
		t.Errorf("expected combined 1, got %v", score.Combined)
	}
	if !score.Accepted(DefaultVoiceThreshold) {
		t.Error("expected a perfect match to be accepted")
	}

	score, err = ScoreVoice([]float32{1, 0}, []float32{0, 1}, s, s)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(score.Combined-0.1) > 1e-12 {
		t.Errorf("expected combined 0.1, got %v", score.Combined)
	}
	if score.Accepted(DefaultVoiceThreshold) {
		t.Error("expected an orthogonal voice to be rejected")
	}

	if _, err := ScoreVoice([]float32{1}, []float32{1, 2}, s, s); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestFaceAccepted(t *testing.T) {
	if FaceAccepted(0.5, DefaultFaceThreshold) {
		t.Error("threshold itself must not be accepted")
	}
	if !FaceAccepted(0.51, DefaultFaceThreshold) {
		t.Error("expected similarity above threshold to be accepted")
	}
}
