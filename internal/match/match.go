// Package match scores a login attempt against an enrolled profile.
package match

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/user/biometric-embedder/internal/features"
)

var (
	ErrDimensionMismatch = errors.New("match: embedding dimensions differ")
	ErrZeroVector        = errors.New("match: zero-length embedding")
)

// Default acceptance thresholds.
const (
	DefaultVoiceThreshold = 0.60
	DefaultFaceThreshold  = 0.5
)

// Weights of the two voice scores in the combined score.
const (
	embeddingWeight = 0.9
	biometricWeight = 0.1
)

// Cosine returns the cosine similarity of a and b.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	if len(a) == 0 {
		return 0, ErrZeroVector
	}
	x, y := widen(a), widen(b)
	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0, ErrZeroVector
	}
	return floats.Dot(x, y) / (na * nb), nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

type term struct {
	weight    float64
	tolerance float64
	login     float64
	enrolled  float64
}

// closeness is 1 when a equals the reference and falls linearly to 0 as the
// relative difference reaches tol.
func closeness(a, ref, tol float64) float64 {
	if ref == 0 {
		return 0
	}
	return math.Max(0, 1-math.Abs(a-ref)/(math.Abs(ref)*tol))
}

// BiometricScore compares the headline statistics of two summaries. The
// result is in [0, 1].
func BiometricScore(login, enrolled features.Summary) float64 {
	terms := []term{
		{0.35, 0.30, login.F0.Mean, enrolled.F0.Mean},
		{0.25, 0.40, login.Spectral.CentroidMean, enrolled.Spectral.CentroidMean},
		{0.25, 0.40, login.MFCC.Mean, enrolled.MFCC.Mean},
		{0.15, 0.40, login.Voice.FormantMean, enrolled.Voice.FormantMean},
	}
	var score float64
	for _, t := range terms {
		score += t.weight * closeness(t.login, t.enrolled, t.tolerance)
	}
	return score
}

// VoiceScore is the outcome of comparing a voice sample to an enrolled
// voice profile.
type VoiceScore struct {
	Embedding float64 `json:"embedding"`
	Biometric float64 `json:"biometric"`
	Combined  float64 `json:"combined"`
}

// Accepted reports whether the combined score clears threshold.
func (s VoiceScore) Accepted(threshold float64) bool {
	return s.Combined > threshold
}

// ScoreVoice compares a login sample against an enrolled one.
func ScoreVoice(loginEmb, enrolledEmb []float32, login, enrolled features.Summary) (VoiceScore, error) {
	sim, err := Cosine(loginEmb, enrolledEmb)
	if err != nil {
		return VoiceScore{}, err
	}
	bio := BiometricScore(login, enrolled)
	return VoiceScore{
		Embedding: sim,
		Biometric: bio,
		Combined:  embeddingWeight*sim + biometricWeight*bio,
	}, nil
}

// FaceAccepted reports whether a face similarity clears threshold.
func FaceAccepted(similarity, threshold float64) bool {
	return similarity > threshold
}
