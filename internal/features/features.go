// Package features summarises a voiced waveform into pitch, spectral,
// cepstral and vocal-tract statistics.
package features

import (
	"errors"
	"fmt"
	"math"

	"github.com/user/biometric-embedder/internal/audio"
)

// ErrExtractionFailed wraps every failure of Extract.
var ErrExtractionFailed = errors.New("features: extraction failed")

// PitchStats summarises the fundamental frequency over voiced frames.
type PitchStats struct {
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Skew       float64 `json:"skew"`
	Kurtosis   float64 `json:"kurtosis"`
	VoicedProb float64 `json:"voiced_prob"`
}

// SpectralStats summarises spectral shape.
type SpectralStats struct {
	CentroidMean float64 `json:"centroid_mean"`
	CentroidStd  float64 `json:"centroid_std"`
	RolloffMean  float64 `json:"rolloff_mean"`
}

// MFCCStats summarises the cepstral matrix and its deltas.
type MFCCStats struct {
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	DeltaMean  float64 `json:"delta_mean"`
	Delta2Mean float64 `json:"delta2_mean"`
}

// VoiceCharacteristics approximates vocal-tract resonance with a
// pre-emphasised copy of the signal.
type VoiceCharacteristics struct {
	FormantMean float64 `json:"formant_mean"`
	FormantStd  float64 `json:"formant_std"`
	VoicedProb  float64 `json:"voiced_prob"`
}

// Summary is the statistical description of one waveform.
type Summary struct {
	F0       PitchStats           `json:"f0_stats"`
	Spectral SpectralStats        `json:"spectral_stats"`
	MFCC     MFCCStats            `json:"mfcc_stats"`
	Voice    VoiceCharacteristics `json:"voice_characteristics"`
}

func (s Summary) values() []float64 {
	return []float64{
		s.F0.Mean, s.F0.Std, s.F0.Skew, s.F0.Kurtosis, s.F0.VoicedProb,
		s.Spectral.CentroidMean, s.Spectral.CentroidStd, s.Spectral.RolloffMean,
		s.MFCC.Mean, s.MFCC.Std, s.MFCC.DeltaMean, s.MFCC.Delta2Mean,
		s.Voice.FormantMean, s.Voice.FormantStd, s.Voice.VoicedProb,
	}
}

// Config controls the analysis frames and feature sizes.
type Config struct {
	FrameLength    int
	HopLength      int
	NumMFCC        int
	NumMels        int
	DeltaWidth     int
	TopDB          float64
	RolloffPercent float64
	PreEmphasis    float64
	PitchThreshold float64
	PitchFMin      float64
	PitchFMax      float64
}

// DefaultConfig returns the analysis settings used by the service.
func DefaultConfig() Config {
	return Config{
		FrameLength:    2048,
		HopLength:      512,
		NumMFCC:        20,
		NumMels:        128,
		DeltaWidth:     9,
		TopDB:          80,
		RolloffPercent: 0.85,
		PreEmphasis:    0.97,
		PitchThreshold: 0.1,
		PitchFMin:      pitchFMin,
		PitchFMax:      pitchFMax,
	}
}

// Extractor computes Summaries. It holds no per-call state and is safe for
// concurrent use.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract summarises w with the default configuration.
func Extract(w audio.Waveform) (Summary, error) {
	return NewExtractor(DefaultConfig()).Extract(w)
}

// Extract summarises w. Any internal failure, including a panic in the
// numeric code, is returned as an error wrapping ErrExtractionFailed.
func (e *Extractor) Extract(w audio.Waveform) (summary Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary = Summary{}
			err = fmt.Errorf("%w: %v", ErrExtractionFailed, r)
		}
	}()

	if w.SampleRate <= 0 {
		return Summary{}, fmt.Errorf("%w: invalid sample rate %d", ErrExtractionFailed, w.SampleRate)
	}
	if len(w.Samples) == 0 {
		return Summary{}, fmt.Errorf("%w: empty waveform", ErrExtractionFailed)
	}

	cfg := e.cfg
	pitch := estimatePitch(w.Samples, w.SampleRate, cfg.FrameLength, cfg.HopLength,
		cfg.PitchFMin, cfg.PitchFMax, cfg.PitchThreshold)
	f0 := describe(pitch.voiced())
	voicedProb := mean(pitch.VoicedProb)

	spec := magnitudeSpectrogram(w.Samples, cfg.FrameLength, cfg.HopLength)
	freqs := binFrequencies(cfg.FrameLength, w.SampleRate)
	centroid := describe(spectralCentroid(spec, freqs))
	rolloff := mean(spectralRolloff(spec, freqs, cfg.RolloffPercent))

	fb := melFilterbank(cfg.NumMels, cfg.FrameLength, w.SampleRate, 0, float64(w.SampleRate)/2)
	cepstrum := mfcc(spec, fb, cfg.NumMFCC, cfg.TopDB)
	d1 := delta(cepstrum, cfg.DeltaWidth)
	d2 := delta(d1, cfg.DeltaWidth)
	cep := describe(flatten(cepstrum))

	formant := describe(preEmphasis(w.Samples, cfg.PreEmphasis))

	summary = Summary{
		F0: PitchStats{
			Mean:       f0.Mean,
			Std:        f0.Std,
			Skew:       f0.Skew,
			Kurtosis:   f0.Kurtosis,
			VoicedProb: voicedProb,
		},
		Spectral: SpectralStats{
			CentroidMean: centroid.Mean,
			CentroidStd:  centroid.Std,
			RolloffMean:  rolloff,
		},
		MFCC: MFCCStats{
			Mean:       cep.Mean,
			Std:        cep.Std,
			DeltaMean:  mean(flatten(d1)),
			Delta2Mean: mean(flatten(d2)),
		},
		Voice: VoiceCharacteristics{
			FormantMean: formant.Mean,
			FormantStd:  formant.Std,
			VoicedProb:  voicedProb,
		},
	}

	for _, v := range summary.values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Summary{}, fmt.Errorf("%w: non-finite statistic", ErrExtractionFailed)
		}
	}
	return summary, nil
}

// preEmphasis applies y[n] = x[n] - coef*x[n-1].
func preEmphasis(samples []float64, coef float64) []float64 {
	out := make([]float64, len(samples))
	out[0] = samples[0] * (1 - coef)
	for i := 1; i < len(samples); i++ {
		out[i] = samples[i] - coef*samples[i-1]
	}
	return out
}
