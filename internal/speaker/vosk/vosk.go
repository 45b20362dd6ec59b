// Package vosk provides a speaker.Model backed by the Vosk x-vector
// speaker model.
package vosk

import (
	"context"
	"encoding/json"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/speaker"
)

// Dimension of the x-vectors produced by the Vosk speaker model.
const Dimension = 128

// feedBytes is how much PCM16 is handed to the recognizer at a time.
const feedBytes = 8000

type Model struct {
	model    *vosk.VoskModel
	spkModel *vosk.VoskSpkModel
}

var _ speaker.Model = (*Model)(nil)

// result is one recognizer utterance. Vosk emits one from Result each time
// it detects an endpoint, and one more from FinalResult for the remainder.
type result struct {
	Text      string    `json:"text"`
	Spk       []float64 `json:"spk"`
	SpkFrames int       `json:"spk_frames"`
}

// New loads the recognition model and the speaker model. Both are shared by
// every Extract call; recognizers are created per call.
func New(modelPath, spkModelPath string) (*Model, error) {
	log.Info().
		Str("model_path", modelPath).
		Str("spk_model_path", spkModelPath).
		Msg("Loading Vosk models")

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}

	spkModel, err := vosk.NewSpkModel(spkModelPath)
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("failed to load Vosk speaker model from %s: %w", spkModelPath, err)
	}

	log.Info().Msg("Vosk models loaded successfully")

	return &Model{model: model, spkModel: spkModel}, nil
}

func (m *Model) Dimension() int { return Dimension }

// Extract feeds w to a fresh recognizer and combines the speaker vectors of
// every utterance it reports, weighted by the frames each one covers.
func (m *Model) Extract(ctx context.Context, w audio.Waveform) ([]float32, error) {
	if w.SampleRate != audio.TargetSampleRate {
		return nil, fmt.Errorf("vosk: expected %d Hz audio, got %d", audio.TargetSampleRate, w.SampleRate)
	}

	rec, err := vosk.NewRecognizerSpk(m.model, float64(w.SampleRate), m.spkModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}
	defer rec.Free()

	var results []result
	collect := func(raw string) error {
		res, err := parseResult(raw)
		if err != nil {
			log.Warn().
				Err(err).
				Str("json", raw).
				Msg("Failed to parse Vosk result")
			return err
		}
		results = append(results, res)
		return nil
	}

	pcm := w.PCM16()
	for off := 0; off < len(pcm); off += feedBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(off+feedBytes, len(pcm))
		switch rec.AcceptWaveform(pcm[off:end]) {
		case 1:
			if err := collect(rec.Result()); err != nil {
				return nil, err
			}
		case -1:
			return nil, fmt.Errorf("vosk: failed to process audio")
		}
	}
	if err := collect(rec.FinalResult()); err != nil {
		return nil, err
	}

	spk, frames, err := combineSpeakerVectors(results)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("utterances", len(results)).
		Int("spk_frames", frames).
		Msg("Vosk speaker vector extracted")

	return toEmbedding(spk)
}

func (m *Model) Close() error {
	if m.spkModel != nil {
		m.spkModel.Free()
	}
	if m.model != nil {
		m.model.Free()
	}
	return nil
}

func parseResult(raw string) (result, error) {
	var res result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return result{}, fmt.Errorf("vosk: decode result: %w", err)
	}
	return res, nil
}

// combineSpeakerVectors averages the utterance vectors weighted by
// spk_frames. Utterances without a vector are skipped, and a vector that
// reports no frames counts once. It returns nil when no utterance carried a
// vector.
func combineSpeakerVectors(results []result) ([]float64, int, error) {
	var (
		sum    []float64
		weight float64
		frames int
	)
	for _, res := range results {
		if len(res.Spk) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(res.Spk))
		} else if len(res.Spk) != len(sum) {
			return nil, 0, fmt.Errorf("vosk: speaker vectors of %d and %d dimensions in one recording", len(sum), len(res.Spk))
		}

		w := float64(max(res.SpkFrames, 1))
		for i, v := range res.Spk {
			sum[i] += w * v
		}
		weight += w
		frames += res.SpkFrames
	}
	if sum == nil {
		return nil, 0, nil
	}
	for i := range sum {
		sum[i] /= weight
	}
	return sum, frames, nil
}

func toEmbedding(spk []float64) ([]float32, error) {
	if len(spk) == 0 {
		return nil, speaker.ErrTooShort
	}
	if len(spk) != Dimension {
		return nil, fmt.Errorf("vosk: expected %d-dimensional speaker vector, got %d", Dimension, len(spk))
	}
	out := make([]float32, len(spk))
	for i, v := range spk {
		out[i] = float32(v)
	}
	return out, nil
}
