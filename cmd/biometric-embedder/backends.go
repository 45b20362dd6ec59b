package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/config"
	"github.com/user/biometric-embedder/internal/face"
	"github.com/user/biometric-embedder/internal/face/dlib"
	"github.com/user/biometric-embedder/internal/face/remote"
	"github.com/user/biometric-embedder/internal/speaker"
	"github.com/user/biometric-embedder/internal/speaker/vosk"
	"github.com/user/biometric-embedder/internal/voice"
)

const remoteFaceTimeout = 30 * time.Second

func newSplitter(cfg *config.Config) audio.Splitter {
	if cfg.VADBackend == "webrtc" {
		s := audio.NewWebRTCSplitter()
		s.Mode = cfg.VADMode
		return s
	}
	return audio.NewEnergySplitter()
}

func newSpeakerModel(cfg *config.Config) (speaker.Model, error) {
	switch cfg.SpeakerBackend {
	case "vosk":
		return vosk.New(cfg.VoskModelPath, cfg.VoskSpkModelPath)
	case "fbank":
		return speaker.NewFbankModel(speaker.DefaultFbankConfig()), nil
	default:
		return nil, fmt.Errorf("unsupported speaker backend: %s", cfg.SpeakerBackend)
	}
}

// newFaceEmbedder returns nil when face embedding is disabled.
func newFaceEmbedder(cfg *config.Config) (face.Embedder, error) {
	switch cfg.FaceBackend {
	case "dlib":
		return dlib.New(cfg.FaceModelsDir)
	case "remote":
		return remote.New(cfg.FaceRemoteURL, remoteFaceTimeout), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported face backend: %s", cfg.FaceBackend)
	}
}

func newPipeline(cfg *config.Config) (*voice.Pipeline, error) {
	model, err := newSpeakerModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create speaker model: %w", err)
	}

	log.Info().
		Str("vad", cfg.VADBackend).
		Str("speaker", cfg.SpeakerBackend).
		Int("embedding_dim", model.Dimension()).
		Int("max_concurrent", cfg.MaxConcurrentAnalyses).
		Msg("Voice pipeline ready")

	return voice.New(newSplitter(cfg), model, cfg.TempDir).WithConcurrency(cfg.MaxConcurrentAnalyses), nil
}
