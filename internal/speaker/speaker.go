// Package speaker turns a voiced waveform into a fixed-length speaker
// embedding.
package speaker

import (
	"context"
	"errors"

	"github.com/user/biometric-embedder/internal/audio"
)

// ErrTooShort is returned when a waveform holds less than one analysis frame.
var ErrTooShort = errors.New("speaker: audio too short for an embedding")

// Model extracts speaker embedding vectors from 16 kHz mono audio.
//
// Implementations must be safe for concurrent use. The returned vector
// always has Dimension() elements.
type Model interface {
	Extract(ctx context.Context, w audio.Waveform) ([]float32, error)
	Dimension() int
	Close() error
}
