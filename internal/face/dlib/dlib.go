// Package dlib embeds faces locally with the dlib ResNet model through
// go-face.
package dlib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goface "github.com/Kagami/go-face"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/face"
)

// Embedder wraps a go-face recognizer. The recognizer is not safe for
// concurrent use, so calls are serialised.
type Embedder struct {
	mu  sync.Mutex
	rec *goface.Recognizer
}

var _ face.Embedder = (*Embedder)(nil)

// New loads the shape predictor and recognition models from modelsDir.
func New(modelsDir string) (*Embedder, error) {
	log.Info().Str("models_dir", modelsDir).Msg("Loading dlib face models")

	rec, err := goface.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load face models from %s: %w", modelsDir, err)
	}

	log.Info().Msg("Face models loaded successfully")
	return &Embedder{rec: rec}, nil
}

// Embed returns the 128-d descriptor of the single face in img.
func (e *Embedder) Embed(ctx context.Context, img []byte) ([]float32, error) {
	jpg, err := face.ToJPEG(img)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	f, err := e.rec.RecognizeSingle(jpg)
	e.mu.Unlock()
	if err != nil {
		return nil, classifyError(err)
	}
	if f == nil {
		return nil, face.ErrNoFace
	}

	out := make([]float32, len(f.Descriptor))
	copy(out, f.Descriptor[:])
	return out, nil
}

// classifyError maps a payload dlib could not decode to face.ErrUnsupportedImage.
func classifyError(err error) error {
	var loadErr goface.ImageLoadError
	if errors.As(err, &loadErr) {
		return fmt.Errorf("%w: %v", face.ErrUnsupportedImage, loadErr)
	}
	return fmt.Errorf("face recognition failed: %w", err)
}

func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Close()
	return nil
}
