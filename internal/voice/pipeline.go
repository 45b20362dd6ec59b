// Package voice runs an uploaded recording through decoding, voice
// activity detection, feature extraction and speaker embedding.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/features"
	"github.com/user/biometric-embedder/internal/speaker"
)

const tracerName = "github.com/user/biometric-embedder/internal/voice"

// Re-exported so callers can classify Process errors without importing the
// stage packages.
var (
	ErrNoVoice          = audio.ErrNoVoice
	ErrExtractionFailed = features.ErrExtractionFailed
)

// Result is the output of one pipeline run.
type Result struct {
	Embedding []float32        `json:"embedding"`
	Features  features.Summary `json:"voice_features"`
	// VoicedSeconds is the length of the cleaned waveform.
	VoicedSeconds float64 `json:"-"`
}

// Pipeline is safe for concurrent use as long as its Splitter, Model and
// Extractor are.
type Pipeline struct {
	Splitter  audio.Splitter
	Model     speaker.Model
	Extractor *features.Extractor
	TempDir   string

	slots *semaphore.Weighted
}

// New creates a Pipeline with the default feature extractor.
func New(splitter audio.Splitter, model speaker.Model, tempDir string) *Pipeline {
	return &Pipeline{
		Splitter:  splitter,
		Model:     model,
		Extractor: features.NewExtractor(features.DefaultConfig()),
		TempDir:   tempDir,
	}
}

// WithConcurrency bounds the number of recordings analysed at once. Callers
// beyond the limit wait in Process until a slot frees or their context ends.
func (p *Pipeline) WithConcurrency(n int) *Pipeline {
	if n > 0 {
		p.slots = semaphore.NewWeighted(int64(n))
	}
	return p
}

// Process persists payload to a uniquely named temporary file, analyses it
// and removes the file before returning, whatever the outcome.
func (p *Pipeline) Process(ctx context.Context, payload io.Reader) (res *Result, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "voice.Process")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()

	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for an analysis slot: %w", err)
		}
		defer p.slots.Release(1)
	}

	path, err := p.persist(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn().Err(rmErr).Str("path", path).Msg("Failed to remove temporary upload")
		}
	}()

	w, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("audio.samples", w.Len()))

	res, err = p.analyse(ctx, w)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Float64("voiced_seconds", res.VoicedSeconds).
		Int("embedding_dim", len(res.Embedding)).
		Dur("elapsed", time.Since(start)).
		Msg("Voice pipeline completed")

	return res, nil
}

// ProcessFile analyses a local file without copying it.
func (p *Pipeline) ProcessFile(ctx context.Context, path string) (*Result, error) {
	w, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}
	return p.analyse(ctx, w)
}

func (p *Pipeline) persist(payload io.Reader) (string, error) {
	path := filepath.Join(p.TempDir, "voice-"+uuid.NewString()+".upload")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary upload: %w", err)
	}

	if _, err := io.Copy(f, payload); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write temporary upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close temporary upload: %w", err)
	}
	return path, nil
}

// load decodes, resamples and cleans the recording at path.
func (p *Pipeline) load(ctx context.Context, path string) (audio.Waveform, error) {
	clip, err := p.decode(ctx, path)
	if err != nil {
		return audio.Waveform{}, err
	}

	_, span := otel.Tracer(tracerName).Start(ctx, "voice.vad")
	defer span.End()

	intervals, err := p.Splitter.Split(clip.Samples, clip.SampleRate)
	if err != nil {
		return audio.Waveform{}, err
	}
	span.SetAttributes(attribute.Int("vad.intervals", len(intervals)))

	cleaned, err := audio.Clean(clip.Samples, intervals)
	if err != nil {
		return audio.Waveform{}, err
	}

	log.Debug().
		Dur("duration", clip.Duration()).
		Int("intervals", len(intervals)).
		Int("voiced_samples", len(cleaned)).
		Msg("Voice activity detection completed")

	return audio.Waveform{Samples: cleaned, SampleRate: clip.SampleRate}, nil
}

func (p *Pipeline) decode(ctx context.Context, path string) (*audio.Clip, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "voice.decode")
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio: %w", err)
	}
	defer f.Close()

	clip, err := audio.Decode(f)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("audio.sample_rate", clip.SampleRate))
	return audio.Resample(clip, audio.TargetSampleRate)
}

// analyse runs feature extraction and speaker embedding concurrently on the
// same waveform.
func (p *Pipeline) analyse(ctx context.Context, w audio.Waveform) (*Result, error) {
	res := &Result{VoicedSeconds: float64(w.Len()) / float64(w.SampleRate)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered("feature extraction", func() error {
		_, span := otel.Tracer(tracerName).Start(gctx, "voice.features")
		defer span.End()

		summary, err := p.Extractor.Extract(w)
		if err != nil {
			return err
		}
		res.Features = summary
		return nil
	}))
	g.Go(recovered("speaker embedding", func() error {
		ectx, span := otel.Tracer(tracerName).Start(gctx, "voice.embedding")
		defer span.End()

		emb, err := p.Model.Extract(ectx, w)
		if errors.Is(err, speaker.ErrTooShort) {
			return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
		}
		if err != nil {
			return fmt.Errorf("speaker embedding failed: %w", err)
		}
		res.Embedding = emb
		return nil
	}))

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// recovered turns a panic in a pipeline stage into an error. Stages run on
// errgroup goroutines, where a panic would otherwise take down the process.
func recovered(stage string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("stage", stage).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Pipeline stage panicked")
				err = fmt.Errorf("%s panicked: %v", stage, r)
			}
		}()
		return fn()
	}
}
