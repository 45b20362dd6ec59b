// Package remote calls an external face embedding service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/face"
)

// Embedder posts images to a service exposing POST /embed with a multipart
// "image" field and replying {"embedding": [...]}.
type Embedder struct {
	url    string
	client *http.Client
}

var _ face.Embedder = (*Embedder)(nil)

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error"`
}

// New creates an Embedder for the given endpoint URL.
func New(url string, timeout time.Duration) *Embedder {
	return &Embedder{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (e *Embedder) Embed(ctx context.Context, img []byte) ([]float32, error) {
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("image", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(img); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	log.Debug().
		Str("url", e.url).
		Int("image_size_bytes", len(img)).
		Msg("Making face embedding request")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return nil, face.ErrNoFace
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", string(raw)).
			Msg("Face embedding service error response")
		return nil, fmt.Errorf("face embedding service error %d: %s", resp.StatusCode, string(raw))
	}

	var result embedResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, face.ErrNoFace
	}
	return result.Embedding, nil
}

// Close releases idle connections.
func (e *Embedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
