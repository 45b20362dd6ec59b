// Package face defines the face embedding backends used by the service.
package face

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"net/http"
)

var (
	// ErrNoFace is returned when the image holds no detectable face.
	ErrNoFace = errors.New("face: no face detected")
	// ErrUnsupportedImage is returned for payloads that are neither JPEG nor PNG.
	ErrUnsupportedImage = errors.New("face: unsupported image format")
)

// Embedder maps an encoded image to a face descriptor.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Close() error
}

// ToJPEG returns data unchanged if it is a JPEG and re-encodes PNG input as
// JPEG. Other formats yield ErrUnsupportedImage.
func ToJPEG(data []byte) ([]byte, error) {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return data, nil
	case "image/png":
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
		}
		return encodeJPEG(img)
	default:
		return nil, ErrUnsupportedImage
	}
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("face: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
