package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/apperrors"
	"github.com/user/biometric-embedder/internal/audio"
	"github.com/user/biometric-embedder/internal/face"
	"github.com/user/biometric-embedder/internal/features"
	"github.com/user/biometric-embedder/internal/match"
	"github.com/user/biometric-embedder/internal/store"
)

// toAppError maps library errors onto the client-facing taxonomy. Anything
// unrecognised becomes an unexpected failure.
func toAppError(err error) *apperrors.AppError {
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, audio.ErrNoVoice):
		return apperrors.NoVoiceDetected().WithCause(err)
	case errors.Is(err, features.ErrExtractionFailed):
		return apperrors.FeatureExtractionFailed(err)
	case errors.Is(err, audio.ErrUnsupportedFormat), errors.Is(err, audio.ErrEmptyAudio):
		return apperrors.UnsupportedFormat(err)
	case errors.Is(err, face.ErrNoFace):
		return apperrors.NoFaceDetected().WithCause(err)
	case errors.Is(err, face.ErrUnsupportedImage):
		return apperrors.InvalidInput("image", "image must be JPEG or PNG").WithCause(err)
	case errors.Is(err, match.ErrDimensionMismatch):
		return apperrors.ReenrollmentRequired("biometric").WithCause(err)
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFound("user").WithCause(err)
	case errors.Is(err, store.ErrUsernameExists):
		return apperrors.InvalidInput("username", "username already registered").WithCause(err)
	case errors.As(err, &tooLarge):
		return apperrors.New(apperrors.ErrCodeInvalidInput, "Upload too large", http.StatusRequestEntityTooLarge).
			WithDetail("limit_bytes", tooLarge.Limit)
	default:
		return apperrors.Unexpected(err)
	}
}

// respondError writes err as a JSON error body and logs it with the request
// context.
func respondError(c *gin.Context, err error) {
	appErr := toAppError(err)

	var event *zerolog.Event
	if appErr.HTTPStatus >= 500 {
		event = log.Error().Str("stage", c.FullPath())
	} else {
		event = log.Warn()
	}
	event.
		Err(err).
		Str(ctxRequestID, c.GetString(ctxRequestID)).
		Str("code", string(appErr.Code)).
		Int("status", appErr.HTTPStatus).
		Msg("Request failed")

	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.ToResponse())
}
