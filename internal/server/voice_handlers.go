package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/apperrors"
	"github.com/user/biometric-embedder/internal/match"
	"github.com/user/biometric-embedder/internal/store"
	"github.com/user/biometric-embedder/internal/voice"
)

type voiceRegisterForm struct {
	Username string `form:"username" binding:"required,min=3,max=64"`
	Email    string `form:"email" binding:"omitempty,email"`
}

type voiceLoginForm struct {
	Username string `form:"username" binding:"required"`
}

type verifyResponse struct {
	*voice.Result
	Success bool `json:"success"`
}

// processAudio runs the multipart "audio" field through the pipeline.
func (s *Server) processAudio(c *gin.Context) (*voice.Result, error) {
	fh, err := c.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, apperrors.MissingInput("Audio file missing")
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.Unexpected(err)
	}
	defer f.Close()

	log.Debug().
		Str(ctxRequestID, c.GetString(ctxRequestID)).
		Str("filename", fh.Filename).
		Int64("size", fh.Size).
		Msg("Processing audio upload")

	return s.deps.Voice.Process(c.Request.Context(), f)
}

func (s *Server) voiceVerify(c *gin.Context) {
	res, err := s.processAudio(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{Result: res, Success: true})
}

func (s *Server) registerVoice(c *gin.Context) {
	var form voiceRegisterForm
	if !bindForm(c, &form) {
		return
	}

	res, err := s.processAudio(c)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	profile := &store.VoiceProfile{Embedding: res.Embedding, Features: res.Features}

	user, err := s.deps.Store.GetUser(ctx, form.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = &store.User{Username: form.Username, Email: form.Email}
	case err != nil:
		respondError(c, err)
		return
	}
	user.Voice = profile
	if form.Email != "" {
		user.Email = form.Email
	}

	if err := s.deps.Store.SaveUser(ctx, user); err != nil {
		respondError(c, err)
		return
	}

	log.Info().
		Str("user_id", user.ID).
		Str("username", user.Username).
		Msg("Voice registered")

	s.respondToken(c, user.ID, gin.H{"message": "Voice registered successfully"})
}

func (s *Server) loginVoice(c *gin.Context) {
	var form voiceLoginForm
	if !bindForm(c, &form) {
		return
	}

	ctx := c.Request.Context()
	user, err := s.deps.Store.GetUser(ctx, form.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	if user.Voice == nil {
		respondError(c, apperrors.InvalidInput("username", "voice not registered for this user"))
		return
	}

	res, err := s.processAudio(c)
	if err != nil {
		respondError(c, err)
		return
	}

	score, err := match.ScoreVoice(res.Embedding, user.Voice.Embedding, res.Features, user.Voice.Features)
	if errors.Is(err, match.ErrDimensionMismatch) {
		respondError(c, apperrors.ReenrollmentRequired("voice").WithCause(err))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	accepted := score.Accepted(s.opts.VoiceThreshold)

	s.recordLogin(c, &store.LoginEvent{
		UserID:         user.ID,
		Method:         store.MethodVoice,
		Success:        accepted,
		Similarity:     score.Embedding,
		BiometricScore: score.Biometric,
	})

	log.Info().
		Str("user_id", user.ID).
		Float64("embedding", score.Embedding).
		Float64("biometric", score.Biometric).
		Float64("combined", score.Combined).
		Float64("threshold", s.opts.VoiceThreshold).
		Bool("accepted", accepted).
		Msg("Voice authentication scored")

	if !accepted {
		respondError(c, apperrors.AuthenticationFailed("Voice authentication failed").WithDetail("scores", score))
		return
	}

	s.respondToken(c, user.ID, gin.H{"scores": score})
}

// bindForm binds the multipart fields into form and writes the error
// response when binding fails.
func bindForm(c *gin.Context, form any) bool {
	err := c.ShouldBind(form)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(c, err)
	} else {
		respondError(c, apperrors.InvalidInput("form", err.Error()))
	}
	return false
}

// recordLogin stores a history entry. Failures are logged and do not fail
// the request.
func (s *Server) recordLogin(c *gin.Context, e *store.LoginEvent) {
	e.ClientIP = c.ClientIP()
	if err := s.deps.Store.AddLoginEvent(c.Request.Context(), e); err != nil {
		log.Error().
			Err(err).
			Str("user_id", e.UserID).
			Str("method", e.Method).
			Msg("Failed to record login event")
	}
}

func (s *Server) respondToken(c *gin.Context, userID string, extra gin.H) {
	token, err := s.deps.Issuer.Issue(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"success": true, "token": token}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}
