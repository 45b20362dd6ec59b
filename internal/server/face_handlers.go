package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/apperrors"
	"github.com/user/biometric-embedder/internal/match"
	"github.com/user/biometric-embedder/internal/store"
)

type faceRegisterForm struct {
	Username string `form:"username" binding:"required,min=3,max=64"`
	Email    string `form:"email" binding:"omitempty,email"`
}

type faceLoginForm struct {
	Username string `form:"username" binding:"required"`
}

// embedImage reads the multipart "image" field and embeds it.
func (s *Server) embedImage(c *gin.Context) ([]float32, error) {
	if s.deps.Face == nil {
		return nil, apperrors.ServiceUnavailable("face embedding")
	}

	fh, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, apperrors.MissingInput("Image file missing")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.Unexpected(err)
	}
	defer f.Close()

	img, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.Unexpected(err)
	}
	return s.deps.Face.Embed(c.Request.Context(), img)
}

func (s *Server) embed(c *gin.Context) {
	emb, err := s.embedImage(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"embedding": emb})
}

func (s *Server) registerFace(c *gin.Context) {
	var form faceRegisterForm
	if !bindForm(c, &form) {
		return
	}

	ctx := c.Request.Context()
	user, err := s.deps.Store.GetUser(ctx, form.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = &store.User{Username: form.Username, Email: form.Email}
	case err != nil:
		respondError(c, err)
		return
	case len(user.FaceEmbedding) > 0:
		respondError(c, store.ErrUsernameExists)
		return
	}

	emb, err := s.embedImage(c)
	if err != nil {
		respondError(c, err)
		return
	}
	user.FaceEmbedding = emb
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
		Msg("Face registered")

	s.respondToken(c, user.ID, nil)
}

func (s *Server) loginFace(c *gin.Context) {
	var form faceLoginForm
	if !bindForm(c, &form) {
		return
	}

	ctx := c.Request.Context()
	user, err := s.deps.Store.GetUser(ctx, form.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(user.FaceEmbedding) == 0 {
		respondError(c, apperrors.InvalidInput("username", "face not registered for this user"))
		return
	}

	emb, err := s.embedImage(c)
	if err != nil {
		respondError(c, err)
		return
	}

	similarity, err := match.Cosine(emb, user.FaceEmbedding)
	if errors.Is(err, match.ErrDimensionMismatch) {
		respondError(c, apperrors.ReenrollmentRequired("face").WithCause(err))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	accepted := match.FaceAccepted(similarity, s.opts.FaceThreshold)

	s.recordLogin(c, &store.LoginEvent{
		UserID:     user.ID,
		Method:     store.MethodFace,
		Success:    accepted,
		Similarity: similarity,
	})

	log.Info().
		Str("user_id", user.ID).
		Float64("similarity", similarity).
		Float64("threshold", s.opts.FaceThreshold).
		Bool("accepted", accepted).
		Msg("Face authentication scored")

	scores := gin.H{"similarity": similarity}
	if !accepted {
		respondError(c, apperrors.AuthenticationFailed("Face authentication failed").WithDetail("scores", scores))
		return
	}
	s.respondToken(c, user.ID, gin.H{"scores": scores})
}
