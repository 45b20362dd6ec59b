package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/biometric-embedder/internal/auth"
	"github.com/user/biometric-embedder/internal/store"
)

type userResponse struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	AuthMethods map[string]bool `json:"auth_methods"`
	CreatedAt   time.Time       `json:"created_at"`
}

type historyEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	AuthMethod      string    `json:"auth_method"`
	Success         bool      `json:"success"`
	SimilarityScore float64   `json:"similarity_score"`
	BiometricScore  float64   `json:"biometric_score"`
}

func (s *Server) currentUser(c *gin.Context) {
	user, err := s.deps.Store.GetUserByID(c.Request.Context(), auth.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		AuthMethods: map[string]bool{
			"voice": user.Voice != nil,
			"face":  len(user.FaceEmbedding) > 0,
		},
		CreatedAt: user.CreatedAt,
	})
}

func (s *Server) loginHistory(c *gin.Context) {
	events, err := s.deps.Store.LoginHistory(c.Request.Context(), auth.UserID(c), historyLimit)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]historyEntry, 0, len(events))
	for _, e := range events {
		out = append(out, historyEntry{
			Timestamp:       e.At,
			AuthMethod:      e.Method,
			Success:         e.Success,
			SimilarityScore: e.Similarity,
			BiometricScore:  e.BiometricScore,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) logout(c *gin.Context) {
	s.recordLogin(c, &store.LoginEvent{
		UserID:  auth.UserID(c),
		Method:  store.MethodLogout,
		Success: true,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}
