// Package server exposes the voice pipeline, face embedding and biometric
// login flows over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/biometric-embedder/internal/auth"
	"github.com/user/biometric-embedder/internal/face"
	"github.com/user/biometric-embedder/internal/store"
	"github.com/user/biometric-embedder/internal/voice"
)

const historyLimit = 10

type Options struct {
	Addr           string
	MaxUploadBytes int64
	CORSOrigins    []string
	VoiceThreshold float64
	FaceThreshold  float64
}

// Deps are the long-lived components shared by every request. Face may be
// nil, in which case face routes answer 503.
type Deps struct {
	Voice  *voice.Pipeline
	Face   face.Embedder
	Store  *store.Store
	Issuer *auth.Issuer
}

type Server struct {
	opts   Options
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

func New(opts Options, deps Deps) *Server {
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		opts:   opts,
		deps:   deps,
		engine: gin.New(),
	}
	s.routes()

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.Use(Recovery(), RequestID(), Tracing(), CORS(s.opts.CORSOrigins), BodyLimit(s.opts.MaxUploadBytes), AccessLog())

	r.GET("/health", s.health)
	r.POST("/embed", s.embed)
	r.POST("/voice-verify", s.voiceVerify)

	api := r.Group("/api")
	api.POST("/register", s.registerFace)
	api.POST("/login", s.loginFace)
	api.POST("/voice/register", s.registerVoice)
	api.POST("/voice/login", s.loginVoice)

	authed := api.Group("", auth.RequireToken(s.deps.Issuer))
	authed.GET("/user", s.currentUser)
	authed.GET("/login-history", s.loginHistory)
	authed.POST("/logout", s.logout)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen address and serves in the background. It returns
// once the listener is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.http.Addr, err)
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Msg("HTTP server started")
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"face":              s.deps.Face != nil,
		"speaker_dimension": s.deps.Voice.Model.Dimension(),
	})
}
