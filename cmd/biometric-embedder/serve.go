package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/user/biometric-embedder/internal/auth"
	"github.com/user/biometric-embedder/internal/config"
	"github.com/user/biometric-embedder/internal/server"
	"github.com/user/biometric-embedder/internal/store"
	"github.com/user/biometric-embedder/internal/telemetry"
)

const (
	shutdownTimeout = 30 * time.Second
	serviceName     = "biometric-embedder"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg.LogLevel)
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Info().Str("version", version).Msg("Starting biometric embedder")

	shutdownTracing, err := telemetry.InitTracer(context.Background(), telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Endpoint:       cfg.TraceEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	pipeline, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	defer pipeline.Model.Close()

	faceEmbedder, err := newFaceEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("failed to create face embedder: %w", err)
	}
	if faceEmbedder != nil {
		defer faceEmbedder.Close()
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Addr:           cfg.HTTPAddr,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		CORSOrigins:    cfg.CORSAllowedOrigins,
		VoiceThreshold: cfg.VoiceMatchThreshold,
		FaceThreshold:  cfg.FaceMatchThreshold,
	}, server.Deps{
		Voice:  pipeline,
		Face:   faceEmbedder,
		Store:  st,
		Issuer: issuer,
	})

	if err := srv.Start(); err != nil {
		return err
	}

	log.Info().Msg("Service is running. Press Ctrl+C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown timeout exceeded, forcing exit")
		return nil
	}
	log.Info().Msg("Service stopped gracefully")
	return nil
}
