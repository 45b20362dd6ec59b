package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/biometric-embedder/internal/config"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Run the voice pipeline on a local recording and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOffline()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setupLogging(cfg.LogLevel)

		pipeline, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer pipeline.Model.Close()

		res, err := pipeline.ProcessFile(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("analysis of %s failed: %w", args[0], err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Embedding     []float32 `json:"embedding"`
			Features      any       `json:"voice_features"`
			VoicedSeconds float64   `json:"voiced_seconds"`
		}{res.Embedding, res.Features, res.VoicedSeconds})
	},
}
