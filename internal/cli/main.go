package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/forPelevin/vidsum/internal/config"
	"github.com/forPelevin/vidsum/internal/pipeline"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := newRootCmd()
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vidsum",
		Short:         "Transcribe, summarize and cut highlight clips from videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("work-dir", "", "Working directory for media, audio and outputs")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")

	root.AddCommand(newServeCmd(), newProcessCmd(), newTranscribeCmd(), newSummarizeCmd(), newExtractClipsCmd())
	return root
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig(cmd *cobra.Command) (pipeline.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return pipeline.Config{}, err
	}
	if v, _ := cmd.Flags().GetString("work-dir"); v != "" {
		cfg.WorkDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
