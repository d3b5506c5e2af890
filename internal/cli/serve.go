package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forPelevin/vidsum/internal/httpapi"
	"github.com/forPelevin/vidsum/internal/pipeline"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	return cmd
}

func serve(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("addr"); v != "" {
		cfg.Addr = v
	}
	log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Jobs:        svc.Jobs,
		Chat:        svc.Chat,
		Transcripts: svc.Usecase,
		Log:         log,
	})
	// No write timeout: chat replies are streamed.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server started", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case serveErr = <-errCh:
		log.Error("server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error("job shutdown incomplete", "error", err)
	}
	log.Info("server stopped")
	return serveErr
}
