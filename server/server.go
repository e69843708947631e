package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashback/config"
	"flashback/logger"
)

// Start wires the service, serves HTTP until SIGINT/SIGTERM and shuts down
// gracefully. Running processing sessions are cancelled on shutdown.
func Start(cfg *config.Config) error {
	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.ArtifactsDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	c, err := Wire(baseCtx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	var events EventLog
	if c.Progress != nil {
		events = c.Progress
	}
	handler := NewHandler(baseCtx, Options{
		ArtifactsDir:   cfg.ArtifactsDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
	}, c.Ingest, c.Tasks, c.Pipeline, events)

	// Uploads may be large; the WebSocket clears its own deadlines.
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", logger.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Shutting down server", logger.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop sessions first so their pipelines unwind while the listener drains.
	cancel()
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", logger.ErrorField(err))
		return err
	}
	logger.Info("Server exited")
	return nil
}
