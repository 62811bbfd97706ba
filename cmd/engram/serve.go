package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/api"
	"github.com/kalambet/engram/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API over HTTP",
	Long: `Serve the read-only status API over HTTP.

Endpoints: /healthz, /api/v1/status, /api/v1/log, /api/v1/entries/search,
/api/v1/entries/recent, and Prometheus metrics on /metrics. Nothing here
writes to the store; ingestion stays with the ingest command.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (default from config)")
	serveCmd.Flags().String("token", "", "bearer token required for API routes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger, closeLog := config.SetupLogger(cfg.Log.File, level)
	defer closeLog()
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}
	token, _ := cmd.Flags().GetString("token")

	handler := api.NewHandler(api.Deps{
		Store:   store,
		DataDir: dataDir(cfg),
		Token:   token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("engram listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
