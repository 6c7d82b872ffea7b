package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/denpacast/smoothcast/config"
	"github.com/denpacast/smoothcast/internal/auth"
	"github.com/denpacast/smoothcast/internal/controller"
	"github.com/denpacast/smoothcast/internal/httpapi"
	"github.com/denpacast/smoothcast/internal/mediasim"
	"github.com/denpacast/smoothcast/internal/playlist"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	slog.Info("Starting smoothcast orchestrator",
		"http_port", cfg.HTTPPort,
		"playlist_file", cfg.PlaylistFile,
		"media_dir", cfg.MediaDir,
	)

	items, err := playlist.LoadFile(cfg.PlaylistFile)
	if err != nil {
		slog.Error("failed to load playlist", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := mediasim.New(cfg.MediaDir, cfg.FfprobePath, logger)

	ctrl, err := controller.Create(ctx, eng, items,
		controller.WithTransitionDuration(time.Duration(cfg.TransitionMs)*time.Millisecond),
		controller.WithOutputSize(cfg.OutputWidth, cfg.OutputHeight),
		controller.WithOutputAudio(cfg.OutputSampleRate, cfg.OutputChannels),
		controller.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create playlist controller", "error", err)
		os.Exit(1)
	}

	go func() {
		for ev := range ctrl.Events() {
			slog.Info("controller event", "kind", ev.Kind.String(), "index", ev.Index, "error", ev.Err)
		}
	}()

	a := auth.New(auth.Config{
		Username:  cfg.OperatorUsername,
		Password:  cfg.OperatorPassword,
		JWTSecret: cfg.JWTSecret,
	})
	router := httpapi.Router(httpapi.NewHandlers(ctrl, a))

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := ctrl.Start(startCtx); err != nil {
		slog.Error("failed to start playlist", "error", err)
	}
	startCancel()

	slog.Info("http control surface listening", "addr", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", "error", err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := ctrl.Close(closeCtx); err != nil {
		slog.Error("error closing controller", "error", err)
	}
	if err := eng.Close(); err != nil {
		slog.Error("error closing media engine", "error", err)
	}

	slog.Info("server stopped")
}
