package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/shell_agent/internal/api"
	"github.com/dgnsrekt/shell_agent/internal/browser"
	"github.com/dgnsrekt/shell_agent/internal/config"
	"github.com/dgnsrekt/shell_agent/internal/control"
	"github.com/dgnsrekt/shell_agent/internal/engine"
	"github.com/dgnsrekt/shell_agent/internal/favicon"
	"github.com/dgnsrekt/shell_agent/internal/history"
	"github.com/dgnsrekt/shell_agent/internal/netutil"
	"github.com/dgnsrekt/shell_agent/internal/session"
	"github.com/dgnsrekt/shell_agent/internal/storage"
	"github.com/dgnsrekt/shell_agent/internal/ui"
	"github.com/dgnsrekt/shell_agent/internal/view"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("shell config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.CDPURL(),
		"data_dir", cfg.DataDir,
		"new_tab_url", cfg.View.NewTabURL,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	launcher := browser.NewLauncher(browser.Config{
		CDPAddress:              cfg.CDPAddress,
		CDPPort:                 cfg.CDPPort,
		ProfileDir:              filepath.Join(cfg.DataDir, "profile"),
		LogFileDir:              "logs",
		Autoplay:                cfg.View.Autoplay,
		IgnoreCertificateErrors: cfg.View.IgnoreCertificateErrors,
	})
	launchCtx, cancelLaunch := context.WithTimeout(context.Background(), 30*time.Second)
	if err := launcher.Launch(launchCtx); err != nil {
		cancelLaunch()
		slog.Error("failed to launch engine", "error", err)
		os.Exit(1)
	}
	cancelLaunch()
	defer launcher.Stop()

	eng := engine.New(cfg.CDPURL(), engine.Policy{IgnoreCertificateErrors: cfg.View.IgnoreCertificateErrors})
	if err := eng.Connect(context.Background()); err != nil {
		slog.Error("failed to connect engine", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open store", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	recorder := history.NewRecorder(store)
	defer recorder.Close()

	resolver := favicon.NewResolver(store, favicon.NewFetcher())

	sessions, err := session.NewManager(context.Background(), eng)
	if err != nil {
		slog.Error("failed to create session partitions", "error", err)
		os.Exit(1)
	}

	window := ui.NewChannel()
	defer window.Close()

	views := view.NewManager(window, view.Deps{
		Factory:     eng,
		History:     recorder,
		Favicons:    resolver,
		Credentials: store,
		Settings:    cfg.View,
	})
	defer views.DestroyAll()
	sessions.RegisterWindow(control.MainWindowID, views)

	if _, err := views.Create(context.Background(), view.CreateOptions{Active: true}); err != nil {
		slog.Error("failed to open initial tab", "error", err)
		os.Exit(1)
	}

	svc := control.New(views, sessions, recorder, resolver)
	h := api.NewServer(svc, window)

	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("shell listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("shell server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shell shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
