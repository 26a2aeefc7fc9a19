// Package main runs a noise monitor that samples the sound level of an audio
// input, raises alerts above a threshold and records monitoring sessions.
//
// Usage:
//
//	noisemeter [-config path/to/config.json]
//
// If -config is not specified, the monitor looks for config.json in the same
// directory as the binary.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/session"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		slog.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			slog.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	slog.Info("using config file", "path", *configPath)

	cfg := config.New(*configPath)
	if err := cfg.Load(); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	medium, err := newMedium(&snap)
	if err != nil {
		slog.Error("failed to create session storage", "backend", snap.StorageBackend, "error", err)
		os.Exit(1)
	}

	store := session.NewStore(medium)
	if err := store.Load(); err != nil {
		// Start with an empty history rather than refusing to monitor
		slog.Error("failed to load sessions", "storage", medium.Name(), "error", err)
	}
	if n, err := store.CloseAbandoned(); err != nil {
		slog.Error("failed to close abandoned sessions", "error", err)
	} else if n > 0 {
		slog.Info("closed abandoned sessions", "count", n)
	}

	metrics.Init(func() int { return len(store.List()) })

	ffmpegPath := util.ResolveCommandPath(cfg.FFmpegPath(), "ffmpeg")
	if ffmpegPath == "" {
		slog.Warn("FFmpeg not found, using the platform capture tool", "configured_path", cfg.FFmpegPath())
	} else {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	}
	capture := audio.NewCapture(snap.AudioInput, ffmpegPath)

	events, err := eventlog.NewLogger(cmp.Or(snap.EventLogPath, eventlog.DefaultLogPath(snap.WebPort)))
	if err != nil {
		slog.Error("failed to open event log", "error", err)
		os.Exit(1)
	}

	notifier := notify.NewAlertNotifier(cfg)

	mon := monitor.New(monitor.Config{
		Source:     capture,
		Authorizer: capture,
		Store:      store,
		Notifier:   notifier,
		Events:     events,
		Settings:   monitorSettings(&snap),
	})

	srv := NewServer(cfg, mon, store, capture, notifier, events.Path())

	if snap.AutoStart {
		slog.Info("starting monitoring")
		if err := mon.Start(); err != nil {
			slog.Error("failed to start monitoring", "error", err)
		}
	}

	httpServer := srv.Start()
	go srv.version.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, util.ShutdownSignals()...)
	<-sigChan

	slog.Info("shutting down")

	srv.version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, util.WrapError("shutdown HTTP server", err))
	}
	if err := mon.Stop(); err != nil {
		errs = append(errs, util.WrapError("stop monitoring", err))
	}
	if err := notifier.Close(); err != nil {
		errs = append(errs, util.WrapError("close notifier", err))
	}
	if err := events.Close(); err != nil {
		errs = append(errs, util.WrapError("close event log", err))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown finished with errors", "error", err)
	}

	slog.Info("shutdown complete")
}

// newMedium returns the session storage medium for the configured backend.
func newMedium(snap *config.Snapshot) (session.Medium, error) {
	if snap.StorageBackend == config.StorageS3 {
		return session.NewS3Medium(s3Config(snap))
	}
	return session.NewFileMedium(snap.StoragePath), nil
}

// s3Config extracts the S3 session storage settings.
func s3Config(snap *config.Snapshot) *session.S3Config {
	return &session.S3Config{
		Endpoint:        snap.S3Endpoint,
		Bucket:          snap.S3Bucket,
		Key:             snap.S3Key,
		AccessKeyID:     snap.S3AccessKeyID,
		SecretAccessKey: snap.S3SecretAccessKey,
	}
}

// monitorSettings converts the configured intervals to engine settings.
func monitorSettings(snap *config.Snapshot) monitor.Settings {
	return monitor.Settings{
		Alert:          snap.AlertConfig(),
		SampleInterval: time.Duration(snap.SampleIntervalMs) * time.Millisecond,
		RecordInterval: time.Duration(snap.RecordIntervalMs) * time.Millisecond,
		DisplayWindow:  snap.DisplayWindow,
	}
}
