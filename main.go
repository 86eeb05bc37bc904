// Package main provides a talkback gateway that captures an operator's
// utterance, forwards it to a remote relay and plays the replies that come back.
//
// Usage:
//
//	talkback [-config path/to/config.json]
//
// If -config is not specified, the gateway looks for config.json in the same
// directory as the binary.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/oszuidwest/zwfm-talkback/internal/config"
	"github.com/oszuidwest/zwfm-talkback/internal/cues"
	"github.com/oszuidwest/zwfm-talkback/internal/device"
	"github.com/oszuidwest/zwfm-talkback/internal/eventlog"
	"github.com/oszuidwest/zwfm-talkback/internal/observe"
	"github.com/oszuidwest/zwfm-talkback/internal/relay"
	"github.com/oszuidwest/zwfm-talkback/internal/session"
	"github.com/oszuidwest/zwfm-talkback/internal/types"
	"github.com/oszuidwest/zwfm-talkback/internal/util"
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

	if err := run(cfg); err != nil {
		slog.Error("talkback stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// run wires the gateway together and blocks until a shutdown signal.
func run(cfg *config.Config) error {
	snap := cfg.Snapshot()

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	// FFmpeg is only needed on platforms without native capture tools.
	ffmpegPath := util.ResolveFFmpegPath(snap.FFmpegPath)
	ffmpegAvailable := ffmpegPath != ""
	if ffmpegAvailable {
		slog.Info("FFmpeg found", "path", ffmpegPath)
	} else {
		slog.Warn("FFmpeg not found", "configured_path", snap.FFmpegPath)
	}

	var metrics *observe.Metrics
	if snap.MetricsEnabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: Version})
		if err != nil {
			return util.WrapError("initialize metrics", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("failed to shut down metrics provider", "error", err)
			}
		}()
		metrics = observe.DefaultMetrics()
	}

	eventsPath := snap.LogPath
	if eventsPath == "" {
		eventsPath = eventlog.DefaultLogPath(snap.WebPort)
	}
	events, err := eventlog.NewLogger(eventsPath)
	if err != nil {
		slog.Warn("event log disabled", "path", eventsPath, "error", err)
		events, eventsPath = nil, ""
	} else {
		defer func() {
			if err := events.Close(); err != nil {
				slog.Warn("failed to close event log", "error", err)
			}
		}()
	}

	cueSet, err := cues.Load(ctx, snap.StartCue, snap.EndCue, snap.Format)
	if err != nil {
		slog.Warn("cues disabled", "error", err)
		cueSet = nil
	}

	var rc *relay.Client
	if snap.RecordURL != "" || snap.PlayURL != "" {
		rc = relay.New(relay.Options{
			RecordURL:   snap.RecordURL,
			PlayURL:     snap.PlayURL,
			PingURL:     snap.PingURL,
			PollTimeout: snap.PollTimeout,
		})
	} else {
		slog.Warn("relay not configured, utterances are discarded")
	}

	sess, err := session.New(session.Deps{
		Config:   cfg,
		Player:   device.NewExecPlayer(snap.AudioOutput, ffmpegPath),
		Recorder: device.NewExecRecorder(snap.AudioInput, ffmpegPath),
		Relay:    rc,
		Cues:     cueSet,
		Events:   events,
		Metrics:  metrics,
	})
	if err != nil {
		return util.WrapError("create session", err)
	}

	srv := NewServer(cfg, sess, metrics, eventsPath, ffmpegAvailable)
	httpServer := srv.Start()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	var errs []error
	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, relay.ErrNotConfigured) {
			errs = append(errs, err)
		}
	}

	slog.Info("shutting down")
	stop()
	srv.version.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, util.WrapError("shut down HTTP server", err))
	}
	if err := sess.Close(); err != nil {
		errs = append(errs, util.WrapError("close session", err))
	}
	return errors.Join(errs...)
}
