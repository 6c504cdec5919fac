// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// tillerd is the Tiller daemon: it hosts the interactive agent session
// under a dedicated tmux server, relays chat messages and scheduled
// jobs through it one turn at a time, and records every exchange in
// the capture store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiller-foundation/tiller/capture"
	"github.com/tiller-foundation/tiller/jobs"
	"github.com/tiller-foundation/tiller/lib/breaker"
	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/config"
	"github.com/tiller-foundation/tiller/lib/patterns"
	"github.com/tiller-foundation/tiller/lib/process"
	"github.com/tiller-foundation/tiller/lib/screen"
	"github.com/tiller-foundation/tiller/lib/secret"
	"github.com/tiller-foundation/tiller/lib/tmux"
	"github.com/tiller-foundation/tiller/lib/version"
	"github.com/tiller-foundation/tiller/memorystore"
	"github.com/tiller-foundation/tiller/messaging"
	"github.com/tiller-foundation/tiller/relay"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to tiller.yaml (overrides TILLER_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("tillerd")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	// The agent session. A dedicated tmux server socket keeps the
	// relay's session out of any interactive tmux the operator runs.
	server := tmux.NewServer(cfg.Session.SocketPath, cfg.Session.ConfigFile)
	if !server.HasSession(cfg.Session.Name) {
		logger.Info("starting agent session",
			"session", cfg.Session.Name, "command", cfg.Session.Command)
		if err := server.NewSession(cfg.Session.Name, cfg.Session.Command...); err != nil {
			return fmt.Errorf("starting agent session: %w", err)
		}
	} else {
		logger.Info("attaching to existing agent session", "session", cfg.Session.Name)
	}
	session := relay.NewTmuxSession(server, cfg.Session.Name)

	library := patterns.Default()
	if cfg.Relay.PatternsFile != "" {
		if err := library.MergeFile(cfg.Relay.PatternsFile); err != nil {
			return err
		}
		logger.Info("merged pattern file",
			"path", cfg.Relay.PatternsFile, "version", library.Version())
	}

	store, err := capture.Open(capture.StoreConfig{
		Path:        cfg.Capture.Path,
		RetainTurns: cfg.Capture.RetainTurns,
		RetainAge:   cfg.Capture.RetainAge.Std(),
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := &capture.Recorder{Store: store, Logger: logger}
	composer := &relay.Composer{
		Recent:      relay.NewRecentBuffer(cfg.Relay.RecentExchanges),
		InlineLimit: cfg.Relay.InlineLimit,
		ArtifactDir: cfg.Relay.ArtifactDir,
		Logger:      logger,
	}

	// External memory store: context on the way in, completed
	// exchanges on the way out. Optional.
	if cfg.Memory.URL != "" {
		memory, err := memorystore.NewClient(memorystore.ClientConfig{
			URL:     cfg.Memory.URL,
			Timeout: cfg.Memory.Timeout.Std(),
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		composer.Memory = memory

		forwarder, err := capture.NewForwarder(capture.ForwarderConfig{
			Store:  store,
			Sender: memory,
			Breaker: breaker.New(breaker.Config{
				FailureThreshold: cfg.Memory.BreakerThreshold,
				Cooldown:         cfg.Memory.BreakerCooldown.Std(),
				Clock:            clk,
				Logger:           logger,
			}),
			Interval:    cfg.Capture.RetryInterval.Std(),
			Backoff:     cfg.Capture.RetryInterval.Std(),
			MaxAttempts: cfg.Capture.RetryMax,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		recorder.Forwarder = forwarder
		go forwarder.Run(ctx)
	}

	poller := &relay.Poller{
		Session:            session,
		Classifier:         screen.NewClassifier(library),
		Clock:              clk,
		Interval:           cfg.Relay.PollInterval.Std(),
		StabilityThreshold: cfg.Relay.StabilityThreshold,
		ProgressAfter:      cfg.Relay.ProgressAfter.Std(),
		Logger:             logger,
	}

	arbiter := &relay.Arbiter{
		Lock:           relay.NewSessionLock(clk, cfg.Relay.MaxHold.Std(), logger),
		Handle:         relay.NewSessionHandle(cfg.Session.Name),
		Session:        session,
		Composer:       composer,
		Poller:         poller,
		Library:        library,
		Sanitizer:      screen.NewSanitizer(library),
		Recorder:       recorder,
		Clock:          clk,
		Logger:         logger,
		AcquireTimeout: cfg.Relay.AcquireTimeout.Std(),
		TurnTimeout:    cfg.Relay.TurnTimeout.Std(),
		ResetCommand:   cfg.Session.ResetCommand,
		ResetTimeout:   cfg.Relay.TurnTimeout.Std(),
	}

	// Chat transport. Optional; without it the daemon still runs
	// scheduled jobs and records captures.
	var gateway *messaging.Gateway
	if cfg.Messaging.Homeserver != "" {
		gateway, err = startMessaging(ctx, cfg, arbiter, poller, logger)
		if err != nil {
			return err
		}
	}

	if cfg.Jobs.File != "" {
		if err := startScheduler(ctx, cfg, arbiter, gateway, clk, logger); err != nil {
			return err
		}
	}

	// Retention sweep, off the turn path.
	go pruneLoop(ctx, store, clk, logger)

	logger.Info("tiller running",
		"session", cfg.Session.Name,
		"captures", cfg.Capture.Path,
		"messaging", cfg.Messaging.Homeserver != "",
		"memory", cfg.Memory.URL != "",
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// startMessaging wires the Matrix transport: verify the token, join
// the room, start the watcher, and point poller progress notices at
// the room.
func startMessaging(ctx context.Context, cfg *config.Config, arbiter *relay.Arbiter, poller *relay.Poller, logger *slog.Logger) (*messaging.Gateway, error) {
	token, err := secret.ReadFromPath(cfg.Messaging.TokenFile)
	if err != nil {
		return nil, err
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Messaging.Homeserver,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	session, err := messaging.NewSession(messaging.SessionConfig{
		Client:          client,
		AccessToken:     token,
		MaxMessageBytes: cfg.Messaging.MaxMessageBytes,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	userID, err := session.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("verifying access token: %w", err)
	}
	if userID != cfg.Messaging.UserID {
		return nil, fmt.Errorf("access token belongs to %s, config says %s", userID, cfg.Messaging.UserID)
	}

	roomID, err := session.JoinRoom(ctx, cfg.Messaging.Room)
	if err != nil {
		return nil, err
	}

	gateway, err := messaging.NewGateway(messaging.GatewayConfig{
		Runner:    arbiter,
		Sender:    session,
		RoomID:    roomID,
		ContextID: defaultContextID(roomID),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	poller.OnProgress = func(elapsed time.Duration) {
		noticeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		gateway.PostNotice(noticeCtx,
			fmt.Sprintf("Still working on the last request (%s elapsed).", elapsed.Round(time.Second)))
	}

	watcher, err := messaging.NewRoomWatcher(messaging.WatcherConfig{
		Session:    session,
		RoomID:     roomID,
		SelfUserID: userID,
		Handler:    gateway.HandleMessage,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("room watcher stopped", "error", err)
		}
	}()
	return gateway, nil
}

func startScheduler(ctx context.Context, cfg *config.Config, arbiter *relay.Arbiter, gateway *messaging.Gateway, clk clock.Clock, logger *slog.Logger) error {
	jobList, err := jobs.LoadFile(cfg.Jobs.File)
	if err != nil {
		return err
	}

	var quiet *jobs.QuietWindow
	if cfg.Jobs.QuietStart != "" {
		quiet, err = jobs.NewQuietWindow(cfg.Jobs.QuietStart, cfg.Jobs.QuietEnd)
		if err != nil {
			return err
		}
	}

	var poster jobs.Poster = logPoster{logger: logger}
	if gateway != nil {
		poster = gateway
	}

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Jobs:   jobList,
		Runner: arbiter,
		Poster: poster,
		Quiet:  quiet,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("job scheduler stopped", "error", err)
		}
	}()
	return nil
}

// logPoster stands in for the gateway when the chat transport is
// disabled: job output lands in the log instead of a room.
type logPoster struct {
	logger *slog.Logger
}

func (p logPoster) PostResult(_ context.Context, roomID string, result relay.TurnResult) {
	p.logger.Info("job result (no chat transport configured)",
		"turn_id", result.TurnID, "outcome", result.Outcome,
		"room_id", roomID, "text", result.Text)
}

func pruneLoop(ctx context.Context, store *capture.Store, clk clock.Clock, logger *slog.Logger) {
	ticker := clk.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.Prune(ctx)
			if err != nil {
				logger.Error("capture prune failed", "error", err)
			} else if pruned > 0 {
				logger.Info("pruned captures", "turns", pruned)
			}
		}
	}
}

// defaultContextID derives a stable working-context ID from the room.
func defaultContextID(roomID string) string {
	return "room:" + roomID
}
