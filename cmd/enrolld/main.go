// SPDX-License-Identifier: MIT

// Command enrolld runs the course enrollment engine: an HTTP API over an
// event-sourced enrollment core, with a sqlite catalog read model and a
// hash-chained audit log.
//
// Subcommands:
//
//	enrolld                  run the daemon
//	enrolld seed <file>      load sections and students into the catalog
//	enrolld verify-audit     walk the audit chain and report corruption
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/campuskit/enrolld/internal/api"
	"github.com/campuskit/enrolld/internal/audit"
	"github.com/campuskit/enrolld/internal/auth"
	"github.com/campuskit/enrolld/internal/catalog"
	"github.com/campuskit/enrolld/internal/config"
	"github.com/campuskit/enrolld/internal/enrollment"
	"github.com/campuskit/enrolld/internal/eventstore"
	"github.com/campuskit/enrolld/internal/invariant"
	"github.com/campuskit/enrolld/internal/locks"
	"github.com/campuskit/enrolld/internal/log"
	"github.com/campuskit/enrolld/internal/policy"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// sysexits-style codes so operators can tell a bad config from a bad disk.
const (
	exitOK     = 0
	exitConfig = 64
	exitStore  = 70
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "seed":
			os.Exit(runSeed(os.Args[2:]))
		case "verify-audit":
			os.Exit(runVerifyAudit(os.Args[2:]))
		}
	}
	os.Exit(run(os.Args[1:]))
}

// loadConfig parses flags and loads configuration with precedence
// ENV > file > defaults, returning any positional arguments. Errors go to
// stderr because the logger is not configured until the log level is known.
func loadConfig(name string, args []string) (config.Config, []string, bool) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (YAML)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("enrolld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(exitOK)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enrolld: invalid configuration: %v\n", err)
		return config.Config{}, nil, false
	}
	return *cfg, fs.Args(), true
}

func run(args []string) int {
	cfg, _, ok := loadConfig("enrolld", args)
	if !ok {
		return exitConfig
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "enrolld"})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error().Err(err).Str("data_dir", cfg.DataDir).Msg("data dir not usable")
		return exitStore
	}

	store, err := eventstore.Open(eventstore.Options{
		Path:             filepath.Join(cfg.DataDir, "events"),
		SnapshotInterval: cfg.EventStore.SnapshotInterval,
	})
	if err != nil {
		logger.Error().Err(err).Msg("event store open failed")
		return exitStore
	}
	defer func() { _ = store.Close() }()

	cat, err := catalog.Open(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		logger.Error().Err(err).Msg("catalog open failed")
		return exitStore
	}
	defer func() { _ = cat.Close() }()

	chain, err := audit.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		logger.Error().Err(err).Msg("audit chain open failed")
		return exitStore
	}
	defer func() { _ = chain.Close() }()

	coord := enrollment.NewCoordinator(store, locks.NewManager(), cat,
		policy.NewEngine(policy.Standard()...), chain, enrollment.Config{
			LockWaitTimeout:    cfg.Lock.WaitTimeout,
			LockHoldTTL:        cfg.Lock.HoldTTL,
			MaxRetries:         cfg.Coordinator.MaxRetries,
			CreditCapDefault:   cfg.Policies.CreditCapDefault,
			MaxWaitlistDefault: cfg.Policies.MaxWaitlist,
		})

	reconciler := enrollment.NewReconciler(coord, cfg.Coordinator.ReconcileInterval)
	go reconciler.Run(ctx)

	monitor := invariant.NewMonitor(store, chain, cat)
	go monitor.Run(ctx, cfg.Invariant.SweepInterval)

	apiServer := api.New(api.Options{
		Coordinator: coord,
		Monitor:     monitor,
		Verifier:    auth.NewVerifier([]byte(cfg.Auth.TokenSecret)),
		RateLimit:   cfg.HTTP.RateLimit,
		Ready: func(ctx context.Context) error {
			return errors.Join(cat.Ping(ctx), chain.Ping(ctx))
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("addr", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Str("timezone", cfg.Timezone).
		Msg("starting enrolld")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
		return exitStore
	case <-ctx.Done():
	}

	logger.Info().Str("event", "shutdown").Msg("signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return exitOK
}
