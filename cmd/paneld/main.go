package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/craterhost/panel/pkg/agent"
	"github.com/craterhost/panel/pkg/api"
	"github.com/craterhost/panel/pkg/bus"
	"github.com/craterhost/panel/pkg/config"
	"github.com/craterhost/panel/pkg/lifecycle"
	"github.com/craterhost/panel/pkg/logging"
	"github.com/craterhost/panel/pkg/push"
	"github.com/craterhost/panel/pkg/reconciler"
	"github.com/craterhost/panel/pkg/relay"
	"github.com/craterhost/panel/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configError marks failures that happened before the daemon did any work,
// so main can exit 2 instead of 1.
type configError struct {
	err error
}

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	fs := flag.NewFlagSet("paneld", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file (default: /etc/paneld/config.yaml, then ./paneld.yaml)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if *showVersion {
		fmt.Printf("paneld %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce configError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return configError{err}
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("opening log files: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	mb, busMode, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer mb.Close()
	store.AddObserver(bus.NewPublisher(mb, cfg.Bus.SubjectPrefix))

	agents := agent.NewClient(agent.Config{
		ControlTimeout:     cfg.Agent.ControlTimeout,
		FileTimeout:        cfg.Agent.FileTimeout,
		ConsoleDialTimeout: cfg.Agent.ConsoleDialTimeout,
		MaxResponseBytes:   cfg.Agent.MaxResponseBytes,
	})

	ctrl := lifecycle.NewController(store, agents, logger, lifecycle.Config{
		RAMRate:       cfg.Billing.RAMRate,
		StorageRate:   cfg.Billing.StorageRate,
		RefundPercent: cfg.Billing.RefundPercent,
		RetryDelay:    cfg.Lifecycle.RetryDelay,
	})

	rec := reconciler.New(store, agents, logger)

	ticketSecret := cfg.Panel.TicketSecret
	if ticketSecret == "" {
		ticketSecret, err = generateSecret()
		if err != nil {
			return fmt.Errorf("generating ticket secret: %w", err)
		}
		fmt.Fprintln(os.Stderr, "warning: panel.ticket_secret unset; using an ephemeral secret, console tickets will not survive restarts")
	}
	tickets := relay.NewTickets(ticketSecret, store, cfg.Panel.TicketTTL)
	consoles := relay.NewManager(store, agents, tickets, logger, relay.Config{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var pushSvc *push.Service
	if cfg.Push.Enabled {
		svc, err := push.NewService(store, logger, push.Config{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber: cfg.Push.Subscriber,
		})
		if err != nil {
			return fmt.Errorf("push service: %w", err)
		}
		worker := push.NewWorker(svc, store, mb, cfg.Bus.SubjectPrefix, logger)
		if err := worker.Start(ctx); err != nil {
			return fmt.Errorf("starting push worker: %w", err)
		}
		defer worker.Stop()
		pushSvc = svc
	}

	sweeper := lifecycle.NewSweeper(store, logger, cfg.Lifecycle.OperationTimeout, cfg.Lifecycle.SweepInterval)
	go sweeper.Run(ctx)

	runner := reconciler.NewRunner(rec, store, logger, cfg.Reconciler.Interval, cfg.Reconciler.Concurrency)
	go runner.Run(ctx)

	go runJanitor(ctx, store, logger)

	logger.Info(logging.CategoryAPI, "starting", "paneld "+version, map[string]any{
		"bind": cfg.Panel.Bind,
		"db":   cfg.Storage.Path,
		"bus":  busMode,
	})

	server := api.NewServer(api.Config{
		Bind:           cfg.Panel.Bind,
		ExternalURL:    cfg.Panel.ExternalURL,
		AllowedOrigins: cfg.Panel.AllowedOrigins,
		AdminToken:     cfg.Panel.AdminToken,
		SessionTTL:     cfg.Panel.SessionTTL,
		PublicMetrics:  cfg.Panel.PublicMetrics,
		SubjectPrefix:  cfg.Bus.SubjectPrefix,
	}, api.Deps{
		Store:      store,
		Lifecycle:  ctrl,
		Relay:      consoles,
		Tickets:    tickets,
		Agents:     agents,
		Reconciler: rec,
		Push:       pushSvc,
		Bus:        mb,
		Logger:     logger,
	})

	// Start blocks until ctx is cancelled and the listener has drained.
	// Live console bridges are hijacked connections the HTTP shutdown does
	// not wait for, so they are torn down explicitly afterwards.
	err = server.Start(ctx)
	consoles.CloseAll()
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openBus connects to NATS when a URL is configured and falls back to the
// in-process bus for single-node deployments.
func openBus(cfg *config.Config) (bus.MessageBus, string, error) {
	if cfg.Bus.URL == "" {
		return bus.NewMemoryBus(), "memory", nil
	}
	busCfg := bus.DefaultConfig()
	busCfg.URL = cfg.Bus.URL
	nb, err := bus.NewNATSBus(busCfg)
	if err != nil {
		return nil, "", fmt.Errorf("connecting to NATS at %s: %w", cfg.Bus.URL, err)
	}
	return nb, cfg.Bus.URL, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// runJanitor deletes expired console tickets and web sessions on an hourly
// cadence. Login already prunes sessions opportunistically; this covers
// deployments where nobody signs in for long stretches.
func runJanitor(ctx context.Context, store *storage.Store, logger *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if n, err := store.CleanupExpiredConsoleTickets(now); err != nil {
				logger.Warn(logging.CategoryStorage, "ticket_cleanup_failed", err.Error(), nil)
			} else if n > 0 {
				logger.Debug(logging.CategoryStorage, "tickets_cleaned", "removed expired console tickets", map[string]any{"count": n})
			}
			if n, err := store.CleanupExpiredWebSessions(now); err != nil {
				logger.Warn(logging.CategoryStorage, "session_cleanup_failed", err.Error(), nil)
			} else if n > 0 {
				logger.Debug(logging.CategoryStorage, "sessions_cleaned", "removed expired web sessions", map[string]any{"count": n})
			}
		}
	}
}
