package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tributelabs/tributary/pkg/logger"
	"github.com/tributelabs/tributary/pkg/metrics"
	"github.com/tributelabs/tributary/pkg/notify"
	"github.com/tributelabs/tributary/pkg/pg"
	"github.com/tributelabs/tributary/pkg/server"
	"github.com/tributelabs/tributary/pkg/vault"
	"github.com/tributelabs/tributary/pkg/venue"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "HTTP listen address")
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection string (or set POSTGRES_URL env var)")
	runMigrationsFlag := flag.Bool("run-migrations", false, "Run database migrations on startup")
	venueURLFlag := flag.String("venue-url", "", "External yield venue base URL (or set VENUE_URL env var)")
	venueTokenFlag := flag.String("venue-token", "", "Bearer token for the yield venue (or set VENUE_TOKEN env var)")
	adminTokenFlag := flag.String("admin-token", "", "Bearer token for the admin API; empty disables it (or set ADMIN_TOKEN env var)")
	slackTokenFlag := flag.String("slack-token", "", "Slack bot token for notifications (or set SLACK_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel for notifications (or set SLACK_CHANNEL env var)")
	convertIntervalFlag := flag.Duration("convert-interval", 0, "Trigger a conversion periodically (0 disables)")
	flag.Parse()

	// Override flags with environment variables if set
	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if env := os.Getenv("VENUE_URL"); env != "" {
		*venueURLFlag = env
	}
	if env := os.Getenv("VENUE_TOKEN"); env != "" {
		*venueTokenFlag = env
	}
	if env := os.Getenv("ADMIN_TOKEN"); env != "" {
		*adminTokenFlag = env
	}
	if env := os.Getenv("SLACK_TOKEN"); env != "" {
		*slackTokenFlag = env
	}
	if env := os.Getenv("SLACK_CHANNEL"); env != "" {
		*slackChannelFlag = env
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, pg.Config{
		Logger:        log,
		URL:           *postgresURLFlag,
		RunMigrations: *runMigrationsFlag,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := vault.NewStore(vault.StoreConfig{
		Logger: log,
		Pool:   pool,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	venueClient, err := venue.NewClient(venue.ClientConfig{
		Logger:  log,
		BaseURL: *venueURLFlag,
		Token:   *venueTokenFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create venue client: %w", err)
	}

	var notifier notify.Notifier
	if *slackTokenFlag != "" {
		notifier, err = notify.NewSlack(notify.SlackConfig{
			Logger:  log,
			Token:   *slackTokenFlag,
			Channel: *slackChannelFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to create slack notifier: %w", err)
		}
	}

	svc, err := vault.NewService(vault.ServiceConfig{
		Logger:    log,
		Store:     store,
		Converter: venueClient,
		Payouts:   venueClient,
		Notifier:  notifier,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Service:    svc,
		ListenAddr: *listenAddrFlag,
		AdminToken: *adminTokenFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	if *convertIntervalFlag > 0 {
		g.Go(func() error {
			return svc.RunAutoConvert(ctx, clockwork.NewRealClock(), *convertIntervalFlag)
		})
	}
	return g.Wait()
}
