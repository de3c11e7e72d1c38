package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/tributelabs/tributary/pkg/logger"
	"github.com/tributelabs/tributary/pkg/pg"
	"github.com/tributelabs/tributary/pkg/vault"
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
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection string (or set POSTGRES_URL env var)")

	// Commands
	migrateFlag := flag.Bool("pg-migrate", false, "Run database migrations using goose")
	migrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show database migration status")
	addSourceFlag := flag.String("add-source", "", "Register an approved contribution source and print its token")
	showConfigFlag := flag.Bool("show-config", false, "Print the vault configuration")
	setIncentiveFlag := flag.Int64("set-caller-incentive-bps", -1, "Set the caller incentive fraction in basis points")
	setSlippageFlag := flag.Int64("set-slippage-floor-bps", -1, "Set the default slippage floor in basis points")
	flag.Parse()

	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}

	log := logger.New(*verboseFlag)

	if *postgresURLFlag == "" {
		return fmt.Errorf("--postgres-url is required")
	}

	if *migrateFlag {
		return pg.Migrate(log, *postgresURLFlag)
	}
	if *migrateStatusFlag {
		return pg.MigrationStatus(log, *postgresURLFlag)
	}

	ctx := context.Background()

	pool, err := pg.Connect(ctx, pg.Config{Logger: log, URL: *postgresURLFlag})
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := vault.NewStore(vault.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	if *addSourceFlag != "" {
		token, err := store.RegisterSource(ctx, *addSourceFlag)
		if err != nil {
			return err
		}
		// The token is shown exactly once; only its hash is stored.
		fmt.Printf("source %q registered\ntoken: %s\n", *addSourceFlag, token)
		return nil
	}

	if *setIncentiveFlag >= 0 || *setSlippageFlag >= 0 {
		cfg, err := store.GetConfig(ctx)
		if err != nil {
			return err
		}
		if *setIncentiveFlag >= 0 {
			cfg.CallerIncentiveBps = *setIncentiveFlag
		}
		if *setSlippageFlag >= 0 {
			cfg.SlippageFloorBps = *setSlippageFlag
		}
		if err := store.UpdateConfig(ctx, cfg); err != nil {
			return err
		}
		fmt.Printf("config updated: caller_incentive_bps=%d slippage_floor_bps=%d\n",
			cfg.CallerIncentiveBps, cfg.SlippageFloorBps)
		return nil
	}

	if *showConfigFlag {
		cfg, err := store.GetConfig(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("caller_incentive_bps=%d slippage_floor_bps=%d\n",
			cfg.CallerIncentiveBps, cfg.SlippageFloorBps)
		return nil
	}

	flag.Usage()
	return nil
}
