// Command migrate applies the embedded TillGate schema migrations.
//
// With no flags it connects and applies everything pending. -status prints
// the applied version against the embedded set without changing anything,
// and -pending lists the embedded migrations without connecting at all.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tillgate/tillgate/internal/db"
)

func main() {
	status := flag.Bool("status", false, "print the applied schema version and exit")
	pending := flag.Bool("pending", false, "list the embedded migrations and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline for the run")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if err := run(logger, *status, *pending, *timeout); err != nil {
		logger.Fatal().Err(err).Msg("migrate failed")
	}
}

func run(logger zerolog.Logger, status, pending bool, timeout time.Duration) error {
	migrations, err := db.GetMigrations()
	if err != nil {
		return err
	}

	if pending {
		for _, m := range migrations {
			fmt.Printf("%3d  %s\n", m.Version, m.Name)
		}
		return nil
	}

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return errors.New("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Migrations run serially on one connection; a full pool is waste.
	cfg := db.DefaultConfig(url)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	if status {
		applied, err := database.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		latest := 0
		if n := len(migrations); n > 0 {
			latest = migrations[n-1].Version
		}
		fmt.Printf("applied %d of %d\n", applied, latest)
		if applied < latest {
			os.Exit(1)
		}
		return nil
	}

	before, err := database.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	after, err := database.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	logger.Info().
		Int("from", before).
		Int("to", after).
		Msg("schema up to date")
	return nil
}
