// Command migrate manages the trustgate schema.
//
// Usage:
//
//	go run ./cmd/migrate up             # apply pending migrations
//	go run ./cmd/migrate down           # roll back the last migration
//	go run ./cmd/migrate down-to 1      # roll back to version 1
//	go run ./cmd/migrate status         # list migrations and their state
//	go run ./cmd/migrate version        # print the current schema version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|up-to N|down-to N|status|version>")
		os.Exit(2)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if err := run(context.Background(), logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, command string, args []string) error {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		logResults(logger, results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			logResults(logger, []*goose.MigrationResult{result})
		}
		return err
	case "up-to", "down-to":
		target, err := versionArg(args)
		if err != nil {
			return err
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = provider.UpTo(ctx, target)
		} else {
			results, err = provider.DownTo(ctx, target)
		}
		logResults(logger, results)
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			applied := ""
			if !st.AppliedAt.IsZero() {
				applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-8d %-8s %-20s %s\n", st.Source.Version, st.State, applied, st.Source.Path)
		}
		return nil
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version %q", args[0])
	}
	return v, nil
}

func logResults(logger *slog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("no migrations to run")
		return
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"file", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
}
