//go:build integration

// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/trustgate/migrations"
)

// PGTest returns a migrated database and a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database; otherwise a throwaway container
// is started. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dsn := os.Getenv("POSTGRES_URL")
	var container testcontainers.Container

	if dsn == "" {
		pg, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("trustgate_test"),
			postgres.WithUsername("trustgate"),
			postgres.WithPassword("trustgate_test_password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			t.Fatalf("pgtest: start postgres container: %v", err)
		}
		container = pg
		dsn, err = pg.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = pg.Terminate(ctx)
			t.Fatalf("pgtest: connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		terminate(ctx, container)
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate(ctx, container)
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		terminate(ctx, container)
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate(ctx, container)
	}

	return db, cleanup
}

func terminate(ctx context.Context, c testcontainers.Container) {
	if c != nil {
		_ = c.Terminate(ctx)
	}
}

// truncateAll empties every application table. The audit table's append-only
// trigger does not fire on TRUNCATE.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)
	}
}
