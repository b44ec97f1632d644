// Command migrate-json-to-postgres copies the JSON accounts file into Postgres.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"strings"

	"keygate/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/accounts.json", "path to the JSON accounts file to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("KEYGATE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, KEYGATE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	source := storage.NewJSONStore(*jsonPath, logger)
	accounts, err := source.Load(ctx)
	if err != nil {
		logger.Error("failed to load accounts file", "error", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		logger.Warn("accounts file is empty or missing, nothing to migrate", "path", *jsonPath)
		os.Exit(0)
	}
	logger.Info("loaded accounts file", "path", *jsonPath, "accounts", len(accounts))

	target, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{DSN: dsn})
	if err != nil {
		logger.Error("failed to open postgres store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = target.Close(context.Background())
	}()

	if err := target.Save(ctx, accounts); err != nil {
		logger.Error("failed to import accounts", "error", err)
		os.Exit(1)
	}

	migrated, err := target.Load(ctx)
	if err != nil {
		logger.Error("verification read failed", "error", err)
		os.Exit(1)
	}
	if len(migrated) != len(accounts) {
		logger.Error("verification mismatch", "expected", len(accounts), "got", len(migrated))
		os.Exit(1)
	}

	logger.Info("migration completed", "accounts", len(accounts))
}
