// Command bootstrap-account provisions an access key in the accounts store.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"keygate/internal/models"
	"keygate/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		key         string
		pin         string
		force       bool
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON accounts file (accounts.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&key, "key", "", "Access key to provision")
	flag.StringVar(&pin, "pin", "", "PIN paired with the access key")
	flag.BoolVar(&force, "force", false, "Overwrite an existing account, resetting any binding or lock")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one store option may be provided")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		fatalf("--key is required")
	}
	if pin == "" {
		fatalf("--pin is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open accounts store: %v", err)
	}
	defer closeRepository(repo)

	accounts, err := repo.Load(ctx)
	if err != nil {
		fatalf("load accounts: %v", err)
	}

	if existing, ok := accounts[key]; ok && !force {
		state := "unbound"
		switch {
		case existing.Locked:
			state = "locked"
		case existing.Bound():
			state = fmt.Sprintf("bound to %s", existing.BoundAddress)
		}
		fatalf("account %q already exists (%s); pass --force to overwrite", key, state)
	}

	accounts[key] = models.Account{PIN: pin}
	if err := repo.Save(ctx, accounts); err != nil {
		fatalf("save accounts: %v", err)
	}

	fmt.Printf("Account %s provisioned; it will bind to the first address that logs in.\n", key)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONStore(jsonPath, nil), nil
	}
	return storage.NewPostgresStore(ctx, storage.PostgresConfig{DSN: postgresDSN})
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}
