package storage

import (
	"context"

	"keygate/internal/models"
)

// Repository exposes the account snapshot operations required by the gate.
// There is no partial-update API: callers load the full snapshot, mutate it in
// memory, and save the full snapshot back. The backing store holds the only
// authoritative copy; implementations must not cache across calls.
type Repository interface {
	// Load reads the current account snapshot. The JSON driver fails open:
	// missing or corrupt backing state yields an empty snapshot and a nil
	// error so a fresh deployment can boot without seeding a file.
	Load(ctx context.Context) (map[string]models.Account, error)

	// Save replaces the durable snapshot. A concurrent Load must never
	// observe a partially written snapshot. Persistence failures propagate.
	Save(ctx context.Context, accounts map[string]models.Account) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
