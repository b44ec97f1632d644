package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"keygate/internal/models"
)

func TestJSONStoreLoadMissingFile(t *testing.T) {
	store := NewJSONStore(filepath.Join(t.TempDir(), "accounts.json"), nil)
	accounts, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected empty snapshot, got %d accounts", len(accounts))
	}
}

func TestJSONStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	store := NewJSONStore(path, nil)
	accounts, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load corrupt file: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected empty snapshot, got %d accounts", len(accounts))
	}
}

func TestJSONStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewJSONStore(path, nil)
	ctx := context.Background()

	want := map[string]models.Account{
		"alpha": {PIN: "1234", BoundAddress: "203.0.113.9"},
		"beta":  {PIN: "9999"},
		"gamma": {PIN: "0000", BoundAddress: "198.51.100.2", Locked: true},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d accounts, got %d", len(want), len(got))
	}
	for key, account := range want {
		if got[key] != account {
			t.Fatalf("account %q mismatch: want %+v got %+v", key, account, got[key])
		}
	}
}

func TestJSONStoreFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewJSONStore(path, nil)
	ctx := context.Background()

	accounts := map[string]models.Account{
		"alpha": {PIN: "1234", BoundAddress: "203.0.113.9"},
		"beta":  {PIN: "9999"},
		"gamma": {PIN: "0000", BoundAddress: "198.51.100.2", Locked: true},
	}
	if err := store.Save(ctx, accounts); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read accounts file: %v", err)
	}

	// Two-space indent, map keys sorted, absent bindings and false locks
	// omitted entirely.
	want := `{
  "alpha": {
    "pin": "1234",
    "ip": "203.0.113.9"
  },
  "beta": {
    "pin": "9999"
  },
  "gamma": {
    "pin": "0000",
    "ip": "198.51.100.2",
    "locked": true
  }
}
`
	if string(raw) != want {
		t.Fatalf("unexpected file layout:\n%s\nwant:\n%s", raw, want)
	}
}

func TestJSONStoreSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	store := NewJSONStore(path, nil)

	if err := store.Save(context.Background(), map[string]models.Account{"alpha": {PIN: "1"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "accounts.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only accounts.json, got %v", names)
	}
}

func TestJSONStorePing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewJSONStore(path, nil)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
