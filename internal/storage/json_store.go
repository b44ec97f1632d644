package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"keygate/internal/models"
)

// JSONStore persists the account snapshot as a single JSON document on disk.
// The document layout is a top-level object keyed by account key with
// two-space indentation, matching the accounts file produced by earlier
// deployments.
type JSONStore struct {
	filePath string
	logger   *slog.Logger
}

// NewJSONStore constructs a file-backed store rooted at path.
func NewJSONStore(path string, logger *slog.Logger) *JSONStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONStore{filePath: path, logger: logger}
}

// Load reads the snapshot from disk. A missing, empty, or unparseable file
// yields an empty snapshot so a fresh deployment can boot without seeding the
// store; decode failures are logged because they may indicate a truncated
// administrative edit.
func (s *JSONStore) Load(_ context.Context) (map[string]models.Account, error) {
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]models.Account{}, nil
	} else if err != nil {
		s.logger.Warn("open accounts file failed, treating store as empty", "path", s.filePath, "error", err)
		return map[string]models.Account{}, nil
	}
	defer file.Close()

	accounts := make(map[string]models.Account)
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&accounts); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("decode accounts file failed, treating store as empty", "path", s.filePath, "error", err)
		}
		return map[string]models.Account{}, nil
	}
	if accounts == nil {
		accounts = make(map[string]models.Account)
	}
	return accounts, nil
}

// Save writes the full snapshot through a temp file and rename so a
// concurrent Load never observes a partially written document.
func (s *JSONStore) Save(_ context.Context, accounts map[string]models.Account) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "accounts-*.json")
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush accounts file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	success = true
	return nil
}

// Ping verifies the directory holding the accounts file is reachable.
func (s *JSONStore) Ping(_ context.Context) error {
	dir := filepath.Dir(s.filePath)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}
