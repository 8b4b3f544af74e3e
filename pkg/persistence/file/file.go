// Package file provides a file-based persistence implementation storing one JSON
// document per entity under a root directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/devicefarm/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
// Transactions are serialized by a store-wide mutex and their writes are staged
// in memory until the callback returns without error.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Atomic runs fn inside a transaction. Nested calls deadlock.
func (fp *Persistence) Atomic(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &transaction{root: fp.root, staged: make(map[string][]byte)}

	err := fn(ctx, tx)
	if err != nil {
		return err
	}

	return tx.commit()
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

type transaction struct {
	root   string
	staged map[string][]byte // nil marks a deletion
}

func (tx *transaction) Flows() persistence.FlowRepository             { return &flowRepository{tx: tx} }
func (tx *transaction) Collections() persistence.CollectionRepository { return &collectionRepository{tx: tx} }
func (tx *transaction) Records() persistence.RecordRepository         { return &recordRepository{tx: tx} }
func (tx *transaction) Devices() persistence.DeviceRepository         { return &deviceRepository{tx: tx} }
func (tx *transaction) Leases() persistence.LeaseRepository           { return &leaseRepository{tx: tx} }
func (tx *transaction) Campaigns() persistence.CampaignRepository     { return &campaignRepository{tx: tx} }
func (tx *transaction) Jobs() persistence.JobRepository               { return &jobRepository{tx: tx} }
func (tx *transaction) Market() persistence.MarketRepository          { return &marketRepository{tx: tx} }
func (tx *transaction) Logs() persistence.JobLogRepository            { return &jobLogRepository{tx: tx} }

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", persistence.ErrInvalidID)
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return fmt.Errorf("%w: %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func document(parts ...string) string {
	return path.Join(parts...) + ".json"
}

func (tx *transaction) read(key string) ([]byte, bool, error) {
	if body, ok := tx.staged[key]; ok {
		return body, body != nil, nil
	}

	body, err := os.ReadFile(filepath.Join(tx.root, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return body, true, nil
}

func (tx *transaction) write(key string, value any) error {
	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	tx.staged[key] = body

	return nil
}

func (tx *transaction) remove(key string) {
	tx.staged[key] = nil
}

// list returns the document keys directly under dir, staged writes included.
func (tx *transaction) list(dir string) ([]string, error) {
	keys := make(map[string]struct{})

	entries, err := os.ReadDir(filepath.Join(tx.root, filepath.FromSlash(dir)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		keys[path.Join(dir, entry.Name())] = struct{}{}
	}

	for key, body := range tx.staged {
		if path.Dir(key) != dir {
			continue
		}

		if body == nil {
			delete(keys, key)
		} else {
			keys[key] = struct{}{}
		}
	}

	result := make([]string, 0, len(keys))
	for key := range keys {
		result = append(result, key)
	}

	slices.Sort(result)

	return result, nil
}

func (tx *transaction) commit() error {
	keys := make([]string, 0, len(tx.staged))
	for key := range tx.staged {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	for _, key := range keys {
		filePath := filepath.Join(tx.root, filepath.FromSlash(key))
		body := tx.staged[key]

		if body == nil {
			err := os.Remove(filePath)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}

			continue
		}

		err := os.MkdirAll(filepath.Dir(filePath), 0750)
		if err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", key, err)
		}

		tmp := filePath + ".tmp"

		err = os.WriteFile(tmp, body, 0600)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}

		err = os.Rename(tmp, filePath)
		if err != nil {
			return fmt.Errorf("failed to replace %s: %w", key, err)
		}
	}

	return nil
}

func load[T any](tx *transaction, key string) (*T, bool, error) {
	body, ok, err := tx.read(key)
	if err != nil || !ok {
		return nil, false, err
	}

	var value T

	err = json.Unmarshal(body, &value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return &value, true, nil
}

func loadAll[T any](tx *transaction, dir string) ([]*T, error) {
	keys, err := tx.list(dir)
	if err != nil {
		return nil, err
	}

	values := make([]*T, 0, len(keys))

	for _, key := range keys {
		value, ok, err := load[T](tx, key)
		if err != nil {
			return nil, err
		}

		if ok {
			values = append(values, value)
		}
	}

	return values, nil
}
