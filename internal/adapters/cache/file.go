// Package cache memoises counterfactual smart account addresses so repeat
// logins skip the factory call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/based-aa/aa-minter/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
)

type fileEntry struct {
	Address   common.Address `json:"address"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FileCache keeps every address in a single JSON document on disk.
type FileCache struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileCache creates a cache backed by filePath, creating its directory.
func NewFileCache(filePath string) (*FileCache, error) {
	if filePath == "" {
		filePath = ".aa-minter-accounts.json"
	}
	dir := filepath.Dir(filePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &FileCache{filePath: filePath}, nil
}

func (c *FileCache) Path() string {
	return c.filePath
}

func (c *FileCache) Get(_ context.Context, key string) (common.Address, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := c.load()
	if err != nil {
		return common.Address{}, false, err
	}
	e, ok := entries[strings.ToLower(key)]
	if !ok {
		return common.Address{}, false, nil
	}
	return e.Address, true, nil
}

// Put stores addr under key, rewriting the file atomically.
func (c *FileCache) Put(_ context.Context, key string, addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.load()
	if err != nil {
		return err
	}
	entries[strings.ToLower(key)] = fileEntry{Address: addr, UpdatedAt: time.Now().UTC()}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tempPath := c.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := os.Rename(tempPath, c.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save cache file: %w", err)
	}
	return nil
}

func (c *FileCache) load() (map[string]fileEntry, error) {
	entries := map[string]fileEntry{}
	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	return entries, nil
}

var _ domain.AddressCache = (*FileCache)(nil)
