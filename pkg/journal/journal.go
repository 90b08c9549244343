package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry statuses, mirroring the pending operation lifecycle
const (
	StatusBuilt     = "built"
	StatusSponsored = "sponsored"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Entry is the write-ahead record of one user operation.
type Entry struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	Owner      string    `json:"owner,omitempty"`
	Target     string    `json:"target"`
	Recipient  string    `json:"recipient"`
	ChainID    string    `json:"chain_id,omitempty"`
	Status     string    `json:"status"`
	Paymaster  string    `json:"paymaster,omitempty"`
	UserOpHash string    `json:"user_op_hash,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	Submitted  bool      `json:"submitted"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client stores entries as one JSON file per operation.
type Client struct {
	dir string
	mu  sync.Mutex
}

// NewClient creates a journal client rooted at dir
func NewClient(dir string) *Client {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".aa-minter", "ops")
	}
	return &Client{dir: dir}
}

// Dir returns the journal directory
func (c *Client) Dir() string {
	return c.dir
}

func (c *Client) getPath(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func (c *Client) ensureDir() error {
	return os.MkdirAll(c.dir, 0700)
}

// Load loads an entry. A missing entry is (nil, nil).
func (c *Client) Load(id string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load(id)
}

func (c *Client) load(id string) (*Entry, error) {
	data, err := os.ReadFile(c.getPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse journal entry: %w", err)
	}
	return &entry, nil
}

// Save writes an entry atomically. Once an entry is marked submitted the
// flag is sticky, even if a later save omits it.
func (c *Client) Save(entry *Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("journal entry id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureDir(); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	if prev, err := c.load(entry.ID); err == nil && prev != nil {
		entry.Submitted = entry.Submitted || prev.Submitted
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = prev.CreatedAt
		}
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	path := c.getPath(entry.ID)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write journal temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename journal temp file: %w", err)
	}
	return nil
}

// WasSubmitted reports whether the operation was ever handed to a bundler.
func (c *Client) WasSubmitted(id string) (bool, error) {
	entry, err := c.Load(id)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.Submitted, nil
}

// Delete removes an entry
func (c *Client) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.getPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete journal entry: %w", err)
	}
	return nil
}

// List returns all entries, newest first
func (c *Client) List() ([]*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureDir(); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	files, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		entry, err := c.load(strings.TrimSuffix(f.Name(), ".json"))
		if err != nil || entry == nil {
			continue // skip invalid entries
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// CleanupOld removes terminal entries older than maxAge
func (c *Client) CleanupOld(maxAge time.Duration) (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	deleted := 0
	for _, entry := range entries {
		if entry.Status != StatusConfirmed && entry.Status != StatusFailed {
			continue
		}
		if now.Sub(entry.UpdatedAt) > maxAge {
			if err := c.Delete(entry.ID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}
