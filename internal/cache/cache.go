// Package cache implements the cross-run cache store.
//
// Entries are addressed by a key string computed from the run's context
// (OS, week stamp, dependency file hashes, ...). The key design alone bounds
// staleness: no entry is ever invalidated, a new week or a changed lock
// file simply produces a key nobody has saved yet.
//
// Restore looks for the exact key first, then for the most recently saved
// entry whose key starts with one of the restore keys. Save is last-writer-
// wins per key and never fails a job; callers log its errors.
//
// Layout under the cache directory, per entry:
//
//	<escaped key>.tar.zst   archive of the cached paths
//	<escaped key>.yaml      metadata ([Entry])
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"jobmatrix/internal/archive"
	"jobmatrix/internal/ctxlog"
)

// MaxKeyLength bounds cache keys.
const MaxKeyLength = 512

var (
	// ErrCacheMiss is returned by [Manager.Restore] when neither the key
	// nor any restore key matches an entry. It is never fatal.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidKey is returned for empty, oversized or comma-bearing keys.
	ErrInvalidKey = errors.New("invalid cache key")
)

// Entry is the metadata of a saved cache entry.
type Entry struct {
	Key       string    `yaml:"key"`
	Paths     []string  `yaml:"paths"`
	Size      int64     `yaml:"size"`
	Files     int       `yaml:"files"`
	Digest    string    `yaml:"digest"`
	CreatedAt time.Time `yaml:"created_at"`
}

// RestoreResult describes a successful restore.
type RestoreResult struct {
	// MatchedKey is the key of the entry that was restored.
	MatchedKey string

	// Exact is true only when MatchedKey equals the requested key.
	Exact bool
}

// Manager reads and writes cache entries under a directory.
type Manager struct {
	dir string
	now func() time.Time
}

// NewManager creates a [Manager] rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, now: time.Now}
}

// Dir returns the cache directory.
func (m *Manager) Dir() string {
	return m.dir
}

// ValidateKey checks a key against the store's constraints.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > MaxKeyLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidKey, MaxKeyLength)
	case strings.Contains(key, ","):
		return fmt.Errorf("%w: %q contains a comma", ErrInvalidKey, key)
	}
	return nil
}

// Lookup finds the entry Restore would use without touching the
// filesystem outside the cache directory.
func (m *Manager) Lookup(key string, restoreKeys []string) (*Entry, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	// An unreadable exact entry falls through to the restore keys.
	miss := ErrCacheMiss
	e, err := m.readEntry(key)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		miss = fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	if len(restoreKeys) == 0 {
		return nil, false, miss
	}
	entries, err := m.List()
	if err != nil {
		return nil, false, err
	}
	for _, prefix := range restoreKeys {
		if prefix == "" {
			continue
		}
		// List is most recent first.
		for _, e := range entries {
			if strings.HasPrefix(e.Key, prefix) && e.Key != key {
				e := e
				return &e, false, nil
			}
		}
	}
	return nil, false, miss
}

// Restore extracts the matching entry into paths. The i-th saved path is
// restored into paths[i]. Returns [ErrCacheMiss] when nothing matches or
// the matching archive fails its digest check.
func (m *Manager) Restore(ctx context.Context, key string, restoreKeys []string, paths []string) (RestoreResult, error) {
	logger := ctxlog.FromContext(ctx)

	entry, exact, err := m.Lookup(key, restoreKeys)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return RestoreResult{}, err
	}

	archivePath := m.archivePath(entry.Key)
	if err := m.verify(archivePath, entry.Digest); err != nil {
		logger.Warn("cache entry failed verification", "key", entry.Key, "error", err)
		return RestoreResult{}, fmt.Errorf("%w: %v", ErrCacheMiss, err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("failed to open cache archive: %w", err)
	}
	defer f.Close()

	stats, err := archive.Extract(f, paths)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("failed to restore cache %q: %w", entry.Key, err)
	}

	logger.Debug("cache restored", "key", entry.Key, "exact", exact, "files", stats.Files)
	return RestoreResult{MatchedKey: entry.Key, Exact: exact}, nil
}

// Save archives paths under key, replacing any existing entry.
func (m *Manager) Save(ctx context.Context, key string, paths []string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths to cache")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".save-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create cache archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := blake3.New()
	stats, err := archive.Create(io.MultiWriter(tmp, hasher), paths)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to archive cache %q: %w", key, err)
	}
	if len(stats.Missing) == len(paths) {
		return nil, fmt.Errorf("none of the cache paths exist: %v", paths)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &Entry{
		Key:       key,
		Paths:     paths,
		Size:      stats.Bytes,
		Files:     stats.Files,
		Digest:    hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt: m.now().UTC(),
	}

	if err := os.Rename(tmp.Name(), m.archivePath(key)); err != nil {
		return nil, fmt.Errorf("failed to store cache archive: %w", err)
	}
	if err := m.writeEntry(entry); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Debug("cache saved", "key", key, "files", stats.Files, "bytes", stats.Bytes)
	return entry, nil
}

// List returns every entry, most recently created first.
func (m *Manager) List() ([]Entry, error) {
	files, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
			continue
		}
		e, err := m.readMetadata(filepath.Join(m.dir, f.Name()))
		if err != nil {
			continue
		}
		entries = append(entries, *e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Clear removes every entry.
func (m *Manager) Clear() error {
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (m *Manager) archivePath(key string) string {
	return filepath.Join(m.dir, url.PathEscape(key)+".tar.zst")
}

func (m *Manager) metadataPath(key string) string {
	return filepath.Join(m.dir, url.PathEscape(key)+".yaml")
}

func (m *Manager) readEntry(key string) (*Entry, error) {
	e, err := m.readMetadata(m.metadataPath(key))
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(m.archivePath(key)); err != nil {
		return nil, err
	}
	return e, nil
}

func (m *Manager) readMetadata(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse cache metadata %s: %w", path, err)
	}
	return &e, nil
}

// writeEntry stores metadata atomically (write to temp, then rename).
func (m *Manager) writeEntry(e *Entry) error {
	data, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	path := m.metadataPath(e.Key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache metadata: %w", err)
	}
	return nil
}

func (m *Manager) verify(path, digest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return err
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != digest {
		return fmt.Errorf("digest mismatch: have %s, want %s", got, digest)
	}
	return nil
}
