// Package audit provides file-based audit persistence in JSON Lines format
// with size-based rotation, retention of rotated files and an in-memory
// cache of recent entries for queries.
package audit

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit file closed")

// FileConfig holds configuration for the file-based audit store.
type FileConfig struct {
	// Path is the active JSONL file. Rotated files are written alongside it.
	Path string
	// MaxSizeMB is the size in megabytes at which the file rotates (default 100).
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep (0 keeps all).
	MaxBackups int
	// MaxAgeDays removes rotated files older than this many days (0 keeps all).
	MaxAgeDays int
	// Compress gzips rotated files.
	Compress bool
	// CacheSize is the number of recent entries kept in memory (default 1000).
	CacheSize int
}

// FileAuditStore appends audit entries as JSON Lines to a rotating file.
// Queries are answered from the recent-entry cache, which is primed from
// the active file and, while it has room, from rotated files at startup.
type FileAuditStore struct {
	path   string
	writer *lumberjack.Logger
	cache  *entryCache
	mu     sync.Mutex
	closed bool
	logger *slog.Logger
}

// NewFileAuditStore creates the directory if needed and primes the cache
// from the current file.
func NewFileAuditStore(cfg FileConfig, logger *slog.Logger) (*FileAuditStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit file path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileAuditStore{
		path: cfg.Path,
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
			LocalTime:  false,
		},
		cache:  newEntryCache(cfg.CacheSize),
		logger: logger,
	}
	s.populateCache()
	return s, nil
}

// Append writes entries as compact JSON lines.
func (s *FileAuditStore) Append(ctx context.Context, entries ...audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if _, err := s.writer.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
		s.cache.Add(e)
	}
	return nil
}

// Query returns cached entries matching filter, newest first.
func (s *FileAuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	return s.cache.Query(filter), nil
}

// Name identifies the store when used as an exporter.
func (s *FileAuditStore) Name() string { return "file" }

// Rotate closes the active file and starts a new one.
func (s *FileAuditStore) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Rotate()
}

// Close flushes and closes the active file.
func (s *FileAuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// Path returns the active file path.
func (s *FileAuditStore) Path() string { return s.path }

// populateCache fills the cache from the newest files first, reading
// rotated files only while the cache still has room.
func (s *FileAuditStore) populateCache() {
	files := append(s.rotatedFiles(), s.path)

	var (
		batches [][]audit.Entry
		total   int
	)
	for i := len(files) - 1; i >= 0 && total < s.cache.size; i-- {
		entries := s.readFile(files[i])
		batches = append(batches, entries)
		total += len(entries)
	}
	for i := len(batches) - 1; i >= 0; i-- {
		for _, e := range batches[i] {
			s.cache.Add(e)
		}
	}
	if total > 0 {
		s.logger.Debug("audit cache primed", "path", s.path, "entries", s.cache.Len(), "files", len(batches))
	}
}

// rotatedFiles lists lumberjack backups of the active file, oldest first.
// Backup names embed a UTC timestamp, so name order is age order.
func (s *FileAuditStore) rotatedFiles() []string {
	ext := filepath.Ext(s.path)
	prefix := strings.TrimSuffix(s.path, ext) + "-"

	var files []string
	for _, pattern := range []string{prefix + "*" + ext, prefix + "*" + ext + ".gz"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files
}

func (s *FileAuditStore) readFile(path string) []audit.Entry {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("audit cache: failed to open file", "path", path, "error", err)
		}
		return nil
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			s.logger.Warn("audit cache: skipping unreadable archive", "path", path, "error", err)
			return nil
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	// request contexts can make long lines
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var entries []audit.Entry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			s.logger.Warn("audit cache: skipping malformed line", "path", path, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit cache: error reading file", "path", path, "error", err)
	}
	return entries
}

// Compile-time interface verification.
var (
	_ audit.Store    = (*FileAuditStore)(nil)
	_ audit.Exporter = (*FileAuditStore)(nil)
)

// entryCache is a ring buffer of recent audit entries.
type entryCache struct {
	entries []audit.Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

func newEntryCache(size int) *entryCache {
	return &entryCache{
		entries: make([]audit.Entry, size),
		size:    size,
	}
}

// Add overwrites the oldest entry once full.
func (c *entryCache) Add(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// Query walks newest to oldest, stopping at the filter's limit.
func (c *entryCache) Query(filter audit.Filter) []audit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limit := filter.EffectiveLimit()
	result := make([]audit.Entry, 0, min(limit, c.count))
	for i := 0; i < c.count && len(result) < limit; i++ {
		// head is the next write position, so head-1 is newest
		idx := (c.head - 1 - i + c.size) % c.size
		if filter.Matches(&c.entries[idx]) {
			result = append(result, c.entries[idx])
		}
	}
	return result
}

// Len returns the number of cached entries.
func (c *entryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
