package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/agent"
	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/policy"
)

// FileStateStore reads and writes the state file.
type FileStateStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStateStore creates a new FileStateStore for the given file path.
func NewFileStateStore(path string, logger *slog.Logger) *FileStateStore {
	return &FileStateStore{
		path:   path,
		logger: logger,
	}
}

// Load reads and parses the state file. A missing file yields DefaultState.
// Warns when the file is readable by group or others.
func (s *FileStateStore) Load() (*AppState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("state file not found, starting empty", "path", s.path)
			return s.DefaultState(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	// Unix permission bits mean nothing on Windows.
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(s.path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				s.logger.Warn("state file has too-open permissions, should be 0600",
					"path", s.path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}

	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if st.Version == "" {
		st.Version = CurrentVersion
	}
	return &st, nil
}

// Save writes st atomically while holding both the in-process mutex and a
// cross-process lock on path+".lock". The previous file is kept as
// path+".bak".
func (s *FileStateStore) Save(st *AppState) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()
	return s.saveLocked(st)
}

// Update reloads the state file under the lock, applies fn and saves the
// result. Nothing is written when fn fails. Concurrent processes therefore
// never overwrite each other's changes with a stale copy.
func (s *FileStateStore) Update(fn func(*AppState) error) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	st, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	if err := s.saveLocked(st); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *FileStateStore) lock() (func(), error) {
	s.mu.Lock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := flockLock(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	return func() {
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
		s.mu.Unlock()
	}, nil
}

func (s *FileStateStore) saveLocked(st *AppState) error {
	st.UpdatedAt = time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}

	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to create state backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on state file", "error", err)
	}

	s.logger.Debug("state saved", "path", s.path, "policies", len(st.Policies), "agents", len(st.Agents))
	return nil
}

// writeAtomic writes data to a temp file, fsyncs it and renames it over the
// target. The temp file is removed on any error.
func (s *FileStateStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}

// DefaultState returns an empty state. Nothing is granted: with no policies
// every request is denied.
func (s *FileStateStore) DefaultState() *AppState {
	now := time.Now().UTC()
	return &AppState{
		Version:    CurrentVersion,
		Policies:   []policy.Policy{},
		Conditions: []policy.Condition{},
		Agents:     []agent.Agent{},
		Roles:      []agent.Role{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Exists reports whether the state file exists on disk.
func (s *FileStateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the configured file path.
func (s *FileStateStore) Path() string {
	return s.path
}
