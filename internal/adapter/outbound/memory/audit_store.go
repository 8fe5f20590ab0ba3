// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/Koded0214h/Agentic-Enterprise/internal/domain/audit"
)

const defaultRecentCap = 10000

// MemoryAuditStore implements audit.Store keeping a bounded ring buffer of
// recent entries. Entries are optionally mirrored as JSON lines to a writer.
type MemoryAuditStore struct {
	encoder *json.Encoder
	mu      sync.Mutex
	// recent is a bounded ring buffer of the most recent entries.
	recent []audit.Entry
	cap    int
	// failWith makes Append fail, for exercising persistence fault handling.
	failWith error
}

// resolveCapacity returns the first positive capacity value, or defaultRecentCap.
func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates an audit store that only keeps entries in memory.
// An optional capacity parameter sets the ring buffer size (default 10000).
func NewAuditStore(capacity ...int) *MemoryAuditStore {
	cap := resolveCapacity(capacity...)
	return &MemoryAuditStore{
		recent: make([]audit.Entry, 0, cap),
		cap:    cap,
	}
}

// NewAuditStoreWithWriter creates an audit store that also writes each entry
// as a JSON line to w.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *MemoryAuditStore {
	s := NewAuditStore(capacity...)
	s.encoder = json.NewEncoder(w)
	return s
}

// Append stores entries in the ring buffer, writing them to the mirror
// writer first when one is configured.
func (s *MemoryAuditStore) Append(ctx context.Context, entries ...audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	for _, e := range entries {
		if s.encoder != nil {
			if err := s.encoder.Encode(e); err != nil {
				return err
			}
		}
		if len(s.recent) >= s.cap {
			// Shift left, drop oldest.
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = e
		} else {
			s.recent = append(s.recent, e)
		}
	}
	return nil
}

// Query retrieves entries matching the filter, newest first.
func (s *MemoryAuditStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.EffectiveLimit()
	var result []audit.Entry
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.Matches(&s.recent[i]) {
			result = append(result, s.recent[i])
		}
	}
	return result, nil
}

// Len returns the number of buffered entries.
func (s *MemoryAuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// FailWith makes subsequent Append calls return err. Pass nil to recover.
func (s *MemoryAuditStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// ErrStoreClosed is returned by Append after Close.
var ErrStoreClosed = errors.New("audit store closed")

// Close stops accepting entries.
func (s *MemoryAuditStore) Close() error {
	s.FailWith(ErrStoreClosed)
	return nil
}

// Compile-time interface verification.
var _ audit.Store = (*MemoryAuditStore)(nil)
