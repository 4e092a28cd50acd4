package signature

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists signatures. The only mutation is revocation, which sets a
// timestamp; stroke data and attestation text are write-once.
type Store interface {
	// CreateSignature persists a new signature, returning ErrDuplicate when
	// an active signature already holds the (run, role) slot.
	CreateSignature(ctx context.Context, sig *Signature) error

	// ListByRun returns a run's signatures, oldest first.
	ListByRun(ctx context.Context, runID string) ([]*Signature, error)

	// RevokeSignature sets revoked_at on the active signature for the
	// (run, role) slot, or returns ErrNotFound when none is active.
	RevokeSignature(ctx context.Context, runID string, role Role, at time.Time) error

	// DeleteSignature removes a signature by ID. It exists solely to unwind
	// a signing whose ledger record could not be written; recorded
	// signatures are only ever revoked, never deleted.
	DeleteSignature(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store for tests and local mode.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Signature
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Signature)}
}

// CreateSignature implements Store.
func (s *MemoryStore) CreateSignature(ctx context.Context, sig *Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.ReportRunID == sig.ReportRunID && existing.Role == sig.Role && existing.Active() {
			return ErrDuplicate
		}
	}
	clone := *sig
	s.byID[sig.ID] = &clone
	return nil
}

// ListByRun implements Store.
func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]*Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Signature
	for _, sig := range s.byID {
		if sig.ReportRunID == runID {
			clone := *sig
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignedAt.Before(out[j].SignedAt) })
	return out, nil
}

// DeleteSignature implements Store.
func (s *MemoryStore) DeleteSignature(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

// RevokeSignature implements Store.
func (s *MemoryStore) RevokeSignature(ctx context.Context, runID string, role Role, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sig := range s.byID {
		if sig.ReportRunID == runID && sig.Role == role && sig.Active() {
			revokedAt := at
			sig.RevokedAt = &revokedAt
			return nil
		}
	}
	return ErrNotFound
}
