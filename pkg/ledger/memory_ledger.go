package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and local mode. The
// (organization, previous hash) uniqueness the SQL stores get from a
// constraint is enforced here under one mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	chains      map[string][]*Event          // orgID → events in sequence order
	byID        map[string]map[string]*Event // orgID → eventID → event
	byIdemKey   map[string]map[string]*Event // orgID → key → event
	byPrevHash  map[string]map[string]bool   // orgID → previousHash seen
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:      make(map[string][]*Event),
		byID:        make(map[string]map[string]*Event),
		byIdemKey:   make(map[string]map[string]*Event),
		byPrevHash:  make(map[string]map[string]bool),
		checkpoints: make(map[string]Checkpoint),
	}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	orgID := e.OrganizationID
	if s.byPrevHash[orgID] == nil {
		s.byPrevHash[orgID] = make(map[string]bool)
		s.byID[orgID] = make(map[string]*Event)
		s.byIdemKey[orgID] = make(map[string]*Event)
	}
	if s.byPrevHash[orgID][e.PreviousHash] {
		return fmt.Errorf("%w: previous hash %s already claimed", ErrChainFork, e.PreviousHash)
	}
	if e.IdempotencyKey != "" {
		if _, seen := s.byIdemKey[orgID][e.IdempotencyKey]; seen {
			return ErrIdempotencyReplay
		}
	}

	stored := cloneEvent(e)
	s.chains[orgID] = append(s.chains[orgID], stored)
	s.byID[orgID][stored.ID] = stored
	s.byPrevHash[orgID][stored.PreviousHash] = true
	if stored.IdempotencyKey != "" {
		s.byIdemKey[orgID][stored.IdempotencyKey] = stored
	}
	return nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(ctx context.Context, orgID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[orgID]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return cloneEvent(chain[len(chain)-1]), nil
}

// ListSince implements Store.
func (s *MemoryStore) ListSince(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.chains[orgID] {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, cloneEvent(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, orgID, eventID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[orgID][eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

// GetByIdempotencyKey implements Store.
func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, orgID, key string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byIdemKey[orgID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

// Count implements Store.
func (s *MemoryStore) Count(ctx context.Context, orgID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.chains[orgID])), nil
}

// GetCheckpoint implements CheckpointStore.
func (s *MemoryStore) GetCheckpoint(ctx context.Context, orgID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cp, nil
}

// PutCheckpoint implements CheckpointStore.
func (s *MemoryStore) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.OrganizationID] = cp
	return nil
}

func cloneEvent(e *Event) *Event {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
