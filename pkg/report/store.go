package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RunStore persists report runs. DataHash and CanonicalPayload are written
// once at creation and never updated; only Status moves, and only forward.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, orgID, runID string) (*Run, error)
	ListRunsByJob(ctx context.Context, orgID, jobID string) ([]*Run, error)

	// TransitionStatus moves a run from one status to another atomically,
	// failing with ErrInvalidTransition if the run is no longer in from.
	TransitionStatus(ctx context.Context, orgID, runID string, from, to Status) error

	// DeleteRun removes a run. It exists solely to unwind a creation whose
	// ledger record could not be written; established runs are never deleted.
	DeleteRun(ctx context.Context, orgID, runID string) error
}

// MemoryRunStore is an in-process RunStore for tests and local mode.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run // runID → run
}

// NewMemoryRunStore creates an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

// CreateRun implements RunStore.
func (s *MemoryRunStore) CreateRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("report: run %s already exists", run.ID)
	}
	clone := *run
	clone.CanonicalPayload = append([]byte(nil), run.CanonicalPayload...)
	s.runs[run.ID] = &clone
	return nil
}

// GetRun implements RunStore.
func (s *MemoryRunStore) GetRun(ctx context.Context, orgID, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok || run.OrganizationID != orgID {
		return nil, ErrRunNotFound
	}
	clone := *run
	clone.CanonicalPayload = append([]byte(nil), run.CanonicalPayload...)
	return &clone, nil
}

// ListRunsByJob implements RunStore.
func (s *MemoryRunStore) ListRunsByJob(ctx context.Context, orgID, jobID string) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if run.OrganizationID == orgID && run.JobID == jobID {
			clone := *run
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

// DeleteRun implements RunStore.
func (s *MemoryRunStore) DeleteRun(ctx context.Context, orgID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OrganizationID != orgID {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	return nil
}

// TransitionStatus implements RunStore.
func (s *MemoryRunStore) TransitionStatus(ctx context.Context, orgID, runID string, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OrganizationID != orgID {
		return ErrRunNotFound
	}
	if run.Status != from {
		return fmt.Errorf("%w: run is %s, not %s", ErrInvalidTransition, run.Status, from)
	}
	run.Status = to
	return nil
}
