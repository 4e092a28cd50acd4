package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/siteproof/siteproof/pkg/taxonomy"
)

// Store is the durable interface for event persistence. It is intentionally
// append-only: no mutation or deletion methods exist, so immutability is
// enforced at the interface level rather than by convention.
type Store interface {
	// Append persists a fully-formed event. It returns ErrChainFork when
	// another append already claimed the same previous hash for this
	// organization, and ErrIdempotencyReplay when the event's idempotency
	// key was already used. The write is atomic: on error nothing persists.
	Append(ctx context.Context, e *Event) error

	// Tail returns the newest event of an organization's chain, or
	// ErrNotFound when the chain is empty.
	Tail(ctx context.Context, orgID string) (*Event, error)

	// ListSince returns up to limit events with sequence strictly greater
	// than afterSeq, ordered by sequence ascending.
	ListSince(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Event, error)

	// Get returns one event by id scoped to an organization.
	Get(ctx context.Context, orgID, eventID string) (*Event, error)

	// GetByIdempotencyKey resolves a previously used idempotency key to its
	// original event, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, orgID, key string) (*Event, error)

	// Count returns the number of events in an organization's chain.
	Count(ctx context.Context, orgID string) (uint64, error)
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 25 * time.Millisecond
	listPageSize       = 256
)

// Ledger validates drafts against the event taxonomy, computes chain hashes,
// and appends with bounded retry on chain-fork conflicts.
type Ledger struct {
	store       Store
	registry    *taxonomy.Registry
	logger      *slog.Logger
	clock       func() time.Time
	maxAttempts int
	backoffBase time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMaxAttempts bounds append retries on chain-fork conflicts.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) { l.maxAttempts = n }
}

// WithRegistry overrides the taxonomy registry.
func WithRegistry(r *taxonomy.Registry) Option {
	return func(l *Ledger) { l.registry = r }
}

// New creates a Ledger over a store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		registry:    taxonomy.Default(),
		logger:      slog.Default(),
		clock:       time.Now,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates the draft, reads the chain tail, computes the event hash,
// and persists. On a chain-fork conflict it re-reads the tail and retries
// with fresh previous-hash and sequence values; a stale tail is never reused
// across attempts.
func (l *Ledger) Append(ctx context.Context, orgID string, d Draft) (*Event, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization id must not be empty", ErrInvalidDraft)
	}
	if d.ActorID == "" {
		return nil, fmt.Errorf("%w: actor id must not be empty", ErrInvalidDraft)
	}
	entry, err := l.registry.Lookup(d.EventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	if err := l.registry.ValidateMetadata(d.EventType, d.Metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}

	if d.IdempotencyKey != "" {
		existing, err := l.store.GetByIdempotencyKey(ctx, orgID, d.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		prevHash := GenesisHash
		var prevSeq uint64
		var prevAt time.Time
		tail, err := l.store.Tail(ctx, orgID)
		switch {
		case err == nil:
			prevHash = tail.Hash
			prevSeq = tail.Sequence
			prevAt = tail.CreatedAt
		case errors.Is(err, ErrNotFound):
			// first event of the chain
		default:
			return nil, err
		}

		now := l.clock().UTC()
		if now.Before(prevAt) {
			// clocks can step backwards; chain timestamps may not
			now = prevAt
		}

		e := &Event{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			Sequence:       prevSeq + 1,
			EventType:      d.EventType,
			Category:       entry.Category,
			Severity:       entry.Severity,
			Outcome:        entry.Outcome,
			ActorID:        d.ActorID,
			TargetType:     d.TargetType,
			TargetID:       d.TargetID,
			Metadata:       d.Metadata,
			CreatedAt:      now,
			PreviousHash:   prevHash,
			IdempotencyKey: d.IdempotencyKey,
		}
		e.Hash, err = ComputeHash(e)
		if err != nil {
			return nil, err
		}

		err = l.store.Append(ctx, e)
		if err == nil {
			return e, nil
		}
		if errors.Is(err, ErrIdempotencyReplay) && d.IdempotencyKey != "" {
			return l.store.GetByIdempotencyKey(ctx, orgID, d.IdempotencyKey)
		}
		if !errors.Is(err, ErrChainFork) {
			return nil, err
		}
		lastErr = err
		l.logger.Warn("ledger append lost chain race, retrying",
			"organization_id", orgID, "event_type", d.EventType, "attempt", attempt)
		if attempt < l.maxAttempts {
			if err := sleepContext(ctx, backoff(l.backoffBase, attempt)); err != nil {
				return nil, err
			}
		}
	}
	// Exhausting retries is a hard failure; a governance event is never
	// silently dropped.
	return nil, fmt.Errorf("append exhausted %d attempts: %w", l.maxAttempts, lastErr)
}

// ListSince returns up to limit events strictly after the given sequence.
// Limits above the store page size are served by paging through the store,
// so the caller always gets the count it asked for when the chain has it.
func (l *Ledger) ListSince(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = listPageSize
	}
	var out []*Event
	cursor := afterSeq
	for len(out) < limit {
		page := limit - len(out)
		if page > listPageSize {
			page = listPageSize
		}
		events, err := l.store.ListSince(ctx, orgID, cursor, page)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if len(events) < page {
			break
		}
		cursor = events[len(events)-1].Sequence
	}
	return out, nil
}

// EventsSince returns a lazy, restartable forward iterator over the chain.
// Ordering is by append sequence, never wall clock alone.
func (l *Ledger) EventsSince(ctx context.Context, orgID string, afterSeq uint64) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		cursor := afterSeq
		for {
			page, err := l.store.ListSince(ctx, orgID, cursor, listPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Sequence
			}
			if len(page) < listPageSize {
				return
			}
		}
	}
}

// Get returns one event by id.
func (l *Ledger) Get(ctx context.Context, orgID, eventID string) (*Event, error) {
	return l.store.Get(ctx, orgID, eventID)
}

// Count returns the chain length for an organization.
func (l *Ledger) Count(ctx context.Context, orgID string) (uint64, error) {
	return l.store.Count(ctx, orgID)
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
