// Package ledger implements the append-only governance event ledger.
// Events are hash-chained per organization: each event records the hash of
// its predecessor and its own hash over a canonical projection, so any
// post-append mutation is detectable by recomputing the chain.
package ledger

import (
	"errors"
	"time"

	"github.com/siteproof/siteproof/pkg/canonical"
	"github.com/siteproof/siteproof/pkg/taxonomy"
)

// GenesisHash is the previous-hash sentinel for the first event of a chain.
const GenesisHash = "genesis"

var (
	// ErrNotFound is returned when an event is not found.
	ErrNotFound = errors.New("ledger: event not found")
	// ErrChainFork is returned when an append raced another append for the
	// same chain tail. Callers retry with a freshly re-read tail.
	ErrChainFork = errors.New("ledger: chain fork conflict")
	// ErrIdempotencyReplay signals that the draft's idempotency key was
	// already used; the store resolves it to the original event.
	ErrIdempotencyReplay = errors.New("ledger: idempotency key already used")
	// ErrInvalidDraft is returned when a draft fails validation.
	ErrInvalidDraft = errors.New("ledger: invalid event draft")
)

// Event is a single immutable entry in an organization's governance chain.
// There is no update or delete path anywhere in this package.
type Event struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Sequence       uint64            `json:"sequence"`
	EventType      string            `json:"event_type"`
	Category       taxonomy.Category `json:"category"`
	Severity       taxonomy.Severity `json:"severity"`
	Outcome        taxonomy.Outcome  `json:"outcome"`
	ActorID        string            `json:"actor_id"`
	TargetType     string            `json:"target_type,omitempty"`
	TargetID       string            `json:"target_id,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	PreviousHash   string            `json:"previous_hash"`
	Hash           string            `json:"hash"`

	// IdempotencyKey is operational plumbing for safe retries; it is not part
	// of the governance content and is excluded from the event hash.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Draft is the caller-supplied portion of an event before append.
type Draft struct {
	EventType      string         `json:"event_type"`
	ActorID        string         `json:"actor_id"`
	TargetType     string         `json:"target_type,omitempty"`
	TargetID       string         `json:"target_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// hashable is the canonical projection an event hash is computed over.
// CreatedAt is carried as an RFC 3339 string so the hash survives storage
// round-trips regardless of driver timestamp precision.
type hashable struct {
	OrganizationID string            `json:"organization_id"`
	Sequence       uint64            `json:"sequence"`
	EventType      string            `json:"event_type"`
	Category       taxonomy.Category `json:"category"`
	Severity       taxonomy.Severity `json:"severity"`
	Outcome        taxonomy.Outcome  `json:"outcome"`
	ActorID        string            `json:"actor_id"`
	TargetType     string            `json:"target_type"`
	TargetID       string            `json:"target_id"`
	Metadata       map[string]any    `json:"metadata"`
	CreatedAt      string            `json:"created_at"`
	PreviousHash   string            `json:"previous_hash"`
}

// ComputeHash returns the content hash of an event: SHA-256 over the
// canonical JSON of its hashable projection, previous hash included.
// The stored Hash field itself is never an input.
func ComputeHash(e *Event) (string, error) {
	return canonical.Hash(hashable{
		OrganizationID: e.OrganizationID,
		Sequence:       e.Sequence,
		EventType:      e.EventType,
		Category:       e.Category,
		Severity:       e.Severity,
		Outcome:        e.Outcome,
		ActorID:        e.ActorID,
		TargetType:     e.TargetType,
		TargetID:       e.TargetID,
		Metadata:       e.Metadata,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
		PreviousHash:   e.PreviousHash,
	})
}
