package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// VerifyStatus is the outcome of a chain verification pass.
type VerifyStatus string

const (
	// StatusVerified means every checked event's hash recomputed cleanly.
	StatusVerified VerifyStatus = "verified"
	// StatusError means a hash mismatch was found; the chain is suspect.
	StatusError VerifyStatus = "error"
	// StatusNotVerified means there was nothing to check. Absence of
	// tampering is not evidence of integrity, so this is distinct from
	// StatusVerified and must stay that way.
	StatusNotVerified VerifyStatus = "not_verified"
)

// Mismatch describes the first event whose recomputed hash disagreed with
// storage. Nothing after the first mismatch is reported as verified.
type Mismatch struct {
	FailingEventID string `json:"failing_event_id"`
	// EventIndex is the zero-based position in the chain (sequence - 1).
	EventIndex   int    `json:"event_index"`
	ExpectedHash string `json:"expected_hash"`
	GotHash      string `json:"got_hash"`
}

// VerifyReport is the result of one verification pass.
type VerifyReport struct {
	Status                 VerifyStatus `json:"status"`
	VerifiedThroughEventID string       `json:"verified_through_event_id,omitempty"`
	VerifiedThroughSeq     uint64       `json:"verified_through_sequence,omitempty"`
	CheckedCount           int          `json:"checked_count"`
	ErrorDetails           *Mismatch    `json:"error_details,omitempty"`
}

// Checkpoint records how far a chain has been verified, so later passes only
// re-verify the suffix.
type Checkpoint struct {
	OrganizationID string    `json:"organization_id"`
	EventID        string    `json:"event_id"`
	Sequence       uint64    `json:"sequence"`
	Hash           string    `json:"hash"`
	VerifiedAt     time.Time `json:"verified_at"`
}

// CheckpointStore persists verification checkpoints per organization.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, orgID string) (*Checkpoint, error)
	PutCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Verifier walks an organization's chain, recomputing event hashes from a
// known-good starting point. It is a pure read path: it tolerates the chain
// growing while it runs and only vouches for the tail it observed.
type Verifier struct {
	store       Store
	checkpoints CheckpointStore
	logger      *slog.Logger
	clock       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithCheckpoints enables resumable verification.
func WithCheckpoints(cs CheckpointStore) VerifierOption {
	return func(v *Verifier) { v.checkpoints = cs }
}

// WithVerifierLogger sets the structured logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// WithVerifierClock overrides the time source for testing.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) { v.clock = clock }
}

// NewVerifier creates a Verifier over a store.
func NewVerifier(store Store, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the chain suffix since the stored checkpoint (or genesis when
// none exists). On a clean pass it advances the checkpoint; on a mismatch it
// reports StatusError with the failing event identified and leaves the
// checkpoint untouched. Integrity failures are surfaced, never repaired.
func (v *Verifier) Verify(ctx context.Context, orgID string) (VerifyReport, error) {
	var cp *Checkpoint
	if v.checkpoints != nil {
		stored, err := v.checkpoints.GetCheckpoint(ctx, orgID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return VerifyReport{}, fmt.Errorf("load checkpoint: %w", err)
		}
		cp = stored
	}
	return v.verifyFrom(ctx, orgID, cp)
}

// VerifyFromGenesis ignores any stored checkpoint and re-walks the full chain.
func (v *Verifier) VerifyFromGenesis(ctx context.Context, orgID string) (VerifyReport, error) {
	return v.verifyFrom(ctx, orgID, nil)
}

func (v *Verifier) verifyFrom(ctx context.Context, orgID string, cp *Checkpoint) (VerifyReport, error) {
	expectedPrevious := GenesisHash
	var afterSeq uint64
	report := VerifyReport{Status: StatusNotVerified}
	if cp != nil {
		expectedPrevious = cp.Hash
		afterSeq = cp.Sequence
		// everything up to the checkpoint was vouched for previously
		report.Status = StatusVerified
		report.VerifiedThroughEventID = cp.EventID
		report.VerifiedThroughSeq = cp.Sequence
	}

	cursor := afterSeq
	for {
		page, err := v.store.ListSince(ctx, orgID, cursor, listPageSize)
		if err != nil {
			return VerifyReport{}, fmt.Errorf("list events: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			recomputed, err := ComputeHash(&Event{
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
				CreatedAt:      e.CreatedAt,
				PreviousHash:   expectedPrevious,
			})
			if err != nil {
				return VerifyReport{}, fmt.Errorf("recompute hash for %s: %w", e.ID, err)
			}
			if recomputed != e.Hash || e.PreviousHash != expectedPrevious {
				report.Status = StatusError
				report.ErrorDetails = &Mismatch{
					FailingEventID: e.ID,
					EventIndex:     int(e.Sequence) - 1,
					ExpectedHash:   recomputed,
					GotHash:        e.Hash,
				}
				v.logger.Error("ledger integrity mismatch",
					"organization_id", orgID,
					"failing_event_id", e.ID,
					"event_index", report.ErrorDetails.EventIndex)
				return report, nil
			}
			expectedPrevious = e.Hash
			report.Status = StatusVerified
			report.VerifiedThroughEventID = e.ID
			report.VerifiedThroughSeq = e.Sequence
			report.CheckedCount++
			cursor = e.Sequence
		}
		if len(page) < listPageSize {
			break
		}
	}

	if report.Status == StatusVerified && report.CheckedCount > 0 && v.checkpoints != nil {
		err := v.checkpoints.PutCheckpoint(ctx, Checkpoint{
			OrganizationID: orgID,
			EventID:        report.VerifiedThroughEventID,
			Sequence:       report.VerifiedThroughSeq,
			Hash:           expectedPrevious,
			VerifiedAt:     v.clock().UTC(),
		})
		if err != nil {
			// verification stands; only resumability is lost
			v.logger.Warn("failed to persist verification checkpoint",
				"organization_id", orgID, "error", err)
		}
	}
	return report, nil
}
