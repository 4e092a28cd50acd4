// Package signature binds role-scoped signatures to frozen report runs.
// A signature captures the run's data hash at signing time; if the run's
// underlying data is later shown to differ from that hash, the signature is
// provably stale. At most one active signature exists per (run, role).
package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/siteproof/siteproof/pkg/auth"
	"github.com/siteproof/siteproof/pkg/ledger"
	"github.com/siteproof/siteproof/pkg/report"
)

// Role is the capacity in which a signer signs.
type Role string

const (
	RolePreparedBy Role = "prepared_by"
	RoleReviewedBy Role = "reviewed_by"
	RoleApprovedBy Role = "approved_by"
	RoleOther      Role = "other"
)

// Valid reports whether the role is one of the known signature roles.
func (r Role) Valid() bool {
	switch r {
	case RolePreparedBy, RoleReviewedBy, RoleApprovedBy, RoleOther:
		return true
	}
	return false
}

var (
	// ErrDuplicate is returned when an active signature already exists for
	// the (run, role) pair. The existing signature is never overwritten.
	ErrDuplicate = errors.New("signature: role already signed for this run")
	// ErrNotAuthorized is returned when the external policy denies signing.
	ErrNotAuthorized = errors.New("signature: signer not authorized for role")
	// ErrUnknownRole is returned for a role outside the fixed set.
	ErrUnknownRole = errors.New("signature: unknown signature role")
	// ErrNotFound is returned when a signature does not exist.
	ErrNotFound = errors.New("signature: not found")
)

// Signature is one role-scoped signature on a report run.
type Signature struct {
	ID              string     `json:"id"`
	ReportRunID     string     `json:"report_run_id"`
	SignerUserID    string     `json:"signer_user_id"`
	SignerName      string     `json:"signer_name"`
	SignerTitle     string     `json:"signer_title,omitempty"`
	Role            Role       `json:"signature_role"`
	SignatureSVG    string     `json:"signature_svg,omitempty"`
	AttestationText string     `json:"attestation_text,omitempty"`
	DataHash        string     `json:"data_hash"`
	SignedAt        time.Time  `json:"signed_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the signature has not been revoked.
func (s *Signature) Active() bool { return s.RevokedAt == nil }

// SignRequest is the caller-supplied portion of a signing action.
type SignRequest struct {
	ReportRunID     string `json:"report_run_id"`
	Role            Role   `json:"signature_role"`
	SignerName      string `json:"signer_name"`
	SignerTitle     string `json:"signer_title,omitempty"`
	SignatureSVG    string `json:"signature_svg,omitempty"`
	AttestationText string `json:"attestation_text,omitempty"`
}

// Binder applies the signing state machine. Authorization decisions come
// from the external policy collaborator; the binder only consumes them.
type Binder struct {
	sigs   Store
	runs   *report.Service
	authz  auth.Authorizer
	ledger *ledger.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithClock overrides the time source for testing.
func WithClock(clock func() time.Time) BinderOption {
	return func(b *Binder) { b.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BinderOption {
	return func(b *Binder) { b.logger = logger }
}

// NewBinder creates a Binder.
func NewBinder(sigs Store, runs *report.Service, authz auth.Authorizer, l *ledger.Ledger, opts ...BinderOption) *Binder {
	b := &Binder{
		sigs:   sigs,
		runs:   runs,
		authz:  authz,
		ledger: l,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sign attaches a signature to a run. Guard order: role validity, run
// signability, external authorization, then the uniqueness constraint.
// Success also lands a signature.added event in the ledger.
func (b *Binder) Sign(ctx context.Context, orgID string, p auth.Principal, req SignRequest) (*Signature, error) {
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, req.Role)
	}

	run, err := b.runs.Get(ctx, orgID, req.ReportRunID)
	if err != nil {
		return nil, err
	}
	if !run.Status.Signable() {
		// closed runs are immutable; callers create a new run instead
		return nil, report.ErrRunClosed
	}

	allowed, err := b.authz.CanSign(ctx, p, run.ID, string(req.Role))
	if err != nil {
		return nil, fmt.Errorf("signature: authorization check: %w", err)
	}
	if !allowed {
		return nil, ErrNotAuthorized
	}

	sig := &Signature{
		ID:              uuid.New().String(),
		ReportRunID:     run.ID,
		SignerUserID:    p.ID,
		SignerName:      req.SignerName,
		SignerTitle:     req.SignerTitle,
		Role:            req.Role,
		SignatureSVG:    req.SignatureSVG,
		AttestationText: req.AttestationText,
		DataHash:        run.DataHash,
		SignedAt:        b.clock().UTC(),
	}
	if err := b.sigs.CreateSignature(ctx, sig); err != nil {
		return nil, err
	}

	_, err = b.ledger.Append(ctx, orgID, ledger.Draft{
		EventType:  "signature.added",
		ActorID:    p.ID,
		TargetType: "report_run",
		TargetID:   run.ID,
		Metadata: map[string]any{
			"report_run_id":  run.ID,
			"signature_role": string(req.Role),
			"data_hash":      run.DataHash,
		},
	})
	if err != nil {
		// An unrecorded signature must not stay on the run: drop the row so
		// the role slot reopens and the ledger stays the source of truth.
		if derr := b.sigs.DeleteSignature(ctx, sig.ID); derr != nil {
			b.logger.Error("failed to unwind unrecorded signature",
				"organization_id", orgID, "run_id", run.ID, "signature_id", sig.ID, "error", derr)
		}
		return nil, fmt.Errorf("signature: record signing: %w", err)
	}
	return sig, nil
}

// Revoke marks the active signature for (run, role) as revoked and records
// the action. The role slot may then be re-signed while the run is still
// open; revocation of signatures on closed runs is also recorded, since an
// auditor needs to see withdrawn attestations.
func (b *Binder) Revoke(ctx context.Context, orgID string, p auth.Principal, runID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	run, err := b.runs.Get(ctx, orgID, runID)
	if err != nil {
		return err
	}
	if err := b.sigs.RevokeSignature(ctx, run.ID, role, b.clock().UTC()); err != nil {
		return err
	}

	_, err = b.ledger.Append(ctx, orgID, ledger.Draft{
		EventType:  "signature.revoked",
		ActorID:    p.ID,
		TargetType: "report_run",
		TargetID:   run.ID,
		Metadata: map[string]any{
			"report_run_id":  run.ID,
			"signature_role": string(role),
		},
	})
	if err != nil {
		return fmt.Errorf("signature: record revocation: %w", err)
	}
	return nil
}

// ListByRun returns all signatures on a run, active and revoked.
func (b *Binder) ListByRun(ctx context.Context, orgID, runID string) ([]*Signature, error) {
	if _, err := b.runs.Get(ctx, orgID, runID); err != nil {
		return nil, err
	}
	return b.sigs.ListByRun(ctx, runID)
}

// VerifyBinding checks that a signature's captured hash still matches the
// run's stored data hash. A mismatch means the signature is stale.
func VerifyBinding(sig *Signature, run *report.Run) error {
	if sig.ReportRunID != run.ID {
		return fmt.Errorf("signature: bound to run %s, not %s", sig.ReportRunID, run.ID)
	}
	if sig.DataHash != run.DataHash {
		return fmt.Errorf("signature: stale binding: signed %s but run holds %s", sig.DataHash, run.DataHash)
	}
	return nil
}
