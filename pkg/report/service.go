package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/siteproof/siteproof/pkg/ledger"
)

// Service owns the report run lifecycle: create (freeze + hash), advance
// status, and detect drift between a run's stored hash and live job data.
type Service struct {
	runs    RunStore
	builder *Builder
	ledger  *ledger.Ledger
	logger  *slog.Logger
	clock   func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the structured logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithServiceClock overrides the time source for testing.
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a report Service.
func NewService(runs RunStore, builder *Builder, l *ledger.Ledger, opts ...ServiceOption) *Service {
	s := &Service{
		runs:    runs,
		builder: builder,
		ledger:  l,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRun builds the payload, freezes its canonical bytes and hash into a
// new draft run, and records the creation in the ledger.
func (s *Service) CreateRun(ctx context.Context, orgID, jobID, packetType, actorID string) (*Run, error) {
	_, raw, hash, err := s.builder.BuildHashed(ctx, orgID, jobID, packetType)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:               uuid.New().String(),
		OrganizationID:   orgID,
		JobID:            jobID,
		PacketType:       packetType,
		Status:           StatusDraft,
		DataHash:         hash,
		GeneratedAt:      s.clock().UTC(),
		CanonicalPayload: raw,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("report: persist run: %w", err)
	}

	// The creation event targets the run itself, not the job: the payload's
	// ledger summary covers job-targeted events, and a run's own paper trail
	// must not change the hash of the snapshot it describes.
	_, err = s.ledger.Append(ctx, orgID, ledger.Draft{
		EventType:  "report.run_created",
		ActorID:    actorID,
		TargetType: "report_run",
		TargetID:   run.ID,
		Metadata: map[string]any{
			"report_run_id": run.ID,
			"packet_type":   packetType,
			"data_hash":     hash,
		},
	})
	if err != nil {
		// The run must not outlive a failed ledger write: an unrecorded
		// governance action is exactly what the chain exists to prevent.
		if derr := s.runs.DeleteRun(ctx, orgID, run.ID); derr != nil {
			s.logger.Error("failed to unwind unrecorded run",
				"organization_id", orgID, "run_id", run.ID, "error", derr)
		}
		return nil, fmt.Errorf("report: record run creation: %w", err)
	}
	return run, nil
}

// Get returns one run.
func (s *Service) Get(ctx context.Context, orgID, runID string) (*Run, error) {
	return s.runs.GetRun(ctx, orgID, runID)
}

// ListByJob returns a job's runs oldest-first. A job accumulates many runs
// over time; each closed run keeps its signatures valid forever.
func (s *Service) ListByJob(ctx context.Context, orgID, jobID string) ([]*Run, error) {
	return s.runs.ListRunsByJob(ctx, orgID, jobID)
}

// Freeze moves a draft run to ready_for_signatures.
func (s *Service) Freeze(ctx context.Context, orgID, runID string) (*Run, error) {
	run, err := s.runs.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunClosed
	}
	if err := s.runs.TransitionStatus(ctx, orgID, runID, StatusDraft, StatusReadyForSignatures); err != nil {
		return nil, err
	}
	run.Status = StatusReadyForSignatures
	return run, nil
}

// Finalize closes the run. After this, any signature attempt must create a
// brand-new run; the closed run is immutable.
func (s *Service) Finalize(ctx context.Context, orgID, runID, actorID string) (*Run, error) {
	run, err := s.runs.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrRunClosed
	}
	if err := s.runs.TransitionStatus(ctx, orgID, runID, StatusReadyForSignatures, StatusFinal); err != nil {
		return nil, err
	}
	run.Status = StatusFinal

	_, err = s.ledger.Append(ctx, orgID, ledger.Draft{
		EventType:  "report.finalized",
		ActorID:    actorID,
		TargetType: "report_run",
		TargetID:   run.ID,
		Metadata: map[string]any{
			"report_run_id": run.ID,
			"data_hash":     run.DataHash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("report: record finalize: %w", err)
	}
	return run, nil
}

// Drift is the result of comparing a run's stored hash to live job data.
type Drift struct {
	Drifted    bool   `json:"drifted"`
	StoredHash string `json:"stored_hash"`
	LiveHash   string `json:"live_hash"`
	// Flagged is set when a final run has drifted: the signed snapshot no
	// longer matches reality and that must be surfaced prominently.
	Flagged bool `json:"flagged"`
}

// CheckDrift rebuilds the live payload and compares its hash to the run's
// frozen DataHash. Drift on a non-final run is only a warning; drift on a
// final run is flagged.
func (s *Service) CheckDrift(ctx context.Context, orgID, runID string) (*Drift, error) {
	run, err := s.runs.GetRun(ctx, orgID, runID)
	if err != nil {
		return nil, err
	}
	_, _, liveHash, err := s.builder.BuildHashed(ctx, orgID, run.JobID, run.PacketType)
	if err != nil {
		return nil, err
	}

	drift := &Drift{
		Drifted:    liveHash != run.DataHash,
		StoredHash: run.DataHash,
		LiveHash:   liveHash,
	}
	if drift.Drifted {
		if run.Status.Terminal() {
			drift.Flagged = true
			s.logger.Error("final report run has drifted from live data",
				"organization_id", orgID, "run_id", runID,
				"stored_hash", run.DataHash, "live_hash", liveHash)
		} else {
			s.logger.Warn("report run has drifted from live data",
				"organization_id", orgID, "run_id", runID)
		}
	}
	return drift, nil
}
