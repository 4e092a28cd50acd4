package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/siteproof/siteproof/pkg/canonical"
	"github.com/siteproof/siteproof/pkg/ledger"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func (f *fakeSource) Snapshot(ctx context.Context, orgID, jobID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[jobID]
	if !ok {
		return Snapshot{}, fmt.Errorf("no such job %s", jobID)
	}
	return snap, nil
}

func (f *fakeSource) set(jobID string, snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[jobID] = snap
}

func jobSnapshot() Snapshot {
	return Snapshot{
		Job: JobCore{ID: "job-1", Name: "Tower crane install", Location: "Dock 4", Status: "active", SupervisorID: "user-2"},
		Risk: RiskScore{
			Score: 72,
			Level: "high",
			Factors: []RiskFactor{
				{Code: "work_at_height", Weight: 40},
				{Code: "electrical", Weight: 32},
			},
		},
		Controls: []ControlStatus{
			{ControlID: "ctl-2", Name: "Harness inspection", Status: "verified", VerifiedBy: "user-5"},
			{ControlID: "ctl-1", Name: "Lockout tagout", Status: "pending"},
		},
		Documents: []DocumentRef{
			{DocumentID: "doc-9", Name: "permit.pdf", ContentHash: "aa11"},
			{DocumentID: "doc-1", Name: "method-statement.pdf", ContentHash: "bb22"},
		},
	}
}

func newTestService(t *testing.T) (*Service, *fakeSource, *ledger.Ledger) {
	t.Helper()
	source := &fakeSource{snaps: map[string]Snapshot{"job-1": jobSnapshot()}}
	l := ledger.New(ledger.NewMemoryStore())
	builder := NewBuilder(source, l)
	svc := NewService(NewMemoryRunStore(), builder, l)
	return svc, source, l
}

func TestBuild_Deterministic(t *testing.T) {
	ctx := context.Background()
	_, source, l := newTestService(t)
	builder := NewBuilder(source, l)

	_, raw1, hash1, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)
	_, raw2, hash2, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)

	assert.Equal(t, string(raw1), string(raw2))
	assert.Equal(t, hash1, hash2)
}

func TestBuild_SourceOrderDoesNotMatter(t *testing.T) {
	ctx := context.Background()
	_, source, l := newTestService(t)
	builder := NewBuilder(source, l)

	_, _, hash1, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)

	shuffled := jobSnapshot()
	shuffled.Controls[0], shuffled.Controls[1] = shuffled.Controls[1], shuffled.Controls[0]
	shuffled.Documents[0], shuffled.Documents[1] = shuffled.Documents[1], shuffled.Documents[0]
	shuffled.Risk.Factors[0], shuffled.Risk.Factors[1] = shuffled.Risk.Factors[1], shuffled.Risk.Factors[0]
	source.set("job-1", shuffled)

	_, _, hash2, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)
}

func TestBuild_IncludesJobLedgerSummary(t *testing.T) {
	ctx := context.Background()
	_, source, l := newTestService(t)
	builder := NewBuilder(source, l)

	e, err := l.Append(ctx, "org-1", ledger.Draft{
		EventType:  "control.verified",
		ActorID:    "user-5",
		TargetType: "job",
		TargetID:   "job-1",
		Metadata:   map[string]any{"control_id": "ctl-2"},
	})
	require.NoError(t, err)
	// an event for another job must not show up in this job's summary
	_, err = l.Append(ctx, "org-1", ledger.Draft{
		EventType:  "control.verified",
		ActorID:    "user-5",
		TargetType: "job",
		TargetID:   "job-other",
		Metadata:   map[string]any{"control_id": "ctl-9"},
	})
	require.NoError(t, err)

	payload, err := builder.Build(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Ledger.EventCount)
	assert.Equal(t, e.ID, payload.Ledger.LastEventID)
	assert.Equal(t, e.Hash, payload.Ledger.TailHash)
}

func TestCreateRun_FreezesPayloadAndEmitsEvent(t *testing.T) {
	ctx := context.Background()
	svc, _, l := newTestService(t)

	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, run.Status)
	assert.Len(t, run.DataHash, 64)
	assert.Equal(t, canonical.HashBytes(run.CanonicalPayload), run.DataHash)

	events, err := l.ListSince(ctx, "org-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "report.run_created", events[0].EventType)
	assert.Equal(t, run.ID, events[0].Metadata["report_run_id"])
	// the creation event targets the run, not the job, so it never feeds
	// back into the job's ledger summary
	assert.Equal(t, "report_run", events[0].TargetType)
	assert.Equal(t, run.ID, events[0].TargetID)
}

type appendRefusingStore struct {
	ledger.Store
	mu      sync.Mutex
	healthy int // appends accepted before the store goes down
}

func (s *appendRefusingStore) Append(ctx context.Context, e *ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthy <= 0 {
		return errors.New("ledger store unavailable")
	}
	s.healthy--
	return s.Store.Append(ctx, e)
}

func TestCreateRun_UnwindsWhenLedgerRejects(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{snaps: map[string]Snapshot{"job-1": jobSnapshot()}}
	store := &appendRefusingStore{Store: ledger.NewMemoryStore()}
	l := ledger.New(store)
	svc := NewService(NewMemoryRunStore(), NewBuilder(source, l), l)

	_, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.Error(t, err)

	// no run may survive without its creation event in the chain
	runs, err := svc.ListByJob(ctx, "org-1", "job-1")
	require.NoError(t, err)
	assert.Empty(t, runs)

	store.mu.Lock()
	store.healthy = 1
	store.mu.Unlock()
	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, run.Status)
}

func TestLifecycle_FreezeAndFinalize(t *testing.T) {
	ctx := context.Background()
	svc, _, l := newTestService(t)

	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)

	frozen, err := svc.Freeze(ctx, "org-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReadyForSignatures, frozen.Status)

	final, err := svc.Finalize(ctx, "org-1", run.ID, "user-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFinal, final.Status)

	events, err := l.ListSince(ctx, "org-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "report.finalized", events[1].EventType)
}

func TestLifecycle_ClosedRunsRejectChanges(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)
	_, err = svc.Freeze(ctx, "org-1", run.ID)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "org-1", run.ID, "user-2")
	require.NoError(t, err)

	_, err = svc.Freeze(ctx, "org-1", run.ID)
	require.ErrorIs(t, err, ErrRunClosed)
	_, err = svc.Finalize(ctx, "org-1", run.ID, "user-2")
	require.ErrorIs(t, err, ErrRunClosed)
}

func TestLifecycle_NewRunAfterClose(t *testing.T) {
	// Closed runs are never resurrected; a fresh run with its own hash is
	// created instead, keeping prior signatures bound to their snapshot.
	ctx := context.Background()
	svc, source, _ := newTestService(t)

	first, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)
	_, err = svc.Freeze(ctx, "org-1", first.ID)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "org-1", first.ID, "user-2")
	require.NoError(t, err)

	snap := jobSnapshot()
	snap.Risk.Score = 55
	source.set("job-1", snap)

	second, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.DataHash, second.DataHash)

	runs, err := svc.ListByJob(ctx, "org-1", "job-1")
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestCheckDrift(t *testing.T) {
	ctx := context.Background()
	svc, source, _ := newTestService(t)

	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)

	drift, err := svc.CheckDrift(ctx, "org-1", run.ID)
	require.NoError(t, err)
	assert.False(t, drift.Drifted)

	snap := jobSnapshot()
	snap.Risk.Score = 90
	snap.Risk.Level = "severe"
	source.set("job-1", snap)

	drift, err = svc.CheckDrift(ctx, "org-1", run.ID)
	require.NoError(t, err)
	assert.True(t, drift.Drifted)
	assert.False(t, drift.Flagged, "draft run drift is a warning, not a flag")
	assert.NotEqual(t, drift.StoredHash, drift.LiveHash)

	_, err = svc.Freeze(ctx, "org-1", run.ID)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, "org-1", run.ID, "user-2")
	require.NoError(t, err)

	drift, err = svc.CheckDrift(ctx, "org-1", run.ID)
	require.NoError(t, err)
	assert.True(t, drift.Flagged, "final run drift must be flagged")
}

func TestSQLRunStore_RoundTripAndTransitions(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLRunStore(ctx, db)
	require.NoError(t, err)

	source := &fakeSource{snaps: map[string]Snapshot{"job-1": jobSnapshot()}}
	lg := ledger.New(ledger.NewMemoryStore())
	svc := NewService(store, NewBuilder(source, lg), lg)

	run, err := svc.CreateRun(ctx, "org-1", "job-1", "safety_packet", "user-2")
	require.NoError(t, err)

	got, err := store.GetRun(ctx, "org-1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.DataHash, got.DataHash)
	assert.Equal(t, run.CanonicalPayload, got.CanonicalPayload)
	assert.Equal(t, run.GeneratedAt.UTC(), got.GeneratedAt.UTC())

	require.NoError(t, store.TransitionStatus(ctx, "org-1", run.ID, StatusDraft, StatusReadyForSignatures))
	err = store.TransitionStatus(ctx, "org-1", run.ID, StatusDraft, StatusReadyForSignatures)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = store.TransitionStatus(ctx, "org-1", "absent", StatusDraft, StatusFinal)
	require.ErrorIs(t, err, ErrRunNotFound)

	runs, err := store.ListRunsByJob(ctx, "org-1", "job-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusReadyForSignatures, runs[0].Status)

	require.ErrorIs(t, store.DeleteRun(ctx, "org-1", "absent"), ErrRunNotFound)
	require.NoError(t, store.DeleteRun(ctx, "org-1", run.ID))
	_, err = store.GetRun(ctx, "org-1", run.ID)
	require.ErrorIs(t, err, ErrRunNotFound)
}
