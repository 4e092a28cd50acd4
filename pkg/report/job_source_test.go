package report

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/siteproof/siteproof/pkg/ledger"
)

func seedJob(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO jobs (id, organization_id, name, location, status, supervisor_id, risk_score, risk_level)
		 VALUES ('job-1', 'org-1', 'Roof replacement', 'Leeds', 'active', 'user-9', 55, 'medium')`,
		`INSERT INTO job_risk_factors (job_id, code, weight, note) VALUES
		 ('job-1', 'work_at_height', 30, 'over 2m'),
		 ('job-1', 'asbestos', 25, '')`,
		`INSERT INTO job_controls (job_id, control_id, name, status, verified_by, verified_at) VALUES
		 ('job-1', 'c-2', 'Harness inspection', 'verified', 'user-9', '2026-02-01T09:00:00Z'),
		 ('job-1', 'c-1', 'Scaffold tag check', 'pending', '', '')`,
		`INSERT INTO job_documents (job_id, document_id, name, content_hash) VALUES
		 ('job-1', 'd-1', 'RAMS.pdf', 'abc123')`,
	}
	for _, s := range stmts {
		_, err := db.ExecContext(ctx, s)
		require.NoError(t, err)
	}
}

func TestSQLJobSource_Snapshot(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	source, err := NewSQLJobSource(ctx, db)
	require.NoError(t, err)
	seedJob(t, db)

	snap, err := source.Snapshot(ctx, "org-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Roof replacement", snap.Job.Name)
	assert.Equal(t, 55, snap.Risk.Score)
	assert.Len(t, snap.Risk.Factors, 2)
	assert.Len(t, snap.Controls, 2)
	assert.Len(t, snap.Documents, 1)
}

func TestSQLJobSource_WrongOrganization(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	source, err := NewSQLJobSource(ctx, db)
	require.NoError(t, err)
	seedJob(t, db)

	_, err = source.Snapshot(ctx, "org-2", "job-1")
	require.Error(t, err)
}

func TestSQLJobSource_BuildsDeterministicPayload(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	source, err := NewSQLJobSource(ctx, db)
	require.NoError(t, err)
	seedJob(t, db)

	builder := NewBuilder(source, ledger.New(ledger.NewMemoryStore()))
	_, bytesA, hashA, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)
	payload, bytesB, hashB, err := builder.BuildHashed(ctx, "org-1", "job-1", "safety_packet")
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Equal(t, bytesA, bytesB)
	// controls come back sorted by id regardless of insert order
	require.Len(t, payload.Controls, 2)
	assert.Equal(t, "c-1", payload.Controls[0].ControlID)
}
