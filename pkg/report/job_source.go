package report

import (
	"context"
	"database/sql"
	"fmt"
)

// jobSchema holds the upstream job tables a payload is assembled from. The
// application that manages jobs writes them; report building only reads.
const jobSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	location        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	supervisor_id   TEXT NOT NULL DEFAULT '',
	risk_score      INTEGER NOT NULL DEFAULT 0,
	risk_level      TEXT NOT NULL DEFAULT 'low'
);

CREATE TABLE IF NOT EXISTS job_risk_factors (
	job_id TEXT NOT NULL,
	code   TEXT NOT NULL,
	weight INTEGER NOT NULL,
	note   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, code)
);

CREATE TABLE IF NOT EXISTS job_controls (
	job_id      TEXT NOT NULL,
	control_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	verified_by TEXT NOT NULL DEFAULT '',
	verified_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, control_id)
);

CREATE TABLE IF NOT EXISTS job_documents (
	job_id       TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	name         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	PRIMARY KEY (job_id, document_id)
);
`

// SQLJobSource reads job snapshots from the job tables.
type SQLJobSource struct {
	db *sql.DB
}

func NewSQLJobSource(ctx context.Context, db *sql.DB) (*SQLJobSource, error) {
	if _, err := db.ExecContext(ctx, jobSchema); err != nil {
		return nil, fmt.Errorf("report: create job tables: %w", err)
	}
	return &SQLJobSource{db: db}, nil
}

// Snapshot implements JobSource. Rows come back in key order; the builder
// re-sorts anyway so payload bytes never depend on storage order.
func (s *SQLJobSource) Snapshot(ctx context.Context, orgID, jobID string) (Snapshot, error) {
	var snap Snapshot

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, status, supervisor_id, risk_score, risk_level
		FROM jobs WHERE id = $1 AND organization_id = $2`, jobID, orgID)
	err := row.Scan(&snap.Job.ID, &snap.Job.Name, &snap.Job.Location,
		&snap.Job.Status, &snap.Job.SupervisorID, &snap.Risk.Score, &snap.Risk.Level)
	if err == sql.ErrNoRows {
		return snap, fmt.Errorf("report: job %s not found", jobID)
	}
	if err != nil {
		return snap, fmt.Errorf("report: load job: %w", err)
	}

	factors, err := s.db.QueryContext(ctx, `
		SELECT code, weight, note FROM job_risk_factors WHERE job_id = $1`, jobID)
	if err != nil {
		return snap, fmt.Errorf("report: load risk factors: %w", err)
	}
	defer factors.Close()
	for factors.Next() {
		var f RiskFactor
		if err := factors.Scan(&f.Code, &f.Weight, &f.Note); err != nil {
			return snap, err
		}
		snap.Risk.Factors = append(snap.Risk.Factors, f)
	}
	if err := factors.Err(); err != nil {
		return snap, err
	}

	controls, err := s.db.QueryContext(ctx, `
		SELECT control_id, name, status, verified_by, verified_at
		FROM job_controls WHERE job_id = $1`, jobID)
	if err != nil {
		return snap, fmt.Errorf("report: load controls: %w", err)
	}
	defer controls.Close()
	for controls.Next() {
		var c ControlStatus
		if err := controls.Scan(&c.ControlID, &c.Name, &c.Status, &c.VerifiedBy, &c.VerifiedAt); err != nil {
			return snap, err
		}
		snap.Controls = append(snap.Controls, c)
	}
	if err := controls.Err(); err != nil {
		return snap, err
	}

	documents, err := s.db.QueryContext(ctx, `
		SELECT document_id, name, content_hash
		FROM job_documents WHERE job_id = $1`, jobID)
	if err != nil {
		return snap, fmt.Errorf("report: load documents: %w", err)
	}
	defer documents.Close()
	for documents.Next() {
		var d DocumentRef
		if err := documents.Scan(&d.DocumentID, &d.Name, &d.ContentHash); err != nil {
			return snap, err
		}
		snap.Documents = append(snap.Documents, d)
	}
	return snap, documents.Err()
}
