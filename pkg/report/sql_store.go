package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLRunStore implements RunStore using database/sql. It works against both
// Postgres and SQLite via standard drivers; placeholders appear strictly in
// order so $N binds positionally under either.
type SQLRunStore struct {
	db *sql.DB
}

// NewSQLRunStore creates the store and runs its migration.
func NewSQLRunStore(ctx context.Context, db *sql.DB) (*SQLRunStore, error) {
	s := &SQLRunStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("report: migrate: %w", err)
	}
	return s, nil
}

const runSchema = `
CREATE TABLE IF NOT EXISTS report_runs (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	packet_type TEXT NOT NULL,
	status TEXT NOT NULL,
	data_hash TEXT NOT NULL,
	generated_at TEXT NOT NULL,
	canonical_payload BYTEA
);
`

func (s *SQLRunStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, runSchema)
	return err
}

// CreateRun implements RunStore.
func (s *SQLRunStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_runs (id, organization_id, job_id, packet_type, status, data_hash, generated_at, canonical_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.OrganizationID, run.JobID, run.PacketType, run.Status,
		run.DataHash, run.GeneratedAt.UTC().Format(time.RFC3339Nano), run.CanonicalPayload)
	return err
}

const runColumns = `id, organization_id, job_id, packet_type, status, data_hash, generated_at, canonical_payload`

// GetRun implements RunStore.
func (s *SQLRunStore) GetRun(ctx context.Context, orgID, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM report_runs
		WHERE organization_id = $1 AND id = $2`, orgID, runID)
	return scanRun(row)
}

// ListRunsByJob implements RunStore.
func (s *SQLRunStore) ListRunsByJob(ctx context.Context, orgID, jobID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM report_runs
		WHERE organization_id = $1 AND job_id = $2
		ORDER BY generated_at ASC`, orgID, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteRun implements RunStore.
func (s *SQLRunStore) DeleteRun(ctx context.Context, orgID, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM report_runs
		WHERE organization_id = $1 AND id = $2`, orgID, runID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// TransitionStatus implements RunStore. The status predicate in the WHERE
// clause makes the transition a compare-and-set; zero rows affected means
// the run moved (or never existed) and the transition is rejected.
func (s *SQLRunStore) TransitionStatus(ctx context.Context, orgID, runID string, from, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_runs SET status = $1
		WHERE organization_id = $2 AND id = $3 AND status = $4`,
		to, orgID, runID, from)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, orgID, runID); errors.Is(err, ErrRunNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("%w: run not in %s", ErrInvalidTransition, from)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run         Run
		generatedAt string
	)
	err := row.Scan(&run.ID, &run.OrganizationID, &run.JobID, &run.PacketType,
		&run.Status, &run.DataHash, &generatedAt, &run.CanonicalPayload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	run.GeneratedAt, err = time.Parse(time.RFC3339Nano, generatedAt)
	if err != nil {
		return nil, fmt.Errorf("report: parse generated_at: %w", err)
	}
	return &run, nil
}
