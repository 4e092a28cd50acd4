package signature

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// SQLStore implements Store using database/sql against Postgres or SQLite.
// The partial unique index on (report_run_id, signature_role) where
// revoked_at is null is what serializes concurrent sign attempts: the loser
// hits the constraint and gets ErrDuplicate, never a silent overwrite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the store and runs its migration.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("signature: migrate: %w", err)
	}
	return s, nil
}

const signatureSchema = `
CREATE TABLE IF NOT EXISTS report_signatures (
	id TEXT PRIMARY KEY,
	report_run_id TEXT NOT NULL,
	signer_user_id TEXT NOT NULL,
	signer_name TEXT NOT NULL,
	signer_title TEXT NOT NULL DEFAULT '',
	signature_role TEXT NOT NULL,
	signature_svg TEXT NOT NULL DEFAULT '',
	attestation_text TEXT NOT NULL DEFAULT '',
	data_hash TEXT NOT NULL,
	signed_at TEXT NOT NULL,
	revoked_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS report_signatures_run_role_active
	ON report_signatures (report_run_id, signature_role)
	WHERE revoked_at IS NULL;
`

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, signatureSchema)
	return err
}

// CreateSignature implements Store.
func (s *SQLStore) CreateSignature(ctx context.Context, sig *Signature) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_signatures
			(id, report_run_id, signer_user_id, signer_name, signer_title,
			 signature_role, signature_svg, attestation_text, data_hash, signed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sig.ID, sig.ReportRunID, sig.SignerUserID, sig.SignerName, sig.SignerTitle,
		sig.Role, sig.SignatureSVG, sig.AttestationText, sig.DataHash,
		sig.SignedAt.UTC().Format(time.RFC3339Nano))
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlitelib.SQLITE_CONSTRAINT
	}
	return false
}

// ListByRun implements Store.
func (s *SQLStore) ListByRun(ctx context.Context, runID string) ([]*Signature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_run_id, signer_user_id, signer_name, signer_title,
			signature_role, signature_svg, attestation_text, data_hash, signed_at, revoked_at
		FROM report_signatures
		WHERE report_run_id = $1
		ORDER BY signed_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Signature
	for rows.Next() {
		var (
			sig       Signature
			signedAt  string
			revokedAt sql.NullString
		)
		if err := rows.Scan(&sig.ID, &sig.ReportRunID, &sig.SignerUserID, &sig.SignerName,
			&sig.SignerTitle, &sig.Role, &sig.SignatureSVG, &sig.AttestationText,
			&sig.DataHash, &signedAt, &revokedAt); err != nil {
			return nil, err
		}
		sig.SignedAt, err = time.Parse(time.RFC3339Nano, signedAt)
		if err != nil {
			return nil, fmt.Errorf("signature: parse signed_at: %w", err)
		}
		if revokedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
			if err != nil {
				return nil, fmt.Errorf("signature: parse revoked_at: %w", err)
			}
			sig.RevokedAt = &t
		}
		out = append(out, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSignature implements Store.
func (s *SQLStore) DeleteSignature(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM report_signatures WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeSignature implements Store.
func (s *SQLStore) RevokeSignature(ctx context.Context, runID string, role Role, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_signatures SET revoked_at = $1
		WHERE report_run_id = $2 AND signature_role = $3 AND revoked_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), runID, role)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
