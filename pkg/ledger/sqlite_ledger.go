package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store and CheckpointStore on SQLite, for local mode
// and integration tests. Same schema shape as the Postgres store; the unique
// indexes carry the chain-fork and idempotency semantics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	metadata JSON,
	created_at TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	idempotency_key TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_org_prev ON ledger_events (organization_id, previous_hash);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_org_seq ON ledger_events (organization_id, sequence);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_events_org_idem ON ledger_events (organization_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
	organization_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	hash TEXT NOT NULL,
	verified_at TEXT NOT NULL
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e *Event) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	var idemKey sql.NullString
	if e.IdempotencyKey != "" {
		idemKey = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, e.Sequence, e.EventType, e.Category, e.Severity, e.Outcome,
		e.ActorID, e.TargetType, e.TargetID, metadata,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.PreviousHash, e.Hash, idemKey,
	)
	if err != nil {
		return classifySQLiteError(err)
	}
	return nil
}

func classifySQLiteError(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	if se.Code() != sqlitelib.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlitelib.SQLITE_CONSTRAINT {
		return err
	}
	if strings.Contains(err.Error(), "idempotency_key") {
		return ErrIdempotencyReplay
	}
	return fmt.Errorf("%w: %v", ErrChainFork, err)
}

// Tail implements Store.
func (s *SQLiteStore) Tail(ctx context.Context, orgID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = ?
		ORDER BY sequence DESC LIMIT 1`, orgID)
	return scanEvent(row)
}

// ListSince implements Store.
func (s *SQLiteStore) ListSince(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`, orgID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, orgID, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = ? AND id = ?`, orgID, eventID)
	return scanEvent(row)
}

// GetByIdempotencyKey implements Store.
func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, orgID, key string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = ? AND idempotency_key = ?`, orgID, key)
	return scanEvent(row)
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context, orgID string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_events WHERE organization_id = ?`, orgID).Scan(&n)
	return n, err
}

// GetCheckpoint implements CheckpointStore.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, orgID string) (*Checkpoint, error) {
	var (
		cp         Checkpoint
		verifiedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, event_id, sequence, hash, verified_at
		FROM ledger_checkpoints WHERE organization_id = ?`, orgID).
		Scan(&cp.OrganizationID, &cp.EventID, &cp.Sequence, &cp.Hash, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp.VerifiedAt, err = time.Parse(time.RFC3339Nano, verifiedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse verified_at: %w", err)
	}
	return &cp, nil
}

// PutCheckpoint implements CheckpointStore.
func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_checkpoints (organization_id, event_id, sequence, hash, verified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET
			event_id = excluded.event_id,
			sequence = excluded.sequence,
			hash = excluded.hash,
			verified_at = excluded.verified_at`,
		cp.OrganizationID, cp.EventID, cp.Sequence, cp.Hash,
		cp.VerifiedAt.UTC().Format(time.RFC3339Nano))
	return err
}
