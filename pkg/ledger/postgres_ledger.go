package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store and CheckpointStore on PostgreSQL.
// Chain serialization rides on uniqueness constraints rather than an
// in-process lock manager, which is what a stateless request deployment
// needs: two appends claiming the same previous hash race at the database,
// and the loser gets ErrChainFork.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	category TEXT NOT NULL,
	severity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	target_type TEXT NOT NULL DEFAULT '',
	target_id TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	created_at TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	idempotency_key TEXT,
	CONSTRAINT ledger_events_org_prev UNIQUE (organization_id, previous_hash),
	CONSTRAINT ledger_events_org_seq UNIQUE (organization_id, sequence),
	CONSTRAINT ledger_events_org_idem UNIQUE (organization_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS ledger_checkpoints (
	organization_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	hash TEXT NOT NULL,
	verified_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

const eventColumns = `id, organization_id, sequence, event_type, category, severity, outcome,
	actor_id, target_type, target_id, metadata, created_at, previous_hash, hash, idempotency_key`

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.OrganizationID, e.Sequence, e.EventType, e.Category, e.Severity, e.Outcome,
		e.ActorID, e.TargetType, e.TargetID, metadata,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.PreviousHash, e.Hash, idemKey,
	)
	if err != nil {
		return classifyPQError(err)
	}
	return nil
}

func classifyPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch pqErr.Constraint {
		case "ledger_events_org_idem":
			return ErrIdempotencyReplay
		default:
			// org_prev or org_seq: another append won the tail
			return fmt.Errorf("%w: %s", ErrChainFork, pqErr.Constraint)
		}
	}
	return err
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, orgID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = $1
		ORDER BY sequence DESC LIMIT 1`, orgID)
	return scanEvent(row)
}

// ListSince implements Store.
func (s *PostgresStore) ListSince(ctx context.Context, orgID string, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = $1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3`, orgID, afterSeq, limit)
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
func (s *PostgresStore) Get(ctx context.Context, orgID, eventID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = $1 AND id = $2`, orgID, eventID)
	return scanEvent(row)
}

// GetByIdempotencyKey implements Store.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, orgID, key string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM ledger_events
		WHERE organization_id = $1 AND idempotency_key = $2`, orgID, key)
	return scanEvent(row)
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, orgID string) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_events WHERE organization_id = $1`, orgID).Scan(&n)
	return n, err
}

// GetCheckpoint implements CheckpointStore.
func (s *PostgresStore) GetCheckpoint(ctx context.Context, orgID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, event_id, sequence, hash, verified_at
		FROM ledger_checkpoints WHERE organization_id = $1`, orgID).
		Scan(&cp.OrganizationID, &cp.EventID, &cp.Sequence, &cp.Hash, &cp.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// PutCheckpoint implements CheckpointStore.
func (s *PostgresStore) PutCheckpoint(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_checkpoints (organization_id, event_id, sequence, hash, verified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			sequence = EXCLUDED.sequence,
			hash = EXCLUDED.hash,
			verified_at = EXCLUDED.verified_at`,
		cp.OrganizationID, cp.EventID, cp.Sequence, cp.Hash, cp.VerifiedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e         Event
		metadata  []byte
		createdAt string
		idemKey   sql.NullString
	)
	err := row.Scan(&e.ID, &e.OrganizationID, &e.Sequence, &e.EventType, &e.Category,
		&e.Severity, &e.Outcome, &e.ActorID, &e.TargetType, &e.TargetID,
		&metadata, &createdAt, &e.PreviousHash, &e.Hash, &idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse created_at: %w", err)
	}
	e.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if idemKey.Valid {
		e.IdempotencyKey = idemKey.String
	}
	return &e, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal metadata: %w", err)
	}
	return b, nil
}

// unmarshalMetadata decodes with UseNumber so numeric values round-trip into
// the same canonical form they were hashed with at append time.
func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal metadata: %w", err)
	}
	return m, nil
}
