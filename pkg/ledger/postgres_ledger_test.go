package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &PostgresStore{db: db}, mock
}

func sampleEvent() *Event {
	return &Event{
		ID:             "evt-1",
		OrganizationID: "org-1",
		Sequence:       1,
		EventType:      "assignment.created",
		Category:       "operations",
		Severity:       "info",
		Outcome:        "success",
		ActorID:        "admin-1",
		Metadata:       map[string]any{"assignee_id": "user-3"},
		CreatedAt:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
		PreviousHash:   GenesisHash,
		Hash:           "deadbeef",
	}
}

func TestPostgresStore_AppendClassifiesChainFork(t *testing.T) {
	store, mock := newPostgresStore(t)
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_events_org_prev"})

	err := store.Append(context.Background(), sampleEvent())
	require.ErrorIs(t, err, ErrChainFork)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendClassifiesSequenceConflictAsFork(t *testing.T) {
	store, mock := newPostgresStore(t)
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_events_org_seq"})

	err := store.Append(context.Background(), sampleEvent())
	require.ErrorIs(t, err, ErrChainFork)
}

func TestPostgresStore_AppendClassifiesIdempotencyReplay(t *testing.T) {
	store, mock := newPostgresStore(t)
	mock.ExpectExec(`INSERT INTO ledger_events`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ledger_events_org_idem"})

	e := sampleEvent()
	e.IdempotencyKey = "idem-1"
	err := store.Append(context.Background(), e)
	require.ErrorIs(t, err, ErrIdempotencyReplay)
}

func TestPostgresStore_AppendPassesThroughTransientErrors(t *testing.T) {
	store, mock := newPostgresStore(t)
	netErr := errors.New("connection reset")
	mock.ExpectExec(`INSERT INTO ledger_events`).WillReturnError(netErr)

	err := store.Append(context.Background(), sampleEvent())
	require.ErrorIs(t, err, netErr)
	assert.NotErrorIs(t, err, ErrChainFork)
}

func TestPostgresStore_TailEmptyChain(t *testing.T) {
	store, mock := newPostgresStore(t)
	mock.ExpectQuery(`SELECT .* FROM ledger_events`).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Tail(context.Background(), "org-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ScanRoundTrip(t *testing.T) {
	store, mock := newPostgresStore(t)
	e := sampleEvent()
	columns := []string{"id", "organization_id", "sequence", "event_type", "category",
		"severity", "outcome", "actor_id", "target_type", "target_id", "metadata",
		"created_at", "previous_hash", "hash", "idempotency_key"}
	mock.ExpectQuery(`SELECT .* FROM ledger_events`).
		WithArgs("org-1", "evt-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			e.ID, e.OrganizationID, e.Sequence, e.EventType, string(e.Category),
			string(e.Severity), string(e.Outcome), e.ActorID, "", "",
			[]byte(`{"assignee_id":"user-3"}`),
			e.CreatedAt.Format(time.RFC3339Nano), e.PreviousHash, e.Hash, nil))

	got, err := store.Get(context.Background(), "org-1", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.CreatedAt, got.CreatedAt)
	assert.Equal(t, "user-3", got.Metadata["assignee_id"])
}
