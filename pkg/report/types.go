// Package report assembles frozen, content-hashed report packets for jobs.
// A run captures the canonical payload bytes and their hash at a point in
// time; signatures bind to that hash, so closed runs are never mutated — a
// new run is created instead.
package report

import (
	"errors"
	"time"
)

var (
	// ErrRunNotFound is returned when a report run does not exist.
	ErrRunNotFound = errors.New("report: run not found")
	// ErrRunClosed is returned for any write against a final/complete run.
	// Callers must create a new run; closed runs keep prior signatures valid.
	ErrRunClosed = errors.New("report: run is closed")
	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("report: invalid status transition")
)

// Status is the report run lifecycle state.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusReadyForSignatures Status = "ready_for_signatures"
	StatusFinal              Status = "final"
	StatusComplete           Status = "complete"
)

// Signable reports whether signatures may still be attached.
func (s Status) Signable() bool {
	return s == StatusDraft || s == StatusReadyForSignatures
}

// Terminal reports whether the run is closed.
func (s Status) Terminal() bool {
	return s == StatusFinal || s == StatusComplete
}

// Run is a frozen, hashed snapshot of a job's compliance data.
type Run struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	JobID          string    `json:"job_id"`
	PacketType     string    `json:"packet_type"`
	Status         Status    `json:"status"`
	DataHash       string    `json:"data_hash"`
	GeneratedAt    time.Time `json:"generated_at"`

	// CanonicalPayload is the frozen payload exactly as hashed; the JSON
	// export serves these bytes verbatim so a third party can recompute
	// DataHash independently.
	CanonicalPayload []byte `json:"-"`
}

// JobCore is the job's identifying fields as frozen into a payload.
type JobCore struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Location     string `json:"location,omitempty"`
	Status       string `json:"status"`
	SupervisorID string `json:"supervisor_id,omitempty"`
}

// RiskFactor is one contributor to a job's risk score.
type RiskFactor struct {
	Code   string `json:"code"`
	Weight int    `json:"weight"`
	Note   string `json:"note,omitempty"`
}

// RiskScore is the computed score with its contributing factors.
type RiskScore struct {
	Score   int          `json:"score"`
	Level   string       `json:"level"`
	Factors []RiskFactor `json:"factors"`
}

// ControlStatus is a mitigation/control's completion state.
type ControlStatus struct {
	ControlID  string `json:"control_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	VerifiedBy string `json:"verified_by,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

// DocumentRef is an evidence document entry in the payload manifest.
type DocumentRef struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	ContentHash string `json:"content_hash"`
}

// LedgerSummary captures the job-relevant ledger position at build time.
type LedgerSummary struct {
	EventCount  int    `json:"event_count"`
	LastEventID string `json:"last_event_id,omitempty"`
	TailHash    string `json:"tail_hash,omitempty"`
}

// Payload is the full assembled report snapshot. It is a pure function of
// job state: no wall clock, no randomness, so back-to-back builds with no
// intervening change are byte-identical after canonicalization.
type Payload struct {
	SchemaVersion  string          `json:"schema_version"`
	OrganizationID string          `json:"organization_id"`
	JobID          string          `json:"job_id"`
	PacketType     string          `json:"packet_type"`
	Job            JobCore         `json:"job"`
	Risk           RiskScore       `json:"risk"`
	Controls       []ControlStatus `json:"controls"`
	Documents      []DocumentRef   `json:"documents"`
	Ledger         LedgerSummary   `json:"ledger"`
}

// SchemaVersion is stamped into every payload.
const SchemaVersion = "1"

// Snapshot is everything a job source supplies for one payload.
type Snapshot struct {
	Job       JobCore
	Risk      RiskScore
	Controls  []ControlStatus
	Documents []DocumentRef
}
