// Package export produces the audit-facing artifacts: CSV slices of the
// governance ledger, verbatim canonical report payloads, and zipped evidence
// packs with a checksummed manifest.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/siteproof/siteproof/pkg/canonical"
	"github.com/siteproof/siteproof/pkg/ledger"
	"github.com/siteproof/siteproof/pkg/report"
	"github.com/siteproof/siteproof/pkg/signature"
)

var (
	// ErrEmptyOrganizationID is returned when the organization scope is missing.
	ErrEmptyOrganizationID = errors.New("export: organization_id must not be empty")
	// ErrNoPayload is returned when a run has no frozen payload to export.
	ErrNoPayload = errors.New("export: report run has no frozen payload")
)

// csvHeader is the stable column order for ledger CSV exports. Readers build
// spreadsheets against it, so columns are only ever appended.
var csvHeader = []string{
	"sequence", "event_id", "event_type", "category", "severity", "outcome",
	"actor_id", "target_type", "target_id", "created_at", "previous_hash", "hash",
}

// Exporter assembles export artifacts from the ledger and report stores.
type Exporter struct {
	ledger *ledger.Ledger
	runs   *report.Service
	sigs   *signature.Binder
	clock  func() time.Time
}

type Option func(*Exporter)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Exporter) { e.clock = clock }
}

func NewExporter(l *ledger.Ledger, runs *report.Service, sigs *signature.Binder, opts ...Option) *Exporter {
	e := &Exporter{ledger: l, runs: runs, sigs: sigs, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WriteLedgerCSV streams the organization's ledger events after the given
// sequence to w as CSV. Metadata is not flattened into columns; consumers
// needing it take the JSON export instead.
func (e *Exporter) WriteLedgerCSV(ctx context.Context, w io.Writer, orgID string, afterSeq uint64) error {
	if orgID == "" {
		return ErrEmptyOrganizationID
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for ev, err := range e.ledger.EventsSince(ctx, orgID, afterSeq) {
		if err != nil {
			return fmt.Errorf("export: read ledger: %w", err)
		}
		row := []string{
			strconv.FormatUint(ev.Sequence, 10),
			ev.ID,
			ev.EventType,
			string(ev.Category),
			string(ev.Severity),
			string(ev.Outcome),
			ev.ActorID,
			ev.TargetType,
			ev.TargetID,
			ev.CreatedAt.UTC().Format(time.RFC3339Nano),
			ev.PreviousHash,
			ev.Hash,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReportJSON returns the run's frozen canonical payload bytes verbatim. The
// bytes are exactly what was hashed at freeze time, so a recipient can
// recompute DataHash from the download alone.
func (e *Exporter) ReportJSON(ctx context.Context, orgID, runID string) ([]byte, string, error) {
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return nil, "", err
	}
	if len(run.CanonicalPayload) == 0 {
		return nil, "", ErrNoPayload
	}
	return run.CanonicalPayload, run.DataHash, nil
}

// packManifest is the manifest.json entry of an evidence pack.
type packManifest struct {
	OrganizationID string            `json:"organization_id"`
	ReportRunID    string            `json:"report_run_id"`
	JobID          string            `json:"job_id"`
	DataHash       string            `json:"data_hash"`
	GeneratedAt    time.Time         `json:"generated_at"`
	EventCount     int               `json:"event_count"`
	SignatureCount int               `json:"signature_count"`
	Files          map[string]string `json:"files"`
}

// EvidencePack builds a zip with the run's canonical payload, its
// signatures, the job's ledger slice, and a manifest carrying per-file
// SHA-256 digests. The returned checksum covers the whole archive.
func (e *Exporter) EvidencePack(ctx context.Context, orgID, runID string) ([]byte, string, error) {
	if orgID == "" {
		return nil, "", ErrEmptyOrganizationID
	}
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return nil, "", err
	}
	if len(run.CanonicalPayload) == 0 {
		return nil, "", ErrNoPayload
	}

	sigs, err := e.sigs.ListByRun(ctx, orgID, runID)
	if err != nil {
		return nil, "", err
	}
	sigsJSON, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal signatures: %w", err)
	}

	var events []*ledger.Event
	for ev, err := range e.ledger.EventsSince(ctx, orgID, 0) {
		if err != nil {
			return nil, "", fmt.Errorf("export: read ledger: %w", err)
		}
		if ev.TargetID == run.JobID || ev.TargetID == run.ID {
			events = append(events, ev)
		}
	}
	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal events: %w", err)
	}

	manifest := packManifest{
		OrganizationID: orgID,
		ReportRunID:    run.ID,
		JobID:          run.JobID,
		DataHash:       run.DataHash,
		GeneratedAt:    e.clock().UTC(),
		EventCount:     len(events),
		SignatureCount: len(sigs),
		Files: map[string]string{
			"report.json":     canonical.HashBytes(run.CanonicalPayload),
			"signatures.json": canonical.HashBytes(sigsJSON),
			"events.json":     canonical.HashBytes(eventsJSON),
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("export: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"report.json", run.CanonicalPayload},
		{"signatures.json", sigsJSON},
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
	}
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, "", fmt.Errorf("export: create %s: %w", f.name, err)
		}
		if _, err := w.Write(f.body); err != nil {
			return nil, "", fmt.Errorf("export: write %s: %w", f.name, err)
		}
	}
	readme, err := zw.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	fmt.Fprintf(readme, "Evidence pack for report run %s\nData hash: %s\nGenerated at %s\n",
		run.ID, run.DataHash, manifest.GeneratedAt.Format(time.RFC3339))

	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("export: close archive: %w", err)
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonical.HashBytes(zipBytes), nil
}
