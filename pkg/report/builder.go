package report

import (
	"context"
	"fmt"
	"sort"

	"github.com/siteproof/siteproof/pkg/canonical"
	"github.com/siteproof/siteproof/pkg/ledger"
)

// JobSource supplies current job state from the relational store. It is an
// external collaborator; the builder only reads through it.
type JobSource interface {
	Snapshot(ctx context.Context, orgID, jobID string) (Snapshot, error)
}

// Builder assembles report payloads. Build is read-only with respect to the
// ledger and has no side effects anywhere.
type Builder struct {
	source JobSource
	ledger *ledger.Ledger
}

// NewBuilder creates a Builder over a job source and the governance ledger.
func NewBuilder(source JobSource, l *ledger.Ledger) *Builder {
	return &Builder{source: source, ledger: l}
}

// Build assembles the point-in-time payload for a job. Collections are
// sorted by stable keys so the canonical form does not depend on source
// iteration order.
func (b *Builder) Build(ctx context.Context, orgID, jobID, packetType string) (*Payload, error) {
	snap, err := b.source.Snapshot(ctx, orgID, jobID)
	if err != nil {
		return nil, fmt.Errorf("report: snapshot job %s: %w", jobID, err)
	}

	summary, err := b.ledgerSummary(ctx, orgID, jobID)
	if err != nil {
		return nil, fmt.Errorf("report: ledger summary for job %s: %w", jobID, err)
	}

	controls := append([]ControlStatus(nil), snap.Controls...)
	sort.Slice(controls, func(i, j int) bool { return controls[i].ControlID < controls[j].ControlID })
	documents := append([]DocumentRef(nil), snap.Documents...)
	sort.Slice(documents, func(i, j int) bool { return documents[i].DocumentID < documents[j].DocumentID })
	factors := append([]RiskFactor(nil), snap.Risk.Factors...)
	sort.Slice(factors, func(i, j int) bool { return factors[i].Code < factors[j].Code })
	snap.Risk.Factors = factors

	return &Payload{
		SchemaVersion:  SchemaVersion,
		OrganizationID: orgID,
		JobID:          jobID,
		PacketType:     packetType,
		Job:            snap.Job,
		Risk:           snap.Risk,
		Controls:       controls,
		Documents:      documents,
		Ledger:         summary,
	}, nil
}

// BuildHashed builds the payload and returns its canonical bytes and hash.
func (b *Builder) BuildHashed(ctx context.Context, orgID, jobID, packetType string) (*Payload, []byte, string, error) {
	payload, err := b.Build(ctx, orgID, jobID, packetType)
	if err != nil {
		return nil, nil, "", err
	}
	raw, err := canonical.Marshal(payload)
	if err != nil {
		return nil, nil, "", err
	}
	return payload, raw, canonical.HashBytes(raw), nil
}

func (b *Builder) ledgerSummary(ctx context.Context, orgID, jobID string) (LedgerSummary, error) {
	var summary LedgerSummary
	for e, err := range b.ledger.EventsSince(ctx, orgID, 0) {
		if err != nil {
			return LedgerSummary{}, err
		}
		if e.TargetID != jobID {
			continue
		}
		summary.EventCount++
		summary.LastEventID = e.ID
		summary.TailHash = e.Hash
	}
	return summary, nil
}
