// Package taxonomy defines the fixed governance event taxonomy: every event
// type maps to exactly one (category, severity, outcome) triple, and carries
// a declared metadata shape that is validated at append time. The ledger and
// the UI must agree on this table, so it lives in one embedded document.
package taxonomy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Category partitions events by governance domain.
type Category string

const (
	CategoryGovernance Category = "governance"
	CategoryOperations Category = "operations"
	CategoryAccess     Category = "access"
)

// Severity grades the governance weight of an event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMaterial Severity = "material"
	SeverityInfo     Severity = "info"
)

// Outcome records how the recorded action concluded.
type Outcome string

const (
	OutcomeBlocked Outcome = "blocked"
	OutcomeAllowed Outcome = "allowed"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

var (
	// ErrUnknownEventType is returned when an event type is not in the table.
	ErrUnknownEventType = errors.New("taxonomy: unknown event type")
	// ErrMetadataShape is returned when event metadata fails shape validation.
	ErrMetadataShape = errors.New("taxonomy: metadata does not match declared shape")
)

// Entry is one row of the taxonomy table.
type Entry struct {
	EventType string   `yaml:"event_type"`
	Category  Category `yaml:"category"`
	Severity  Severity `yaml:"severity"`
	Outcome   Outcome  `yaml:"outcome"`
	// MetadataSchema is a JSON Schema document for the event's metadata bag.
	// Empty means any object is accepted.
	MetadataSchema string `yaml:"metadata_schema"`
}

//go:embed taxonomy.yaml
var rawTable []byte

// Registry resolves event types to taxonomy entries and validates metadata.
type Registry struct {
	entries map[string]Entry
	schemas map[string]*jsonschema.Schema
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry built from the embedded table.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Load(rawTable)
		if defaultErr != nil {
			panic(fmt.Sprintf("taxonomy: embedded table invalid: %v", defaultErr))
		}
	})
	return defaultReg
}

// Load parses a taxonomy table document and compiles its metadata schemas.
func Load(doc []byte) (*Registry, error) {
	var table struct {
		Events []Entry `yaml:"events"`
	}
	if err := yaml.Unmarshal(doc, &table); err != nil {
		return nil, fmt.Errorf("taxonomy: parse table: %w", err)
	}
	if len(table.Events) == 0 {
		return nil, errors.New("taxonomy: table has no events")
	}

	r := &Registry{
		entries: make(map[string]Entry, len(table.Events)),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, e := range table.Events {
		if e.EventType == "" {
			return nil, errors.New("taxonomy: entry missing event_type")
		}
		if _, dup := r.entries[e.EventType]; dup {
			return nil, fmt.Errorf("taxonomy: duplicate event type %q", e.EventType)
		}
		if err := validateTriple(e); err != nil {
			return nil, err
		}
		r.entries[e.EventType] = e

		if e.MetadataSchema != "" {
			compiler := jsonschema.NewCompiler()
			url := "mem://" + e.EventType + ".json"
			if err := compiler.AddResource(url, strings.NewReader(e.MetadataSchema)); err != nil {
				return nil, fmt.Errorf("taxonomy: schema for %s: %w", e.EventType, err)
			}
			sch, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("taxonomy: compile schema for %s: %w", e.EventType, err)
			}
			r.schemas[e.EventType] = sch
		}
	}
	return r, nil
}

func validateTriple(e Entry) error {
	switch e.Category {
	case CategoryGovernance, CategoryOperations, CategoryAccess:
	default:
		return fmt.Errorf("taxonomy: %s: invalid category %q", e.EventType, e.Category)
	}
	switch e.Severity {
	case SeverityCritical, SeverityMaterial, SeverityInfo:
	default:
		return fmt.Errorf("taxonomy: %s: invalid severity %q", e.EventType, e.Severity)
	}
	switch e.Outcome {
	case OutcomeBlocked, OutcomeAllowed, OutcomeSuccess, OutcomeFailure:
	default:
		return fmt.Errorf("taxonomy: %s: invalid outcome %q", e.EventType, e.Outcome)
	}
	return nil
}

// Lookup returns the taxonomy entry for an event type.
func (r *Registry) Lookup(eventType string) (Entry, error) {
	e, ok := r.entries[eventType]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	return e, nil
}

// EventTypes returns all known event types.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// ValidateMetadata checks an event's metadata bag against the shape declared
// for its type. Shape is enforced at append time, never at read time.
func (r *Registry) ValidateMetadata(eventType string, metadata map[string]any) error {
	if _, err := r.Lookup(eventType); err != nil {
		return err
	}
	sch, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	// jsonschema requires plain decoded JSON values; metadata may contain
	// arbitrary Go types, so normalize through encoding/json first.
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataShape, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataShape, err)
	}
	if generic == nil {
		generic = map[string]any{}
	}
	if err := sch.Validate(generic); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMetadataShape, eventType, err)
	}
	return nil
}
