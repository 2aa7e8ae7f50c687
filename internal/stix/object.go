// Package stix shapes trust entities and shared intelligence as STIX 2.1
// objects and decorates them for validation, anonymization, enrichment and
// TAXII export.
package stix

import (
	"context"
	"encoding/json"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// SpecVersion is the STIX version produced by the factory.
const SpecVersion = "2.1"

// Custom object types for trust entities.
const (
	TypeTrustRelationship = "x-crisp-trust-relationship"
	TypeTrustGroup        = "x-crisp-trust-group"
	TypeTrustLevel        = "x-crisp-trust-level"
	TypeBundle            = "bundle"
)

// TrustExtensionProperty holds the trust details of a trust object.
const TrustExtensionProperty = "x_crisp_trust"

// ExtensionKey names a decorator's metadata block in the serialized object.
type ExtensionKey string

const (
	ExtValidation    ExtensionKey = "x_crisp_validation"
	ExtAnonymization ExtensionKey = "x_crisp_anonymization"
	ExtEnrichment    ExtensionKey = "x_crisp_enrichment"
	ExtTAXII         ExtensionKey = "x_crisp_taxii"
)

// ValidationResult is attached by the validation decorator.
type ValidationResult struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// AnonymizationInfo is attached by the anonymization decorator.
type AnonymizationInfo struct {
	Level          models.AnonymizationLevel `json:"level"`
	OriginalIDHash string                    `json:"original_id_hash"`
	AnonymizedAt   string                    `json:"anonymized_at"`
}

// EnrichmentInfo is attached by the enrichment decorator.
type EnrichmentInfo struct {
	Confidence          int     `json:"confidence"`
	ThreatLevel         string  `json:"threat_level"`
	TrustStability      string  `json:"trust_stability"`
	RelationshipAgeDays int     `json:"relationship_age_days"`
	TrustScore          float64 `json:"trust_score"`
	EnrichedAt          string  `json:"enriched_at"`
}

// TAXIIInfo is attached by the TAXII export decorator.
type TAXIIInfo struct {
	TLP               TLP    `json:"tlp"`
	MarkingDefinition string `json:"marking_definition"`
	Compliant         bool   `json:"compliant"`
	PreparedAt        string `json:"prepared_at"`
}

// ShareableObject is a STIX object moving through the decorator chain.
// Decorator metadata lives in Extensions, never in Properties.
type ShareableObject struct {
	Type        string
	ID          string
	SpecVersion string
	Created     time.Time
	Modified    time.Time
	// Properties holds every other top-level STIX property.
	Properties map[string]any

	// Trust context, when known.
	Relationship *models.TrustRelationship
	Group        *models.TrustGroup
	Level        *models.TrustLevel

	Extensions map[ExtensionKey]any
}

// Clone returns a deep copy. Trust context pointers are shared.
func (o *ShareableObject) Clone() *ShareableObject {
	out := *o
	out.Properties = copyMap(o.Properties)
	out.Extensions = make(map[ExtensionKey]any, len(o.Extensions))
	for k, v := range o.Extensions {
		out.Extensions[k] = v
	}
	return &out
}

// SetExtension records a decorator's metadata block.
func (o *ShareableObject) SetExtension(key ExtensionKey, v any) {
	if o.Extensions == nil {
		o.Extensions = make(map[ExtensionKey]any)
	}
	o.Extensions[key] = v
}

// TrustValue returns the numerical trust value behind the object, or 0.
func (o *ShareableObject) TrustValue() int {
	switch {
	case o.Relationship != nil && o.Relationship.TrustLevel != nil:
		return o.Relationship.TrustLevel.NumericalValue
	case o.Level != nil:
		return o.Level.NumericalValue
	case o.Group != nil && o.Group.DefaultTrustLevel != nil:
		return o.Group.DefaultTrustLevel.NumericalValue
	}
	return 0
}

// ToMap serializes the object as a STIX JSON object.
func (o *ShareableObject) ToMap() map[string]any {
	out := copyMap(o.Properties)
	if out == nil {
		out = make(map[string]any)
	}
	out["type"] = o.Type
	out["id"] = o.ID
	if o.SpecVersion != "" {
		out["spec_version"] = o.SpecVersion
	}
	if !o.Created.IsZero() {
		out["created"] = FormatTimestamp(o.Created)
	}
	if !o.Modified.IsZero() {
		out["modified"] = FormatTimestamp(o.Modified)
	}
	for k, v := range o.Extensions {
		out[string(k)] = toGeneric(v)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (o *ShareableObject) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.ToMap())
}

// Component produces a shareable object. Decorators wrap components.
type Component interface {
	Build(ctx context.Context) (*ShareableObject, error)
}

// ComponentFunc adapts a function to Component.
type ComponentFunc func(ctx context.Context) (*ShareableObject, error)

// Build implements Component.
func (f ComponentFunc) Build(ctx context.Context) (*ShareableObject, error) { return f(ctx) }

// Base returns a component that yields a copy of obj on every build.
func Base(obj *ShareableObject) Component {
	return ComponentFunc(func(context.Context) (*ShareableObject, error) {
		return obj.Clone(), nil
	})
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the STIX timestamp form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp accepts STIX and RFC 3339 timestamps.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func toGeneric(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return v
	}
}
