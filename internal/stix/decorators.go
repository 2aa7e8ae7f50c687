package stix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/anonymization"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

var supportedSpecVersions = version.MustConstraints(version.NewConstraint(">= 2.0, < 3.0"))

// Properties that must parse as timestamps when present.
var timestampProperties = []string{
	"valid_from", "valid_until", "first_seen", "last_seen",
	"first_observed", "last_observed", "published",
}

// Required sub-fields of the trust extension per object type.
var requiredTrustFields = map[string][]string{
	TypeTrustRelationship: {"source_organization", "target_organization", "status", "trust_level"},
	TypeTrustGroup:        {"group_type", "administrators"},
	TypeTrustLevel:        {"name", "numerical_value"},
}

// ValidationDecorator checks an object for STIX conformance.
type ValidationDecorator struct {
	inner  Component
	strict bool
	logger *zap.Logger
}

// NewValidationDecorator wraps inner. In strict mode an invalid object fails
// the build; otherwise the result is only annotated.
func NewValidationDecorator(inner Component, strict bool, logger *zap.Logger) *ValidationDecorator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ValidationDecorator{inner: inner, strict: strict, logger: logger}
}

// Build implements Component.
func (d *ValidationDecorator) Build(ctx context.Context) (*ShareableObject, error) {
	obj, err := d.inner.Build(ctx)
	if err != nil {
		return nil, err
	}
	result := Validate(obj)
	if !result.IsValid {
		if d.strict {
			return nil, fmt.Errorf("%w: %s", errors.ErrValidationFailed, strings.Join(result.Errors, "; "))
		}
		d.logger.Warn("stix object failed validation",
			zap.String("id", obj.ID),
			zap.Strings("errors", result.Errors),
		)
	}
	obj.SetExtension(ExtValidation, result)
	return obj, nil
}

// Validate checks obj and reports every problem found.
func Validate(obj *ShareableObject) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}
	fail := func(format string, args ...any) { res.Errors = append(res.Errors, fmt.Sprintf(format, args...)) }
	warn := func(format string, args ...any) { res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...)) }

	if obj.Type == "" {
		fail("missing required field: type")
	}
	if obj.ID == "" {
		fail("missing required field: id")
	} else if err := checkID(obj.Type, obj.ID); err != "" {
		fail("%s", err)
	}

	if obj.SpecVersion == "" {
		fail("missing required field: spec_version")
	} else if v, err := version.NewVersion(obj.SpecVersion); err != nil {
		fail("invalid spec_version %q", obj.SpecVersion)
	} else if !supportedSpecVersions.Check(v) {
		fail("unsupported spec_version %q", obj.SpecVersion)
	} else if obj.SpecVersion != SpecVersion {
		warn("spec_version %s is older than %s", obj.SpecVersion, SpecVersion)
	}

	if obj.Created.IsZero() {
		fail("missing required field: created")
	}
	if obj.Modified.IsZero() {
		fail("missing required field: modified")
	}
	if !obj.Created.IsZero() && !obj.Modified.IsZero() && obj.Modified.Before(obj.Created) {
		fail("modified precedes created")
	}
	for _, name := range timestampProperties {
		raw, ok := obj.Properties[name]
		if !ok {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			fail("%s is not a timestamp", name)
			continue
		}
		if _, err := ParseTimestamp(s); err != nil {
			fail("%s is not a valid timestamp", name)
		}
	}

	if required, ok := requiredTrustFields[obj.Type]; ok {
		ext, isMap := obj.Properties[TrustExtensionProperty].(map[string]any)
		if !isMap {
			fail("missing required field: %s", TrustExtensionProperty)
		} else {
			for _, field := range required {
				if _, present := ext[field]; !present {
					fail("missing required field: %s.%s", TrustExtensionProperty, field)
				}
			}
		}
	}

	if obj.Type == "indicator" {
		if _, ok := obj.Properties["pattern"]; !ok {
			fail("missing required field: pattern")
		}
		if _, ok := obj.Properties["pattern_type"]; !ok {
			warn("pattern_type not set")
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

func checkID(typ, id string) string {
	idType, rest, ok := splitID(id)
	if !ok {
		return fmt.Sprintf("id %q is not of the form <type>--<uuid>", id)
	}
	if idType != typ {
		return fmt.Sprintf("id type %q does not match object type %q", idType, typ)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return fmt.Sprintf("id %q does not carry a valid uuid", id)
	}
	return ""
}

// AnonymizationDecorator strips or masks identifying content.
type AnonymizationDecorator struct {
	inner    Component
	strategy anonymization.Strategy
	salt     string
	now      func() time.Time
	logger   *zap.Logger
}

// NewAnonymizationDecorator wraps inner. A nil strategy selects one from the
// object's trust context, falling back to full anonymization. A non-empty
// salt also pseudonymizes organization ids in the trust extension.
func NewAnonymizationDecorator(inner Component, strategy anonymization.Strategy, salt string, logger *zap.Logger) *AnonymizationDecorator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnonymizationDecorator{inner: inner, strategy: strategy, salt: salt, now: time.Now, logger: logger}
}

// Build implements Component.
func (d *AnonymizationDecorator) Build(ctx context.Context) (*ShareableObject, error) {
	obj, err := d.inner.Build(ctx)
	if err != nil {
		return nil, err
	}
	strategy := d.strategy
	if strategy == nil {
		strategy = defaultStrategy(obj)
	}

	if d.salt != "" && strategy.Level() != models.AnonymizationNone {
		pseudonymizeOrganizations(obj.Properties, d.salt)
	}

	props, err := strategy.Anonymize(obj.Properties)
	if err != nil {
		d.logger.Warn("anonymization failed, applying full anonymization",
			zap.String("id", obj.ID),
			zap.String("level", string(strategy.Level())),
			zap.Error(err),
		)
		strategy = anonymization.Full{}
		if props, err = strategy.Anonymize(obj.Properties); err != nil {
			return nil, err
		}
	}
	obj.Properties = props

	sum := sha256.Sum256([]byte(obj.ID))
	obj.SetExtension(ExtAnonymization, AnonymizationInfo{
		Level:          strategy.Level(),
		OriginalIDHash: hex.EncodeToString(sum[:])[:16],
		AnonymizedAt:   FormatTimestamp(d.now()),
	})
	return obj, nil
}

func defaultStrategy(obj *ShareableObject) anonymization.Strategy {
	var level models.AnonymizationLevel
	switch {
	case obj.Relationship != nil:
		level = obj.Relationship.AnonymizationLevel
	case obj.Level != nil:
		level = obj.Level.DefaultAnonymizationLevel
	}
	level = anonymization.EffectiveLevel("", level, anonymization.CustomRules{})
	strategy, err := anonymization.ForLevel(level, anonymization.CustomRules{})
	if err != nil {
		return anonymization.Full{}
	}
	return strategy
}

func pseudonymizeOrganizations(props map[string]any, salt string) {
	ext, ok := props[TrustExtensionProperty].(map[string]any)
	if !ok {
		return
	}
	for _, key := range []string{"source_organization", "target_organization"} {
		if id, ok := ext[key].(string); ok {
			ext[key] = anonymization.AnonymizeOrganizationID(id, salt)
		}
	}
	if admins, ok := ext["administrators"].([]any); ok {
		for i, a := range admins {
			if id, ok := a.(string); ok {
				admins[i] = anonymization.AnonymizeOrganizationID(id, salt)
			}
		}
	}
}

// EnrichmentDecorator adds derived trust metrics.
type EnrichmentDecorator struct {
	inner Component
	now   func() time.Time
}

// NewEnrichmentDecorator wraps inner. A nil now uses time.Now.
func NewEnrichmentDecorator(inner Component, now func() time.Time) *EnrichmentDecorator {
	if now == nil {
		now = time.Now
	}
	return &EnrichmentDecorator{inner: inner, now: now}
}

// Build implements Component.
func (d *EnrichmentDecorator) Build(ctx context.Context) (*ShareableObject, error) {
	obj, err := d.inner.Build(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	value := obj.TrustValue()
	info := EnrichmentInfo{
		Confidence:     Confidence(value, obj.Relationship),
		ThreatLevel:    ThreatLevelForTrustValue(value),
		TrustStability: "unknown",
		TrustScore:     float64(value),
		EnrichedAt:     FormatTimestamp(now),
	}
	if rel := obj.Relationship; rel != nil {
		info.RelationshipAgeDays = relationshipAgeDays(rel, now)
		info.TrustStability = Stability(info.RelationshipAgeDays)
		info.TrustScore = trust.CalculateTrustScore(float64(value), info.RelationshipAgeDays, activityFactor(rel), trust.MaxTrustScore)
	}
	obj.SetExtension(ExtEnrichment, info)
	return obj, nil
}

func activityFactor(rel *models.TrustRelationship) float64 {
	switch v := rel.Metadata["activity_factor"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Properties never exported over TAXII.
var internalProperties = map[string]bool{
	"sharing_preferences": true,
	"notes":               true,
	"x_crisp_internal":    true,
}

// TAXIIExportDecorator prepares an object for a TAXII collection.
type TAXIIExportDecorator struct {
	inner Component
	now   func() time.Time
}

// NewTAXIIExportDecorator wraps inner. A nil now uses time.Now.
func NewTAXIIExportDecorator(inner Component, now func() time.Time) *TAXIIExportDecorator {
	if now == nil {
		now = time.Now
	}
	return &TAXIIExportDecorator{inner: inner, now: now}
}

// Build implements Component. A non-compliant object fails the build.
func (d *TAXIIExportDecorator) Build(ctx context.Context) (*ShareableObject, error) {
	obj, err := d.inner.Build(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	if obj.SpecVersion == "" {
		obj.SpecVersion = SpecVersion
	}
	if obj.Created.IsZero() {
		obj.Created = now
	}
	if obj.Modified.IsZero() {
		obj.Modified = obj.Created
	}

	for key := range obj.Properties {
		if internalProperties[key] || strings.HasPrefix(key, "_") {
			delete(obj.Properties, key)
		}
	}

	tlp := TLPForTrustValue(obj.TrustValue())
	obj.Properties["object_marking_refs"] = withMarking(obj.Properties["object_marking_refs"], tlp.MarkingDefinition())

	if problems := taxiiProblems(obj); len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrTAXIICompliance, strings.Join(problems, "; "))
	}
	obj.SetExtension(ExtTAXII, TAXIIInfo{
		TLP:               tlp,
		MarkingDefinition: tlp.MarkingDefinition(),
		Compliant:         true,
		PreparedAt:        FormatTimestamp(now),
	})
	return obj, nil
}

// withMarking returns existing refs with TLP markings replaced by marking.
func withMarking(existing any, marking string) []any {
	tlpIDs := make(map[string]bool, len(tlpMarkings))
	for _, id := range tlpMarkings {
		tlpIDs[id] = true
	}
	var out []any
	appendRef := func(ref string) {
		if !tlpIDs[ref] {
			out = append(out, ref)
		}
	}
	switch refs := existing.(type) {
	case []any:
		for _, r := range refs {
			if s, ok := r.(string); ok {
				appendRef(s)
			}
		}
	case []string:
		for _, r := range refs {
			appendRef(r)
		}
	}
	return append(out, marking)
}

func taxiiProblems(obj *ShareableObject) []string {
	var problems []string
	if obj.Type == "" {
		problems = append(problems, "missing type")
	}
	if msg := checkID(obj.Type, obj.ID); msg != "" {
		problems = append(problems, msg)
	}
	if obj.SpecVersion != SpecVersion {
		problems = append(problems, fmt.Sprintf("spec_version must be %s", SpecVersion))
	}
	if obj.Modified.Before(obj.Created) {
		problems = append(problems, "modified precedes created")
	}
	return problems
}
