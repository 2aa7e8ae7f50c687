package stix

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// idNamespace seeds deterministic ids for entities whose id is not a UUID.
var idNamespace = uuid.MustParse("7d3c4f0e-9a41-5b8e-a1c2-5f6e0c1d2b3a")

// Factory creates STIX objects from trust entities.
type Factory struct {
	now func() time.Time
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithFactoryClock overrides the clock used for missing timestamps.
func WithFactoryClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// NewFactory creates a factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ObjectID returns the STIX id for an entity of stixType. UUID entity ids are
// reused, anything else is mapped to a name-based UUID.
func ObjectID(stixType, entityID string) string {
	id, err := uuid.Parse(entityID)
	if err != nil {
		id = uuid.NewSHA1(idNamespace, []byte(stixType+":"+entityID))
	}
	return stixType + "--" + id.String()
}

// FromRelationship shapes a trust relationship.
func (f *Factory) FromRelationship(rel *models.TrustRelationship) *ShareableObject {
	trust := map[string]any{
		"source_organization": rel.SourceOrganization,
		"target_organization": rel.TargetOrganization,
		"relationship_type":   string(rel.RelationshipType),
		"status":              string(rel.Status),
		"is_bilateral":        rel.IsBilateral,
		"approved_by_source":  rel.ApprovedBySource,
		"approved_by_target":  rel.ApprovedByTarget,
		"anonymization_level": string(rel.AnonymizationLevel),
		"access_level":        string(rel.AccessLevel),
		"valid_from":          FormatTimestamp(rel.ValidFrom),
	}
	if rel.TrustLevel != nil {
		trust["trust_level"] = levelSummary(rel.TrustLevel)
	}
	if rel.ValidUntil != nil {
		trust["valid_until"] = FormatTimestamp(*rel.ValidUntil)
	}
	if rel.ActivatedAt != nil {
		trust["activated_at"] = FormatTimestamp(*rel.ActivatedAt)
	}

	obj := f.newObject(TypeTrustRelationship, rel.ID, rel.CreatedAt, rel.UpdatedAt)
	obj.Properties["name"] = fmt.Sprintf("%s -> %s", rel.SourceOrganization, rel.TargetOrganization)
	obj.Properties[TrustExtensionProperty] = trust
	if rel.SharingPreferences != nil {
		obj.Properties["sharing_preferences"] = copyMap(rel.SharingPreferences)
	}
	obj.Relationship = rel
	obj.Level = rel.TrustLevel
	return obj
}

// FromGroup shapes a trust group.
func (f *Factory) FromGroup(group *models.TrustGroup) *ShareableObject {
	admins := make([]any, len(group.Administrators))
	for i, a := range group.Administrators {
		admins[i] = a
	}
	trust := map[string]any{
		"group_type":        string(group.GroupType),
		"is_public":         group.IsPublic,
		"requires_approval": group.RequiresApproval,
		"administrators":    admins,
		"is_active":         group.IsActive,
	}
	if group.DefaultTrustLevel != nil {
		trust["trust_level"] = levelSummary(group.DefaultTrustLevel)
	}

	obj := f.newObject(TypeTrustGroup, group.ID, group.CreatedAt, group.UpdatedAt)
	obj.Properties["name"] = group.Name
	if group.Description != "" {
		obj.Properties["description"] = group.Description
	}
	obj.Properties[TrustExtensionProperty] = trust
	obj.Group = group
	obj.Level = group.DefaultTrustLevel
	return obj
}

// FromLevel shapes a trust level.
func (f *Factory) FromLevel(level *models.TrustLevel) *ShareableObject {
	trust := levelSummary(level)
	trust["default_anonymization_level"] = string(level.DefaultAnonymizationLevel)
	trust["default_access_level"] = string(level.DefaultAccessLevel)
	trust["is_system_default"] = level.IsSystemDefault

	obj := f.newObject(TypeTrustLevel, level.ID, level.CreatedAt, level.UpdatedAt)
	obj.Properties["name"] = level.Name
	if level.Description != "" {
		obj.Properties["description"] = level.Description
	}
	obj.Properties[TrustExtensionProperty] = trust
	obj.Level = level
	return obj
}

// FromSTIX wraps an existing STIX object, such as an indicator about to be
// shared, with the relationship it travels over. rel may be nil.
func (f *Factory) FromSTIX(raw map[string]any, rel *models.TrustRelationship) (*ShareableObject, error) {
	props := copyMap(raw)
	typ, _ := props["type"].(string)
	id, _ := props["id"].(string)
	if typ == "" || id == "" {
		return nil, errors.NewValidationError("stix", "object requires type and id")
	}
	obj := &ShareableObject{
		Type:         typ,
		ID:           id,
		Properties:   props,
		Relationship: rel,
		Extensions:   make(map[ExtensionKey]any),
	}
	if rel != nil {
		obj.Level = rel.TrustLevel
	}
	delete(props, "type")
	delete(props, "id")
	if v, ok := props["spec_version"].(string); ok {
		obj.SpecVersion = v
		delete(props, "spec_version")
	}
	for _, field := range []struct {
		name string
		dst  *time.Time
	}{{"created", &obj.Created}, {"modified", &obj.Modified}} {
		s, ok := props[field.name].(string)
		if !ok {
			continue
		}
		t, err := ParseTimestamp(s)
		if err != nil {
			return nil, errors.NewValidationError(field.name, "invalid timestamp")
		}
		*field.dst = t
		delete(props, field.name)
	}
	return obj, nil
}

// Bundle wraps objects in a STIX bundle.
func (f *Factory) Bundle(objs ...*ShareableObject) map[string]any {
	items := make([]any, 0, len(objs))
	for _, o := range objs {
		items = append(items, o.ToMap())
	}
	return map[string]any{
		"type":    TypeBundle,
		"id":      TypeBundle + "--" + uuid.New().String(),
		"objects": items,
	}
}

func (f *Factory) newObject(typ, entityID string, created, modified time.Time) *ShareableObject {
	now := f.now().UTC()
	if created.IsZero() {
		created = now
	}
	if modified.IsZero() || modified.Before(created) {
		modified = created
	}
	return &ShareableObject{
		Type:        typ,
		ID:          ObjectID(typ, entityID),
		SpecVersion: SpecVersion,
		Created:     created,
		Modified:    modified,
		Properties:  make(map[string]any),
		Extensions:  make(map[ExtensionKey]any),
	}
}

func levelSummary(level *models.TrustLevel) map[string]any {
	return map[string]any{
		"name":            level.Name,
		"level":           string(level.Level),
		"numerical_value": level.NumericalValue,
	}
}

// splitID splits a STIX id into its type and UUID parts.
func splitID(id string) (string, string, bool) {
	typ, rest, ok := strings.Cut(id, "--")
	if !ok || typ == "" || rest == "" {
		return "", "", false
	}
	return typ, rest, true
}
