package stix_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/witlox/crisp/internal/anonymization"
	"github.com/witlox/crisp/internal/stix"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func mediumLevel() *models.TrustLevel {
	return &models.TrustLevel{
		ID:                        "level-medium",
		Name:                      "Medium Trust",
		Level:                     models.TrustCategoryTrusted,
		NumericalValue:            50,
		DefaultAnonymizationLevel: models.AnonymizationPartial,
		DefaultAccessLevel:        models.AccessSubscribe,
		CreatedAt:                 now.Add(-400 * 24 * time.Hour),
		UpdatedAt:                 now.Add(-400 * 24 * time.Hour),
	}
}

func activeRelationship() *models.TrustRelationship {
	activated := now.Add(-200 * 24 * time.Hour)
	level := mediumLevel()
	return &models.TrustRelationship{
		ID:                 uuid.NewString(),
		SourceOrganization: "org-a",
		TargetOrganization: "org-b",
		RelationshipType:   models.RelationshipTypeBilateral,
		TrustLevelID:       level.ID,
		TrustLevel:         level,
		Status:             models.RelationshipStatusActive,
		IsBilateral:        true,
		IsActive:           true,
		ValidFrom:          activated,
		AnonymizationLevel: models.AnonymizationPartial,
		AccessLevel:        models.AccessRead,
		ApprovedBySource:   true,
		ApprovedByTarget:   true,
		SharingPreferences: map[string]any{"share": "all"},
		ActivatedAt:        &activated,
		CreatedAt:          activated.Add(-time.Hour),
		UpdatedAt:          activated,
	}
}

func indicator() map[string]any {
	return map[string]any{
		"type":                  "indicator",
		"id":                    "indicator--" + uuid.NewString(),
		"spec_version":          "2.1",
		"created":               "2026-02-01T10:00:00.000Z",
		"modified":              "2026-02-01T10:00:00.000Z",
		"pattern":               "[ipv4-addr:value = '203.0.113.45']",
		"pattern_type":          "stix",
		"valid_from":            "2026-02-01T10:00:00Z",
		"created_by_ref":        "identity--" + uuid.NewString(),
		"x_source_organization": "org-a",
	}
}

func TestFactory(t *testing.T) {
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	t.Run("relationship reuses uuid", func(t *testing.T) {
		rel := activeRelationship()
		obj := f.FromRelationship(rel)

		assert.Equal(t, stix.TypeTrustRelationship+"--"+rel.ID, obj.ID)
		m := obj.ToMap()
		assert.Equal(t, stix.TypeTrustRelationship, m["type"])
		assert.Equal(t, "2.1", m["spec_version"])
		assert.Equal(t, stix.FormatTimestamp(rel.CreatedAt), m["created"])

		ext := m[stix.TrustExtensionProperty].(map[string]any)
		assert.Equal(t, "org-a", ext["source_organization"])
		assert.Equal(t, 50, ext["trust_level"].(map[string]any)["numerical_value"])
	})

	t.Run("non uuid ids map deterministically", func(t *testing.T) {
		level := mediumLevel()
		a := f.FromLevel(level)
		b := f.FromLevel(level)
		assert.Equal(t, a.ID, b.ID)
		assert.True(t, strings.HasPrefix(a.ID, stix.TypeTrustLevel+"--"))
		_, err := uuid.Parse(strings.TrimPrefix(a.ID, stix.TypeTrustLevel+"--"))
		assert.NoError(t, err)
	})

	t.Run("group", func(t *testing.T) {
		obj := f.FromGroup(&models.TrustGroup{
			ID:                uuid.NewString(),
			Name:              "FIRST",
			GroupType:         models.GroupTypeCommunity,
			DefaultTrustLevel: mediumLevel(),
			Administrators:    []string{"org-a"},
		})
		assert.Equal(t, "FIRST", obj.Properties["name"])
		assert.Equal(t, 50, obj.TrustValue())
		assert.Equal(t, now, obj.Created)
	})

	t.Run("wraps existing stix", func(t *testing.T) {
		raw := indicator()
		obj, err := f.FromSTIX(raw, activeRelationship())
		require.NoError(t, err)
		assert.Equal(t, "indicator", obj.Type)
		assert.Equal(t, raw["id"], obj.ID)
		assert.Equal(t, 2026, obj.Created.Year())
		assert.NotContains(t, obj.Properties, "id")
		assert.Equal(t, raw, obj.ToMap())
	})

	t.Run("rejects objects without id", func(t *testing.T) {
		_, err := f.FromSTIX(map[string]any{"type": "indicator"}, nil)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("bundle", func(t *testing.T) {
		bundle := f.Bundle(f.FromLevel(mediumLevel()), f.FromRelationship(activeRelationship()))
		assert.Equal(t, "bundle", bundle["type"])
		assert.True(t, strings.HasPrefix(bundle["id"].(string), "bundle--"))
		assert.Len(t, bundle["objects"], 2)
		_, err := json.Marshal(bundle)
		assert.NoError(t, err)
	})
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	t.Run("valid relationship", func(t *testing.T) {
		obj, err := stix.NewObjectBuilder(f.FromRelationship(activeRelationship())).Validate(true).Build(ctx)
		require.NoError(t, err)
		res := obj.Extensions[stix.ExtValidation].(stix.ValidationResult)
		assert.True(t, res.IsValid)
		assert.Empty(t, res.Errors)
	})

	t.Run("strict mode fails closed", func(t *testing.T) {
		obj := f.FromRelationship(activeRelationship())
		obj.ID = "indicator--" + uuid.NewString()
		_, err := stix.NewObjectBuilder(obj).Validate(true).Build(ctx)
		assert.ErrorIs(t, err, errors.ErrValidationFailed)
	})

	t.Run("lenient mode annotates", func(t *testing.T) {
		obj := f.FromRelationship(activeRelationship())
		delete(obj.Properties[stix.TrustExtensionProperty].(map[string]any), "trust_level")
		obj.Properties["valid_from"] = "yesterday"

		out, err := stix.NewObjectBuilder(obj).Validate(false).Build(ctx)
		require.NoError(t, err)
		res := out.Extensions[stix.ExtValidation].(stix.ValidationResult)
		assert.False(t, res.IsValid)
		assert.Contains(t, res.Errors, "missing required field: x_crisp_trust.trust_level")
		assert.Contains(t, res.Errors, "valid_from is not a valid timestamp")
	})

	t.Run("spec versions", func(t *testing.T) {
		obj := f.FromLevel(mediumLevel())
		obj.SpecVersion = "2.0"
		res := stix.Validate(obj)
		assert.True(t, res.IsValid)
		assert.Len(t, res.Warnings, 1)

		obj.SpecVersion = "3.0"
		assert.False(t, stix.Validate(obj).IsValid)

		obj.SpecVersion = "two"
		assert.False(t, stix.Validate(obj).IsValid)
	})

	t.Run("indicator needs a pattern", func(t *testing.T) {
		raw := indicator()
		delete(raw, "pattern")
		obj, err := f.FromSTIX(raw, nil)
		require.NoError(t, err)
		assert.Contains(t, stix.Validate(obj).Errors, "missing required field: pattern")
	})
}

func TestAnonymizationDecorator(t *testing.T) {
	ctx := context.Background()
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	t.Run("defaults to the relationship level", func(t *testing.T) {
		raw := indicator()
		obj, err := f.FromSTIX(raw, activeRelationship())
		require.NoError(t, err)

		out, err := stix.NewObjectBuilder(obj, stix.WithClock(clock)).Anonymize(nil).Build(ctx)
		require.NoError(t, err)
		assert.Equal(t, "[ipv4-addr:value = '203.0.xxx.xxx']", out.Properties["pattern"])
		assert.NotContains(t, out.Properties, "x_source_organization")
		assert.NotEqual(t, raw["created_by_ref"], out.Properties["created_by_ref"])

		info := out.Extensions[stix.ExtAnonymization].(stix.AnonymizationInfo)
		assert.Equal(t, models.AnonymizationPartial, info.Level)
		assert.Len(t, info.OriginalIDHash, 16)
	})

	t.Run("no trust context means full", func(t *testing.T) {
		obj, err := f.FromSTIX(indicator(), nil)
		require.NoError(t, err)
		out, err := stix.NewObjectBuilder(obj).Anonymize(nil).Build(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.AnonymizationFull, out.Extensions[stix.ExtAnonymization].(stix.AnonymizationInfo).Level)
		assert.NotContains(t, out.Properties, "created_by_ref")
	})

	t.Run("salt pseudonymizes organizations", func(t *testing.T) {
		obj := f.FromRelationship(activeRelationship())
		out, err := stix.NewObjectBuilder(obj, stix.WithOrganizationSalt("pepper")).
			Anonymize(anonymization.Minimal{}).
			Build(ctx)
		require.NoError(t, err)
		ext := out.Properties[stix.TrustExtensionProperty].(map[string]any)
		assert.Equal(t, anonymization.AnonymizeOrganizationID("org-a", "pepper"), ext["source_organization"])
		assert.Equal(t, anonymization.AnonymizeOrganizationID("org-b", "pepper"), ext["target_organization"])
	})

	t.Run("base object is untouched", func(t *testing.T) {
		obj := f.FromRelationship(activeRelationship())
		_, err := stix.NewObjectBuilder(obj).Anonymize(anonymization.Full{}).Build(ctx)
		require.NoError(t, err)
		assert.Contains(t, obj.Properties, stix.TrustExtensionProperty)
	})
}

func TestEnrichment(t *testing.T) {
	ctx := context.Background()
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	out, err := stix.NewObjectBuilder(f.FromRelationship(activeRelationship()), stix.WithClock(clock)).Enrich().Build(ctx)
	require.NoError(t, err)

	info := out.Extensions[stix.ExtEnrichment].(stix.EnrichmentInfo)
	assert.Equal(t, 85, info.Confidence)
	assert.Equal(t, "medium", info.ThreatLevel)
	assert.Equal(t, "established", info.TrustStability)
	assert.Equal(t, 200, info.RelationshipAgeDays)
	assert.Greater(t, info.TrustScore, 50.0)
	assert.NotContains(t, out.Properties, "confidence", "enrichment stays inside its extension")
}

func TestConfidence(t *testing.T) {
	pending := activeRelationship()
	pending.ApprovedByTarget = false

	assert.Equal(t, 50, stix.Confidence(0, nil))
	assert.Equal(t, 80, stix.Confidence(100, nil))
	assert.Equal(t, 65, stix.Confidence(50, pending))
	assert.Equal(t, 100, stix.Confidence(100, activeRelationship()))
	assert.Equal(t, 100, stix.Confidence(250, activeRelationship()))
}

func TestTrustMappings(t *testing.T) {
	tests := []struct {
		value  int
		tlp    stix.TLP
		threat string
	}{
		{100, stix.TLPWhite, "high"},
		{75, stix.TLPGreen, "high"},
		{50, stix.TLPGreen, "medium"},
		{20, stix.TLPAmber, "low"},
		{0, stix.TLPRed, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.tlp, stix.TLPForTrustValue(tt.value), "value %d", tt.value)
		assert.Equal(t, tt.threat, stix.ThreatLevelForTrustValue(tt.value), "value %d", tt.value)
	}
	assert.Equal(t, "new", stix.Stability(3))
	assert.Equal(t, "maturing", stix.Stability(30))
	assert.Equal(t, "established", stix.Stability(180))
}

func TestTAXIIExport(t *testing.T) {
	ctx := context.Background()
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	t.Run("marks and filters", func(t *testing.T) {
		obj := f.FromRelationship(activeRelationship())
		obj.Properties["object_marking_refs"] = []any{stix.TLPRed.MarkingDefinition(), "marking-definition--custom"}
		obj.Properties["_cache_key"] = "x"

		out, err := stix.NewObjectBuilder(obj, stix.WithClock(clock)).PrepareForTAXII().Build(ctx)
		require.NoError(t, err)
		assert.NotContains(t, out.Properties, "sharing_preferences")
		assert.NotContains(t, out.Properties, "_cache_key")
		assert.Equal(t,
			[]any{"marking-definition--custom", stix.TLPGreen.MarkingDefinition()},
			out.Properties["object_marking_refs"],
		)
		info := out.Extensions[stix.ExtTAXII].(stix.TAXIIInfo)
		assert.Equal(t, stix.TLPGreen, info.TLP)
		assert.True(t, info.Compliant)
	})

	t.Run("no trust is red", func(t *testing.T) {
		obj, err := f.FromSTIX(indicator(), nil)
		require.NoError(t, err)
		out, err := stix.NewObjectBuilder(obj).PrepareForTAXII().Build(ctx)
		require.NoError(t, err)
		assert.Equal(t, []any{stix.TLPRed.MarkingDefinition()}, out.Properties["object_marking_refs"])
	})

	t.Run("old spec version is not compliant", func(t *testing.T) {
		obj := f.FromLevel(mediumLevel())
		obj.SpecVersion = "2.0"
		_, err := stix.NewObjectBuilder(obj).PrepareForTAXII().Build(ctx)
		assert.ErrorIs(t, err, errors.ErrTAXIICompliance)
	})
}

func TestBuilderChain(t *testing.T) {
	ctx := context.Background()
	f := stix.NewFactory(stix.WithFactoryClock(clock))

	base := stix.NewObjectBuilder(f.FromRelationship(activeRelationship()), stix.WithClock(clock)).Validate(true)
	full, err := base.Anonymize(nil).Enrich().PrepareForTAXII().Build(ctx)
	require.NoError(t, err)

	m := full.ToMap()
	for _, key := range []stix.ExtensionKey{stix.ExtValidation, stix.ExtAnonymization, stix.ExtEnrichment, stix.ExtTAXII} {
		assert.Contains(t, m, string(key))
	}

	// The shorter chain is unaffected by the longer one built from it.
	validated, err := base.Build(ctx)
	require.NoError(t, err)
	assert.Len(t, validated.Extensions, 1)

	data, err := json.Marshal(full)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"x_crisp_taxii"`)
}
