// Package anonymization strips identifying detail from STIX-shaped objects
// before they leave the owning organization.
package anonymization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// Strategy transforms an object. Inputs are never mutated.
type Strategy interface {
	Anonymize(obj map[string]any) (map[string]any, error)
	Level() models.AnonymizationLevel
}

// FieldAction is a per-field custom override.
type FieldAction string

const (
	ActionRemove FieldAction = "remove"
	ActionHash   FieldAction = "hash"
	ActionMask   FieldAction = "mask"
)

// FieldRule applies Action to the field at Path. Nested fields use dotted paths.
type FieldRule struct {
	Path   string      `mapstructure:"path" json:"path"`
	Action FieldAction `mapstructure:"action" json:"action"`
}

// CustomRules configures the custom strategy.
type CustomRules struct {
	// Base is the built-in level applied before the field rules.
	Base   models.AnonymizationLevel `mapstructure:"base" json:"base"`
	Fields []FieldRule               `mapstructure:"fields" json:"fields"`
}

// Validate checks the rule set.
func (r CustomRules) Validate() error {
	switch r.Base {
	case models.AnonymizationMinimal, models.AnonymizationPartial, models.AnonymizationFull:
	case "":
	default:
		return errors.NewValidationError("custom.base", fmt.Sprintf("unsupported base level %q", r.Base))
	}
	for _, f := range r.Fields {
		if f.Path == "" {
			return errors.NewValidationError("custom.fields.path", "is required")
		}
		switch f.Action {
		case ActionRemove, ActionHash, ActionMask:
		default:
			return errors.NewValidationError("custom.fields.action", fmt.Sprintf("unknown action %q", f.Action))
		}
	}
	return nil
}

func (r CustomRules) base() models.AnonymizationLevel {
	if r.Base == "" {
		return models.AnonymizationMinimal
	}
	return r.Base
}

// ForLevel returns the strategy for level.
func ForLevel(level models.AnonymizationLevel, rules CustomRules) (Strategy, error) {
	switch level {
	case models.AnonymizationNone:
		return None{}, nil
	case models.AnonymizationMinimal:
		return Minimal{}, nil
	case models.AnonymizationPartial:
		return Partial{}, nil
	case models.AnonymizationFull:
		return Full{}, nil
	case models.AnonymizationCustom:
		return NewCustom(rules)
	default:
		return nil, errors.NewValidationError("anonymization_level", fmt.Sprintf("unknown level %q", level))
	}
}

// Rank orders levels by strictness. Custom ranks as its base level.
func Rank(level models.AnonymizationLevel, rules CustomRules) int {
	if level == models.AnonymizationCustom {
		return rules.base().Rank()
	}
	return level.Rank()
}

// Stricter returns the more restrictive of a and b. On a tie custom wins,
// since it is at least as strict as its base and may do more.
func Stricter(a, b models.AnonymizationLevel, rules CustomRules) models.AnonymizationLevel {
	ra, rb := Rank(a, rules), Rank(b, rules)
	switch {
	case ra > rb:
		return a
	case rb > ra:
		return b
	case b == models.AnonymizationCustom:
		return b
	default:
		return a
	}
}

// EffectiveLevel resolves the level for a share from the level the sharing
// action requested and the relationship's level. Unknown or missing input
// resolves to full.
func EffectiveLevel(requested, relationship models.AnonymizationLevel, rules CustomRules) models.AnonymizationLevel {
	if requested == "" && relationship == "" {
		return models.AnonymizationFull
	}
	if requested == "" {
		requested = relationship
	}
	if relationship == "" {
		relationship = requested
	}
	if !requested.Valid() || !relationship.Valid() {
		return models.AnonymizationFull
	}
	return Stricter(requested, relationship, rules)
}

// AnonymizeOrganizationID derives a stable pseudonym for id. The result is
// deterministic for (id, salt) and never contains id.
func AnonymizeOrganizationID(id, salt string) string {
	if id == "" {
		return ""
	}
	for attempt := 0; attempt < 64; attempt++ {
		input := salt + ":" + id
		if attempt > 0 {
			input += ":" + strconv.Itoa(attempt)
		}
		sum := sha256.Sum256([]byte(input))
		out := hex.EncodeToString(sum[:])[:16]
		if !strings.Contains(out, id) {
			return out
		}
	}
	// Only reachable for one- or two-character hex ids.
	sum := sha256.Sum256([]byte(salt + ":" + id))
	return strings.ReplaceAll(hex.EncodeToString(sum[:])[:16], id, "x")
}

// SaltProvider supplies the salt for organization pseudonyms.
type SaltProvider interface {
	Salt(ctx context.Context) (string, error)
}

// StaticSalt is a fixed salt.
type StaticSalt string

// Salt implements SaltProvider.
func (s StaticSalt) Salt(context.Context) (string, error) { return string(s), nil }

func shortHash(v string, n int) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])[:n]
}
