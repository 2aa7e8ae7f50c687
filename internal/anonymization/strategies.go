package anonymization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/witlox/crisp/pkg/models"
)

// attributionFields name the creator or attribution of an object.
var attributionFields = []string{
	"attributed_to",
	"x_attribution",
	"x_source_organization",
	"x_author",
	"contact_information",
}

const maskedValue = "xxx"

// None leaves objects unchanged.
type None struct{}

func (None) Level() models.AnonymizationLevel { return models.AnonymizationNone }

func (None) Anonymize(obj map[string]any) (map[string]any, error) {
	return deepCopyMap(obj), nil
}

// Minimal pseudonymizes identity references and strips attribution fields.
type Minimal struct{}

func (Minimal) Level() models.AnonymizationLevel { return models.AnonymizationMinimal }

func (Minimal) Anonymize(obj map[string]any) (map[string]any, error) {
	out := deepCopyMap(obj)
	minimal(out)
	return out, nil
}

func minimal(obj map[string]any) {
	for _, f := range attributionFields {
		delete(obj, f)
	}
	for key, v := range obj {
		switch val := v.(type) {
		case string:
			if isRefField(key) && strings.HasPrefix(val, "identity--") {
				obj[key] = pseudonymIdentity(val)
			}
		case []any:
			if strings.HasSuffix(key, "_refs") {
				for i, item := range val {
					if s, ok := item.(string); ok && strings.HasPrefix(s, "identity--") {
						val[i] = pseudonymIdentity(s)
					}
				}
			} else {
				for _, item := range val {
					if m, ok := item.(map[string]any); ok {
						minimal(m)
					}
				}
			}
		case map[string]any:
			minimal(val)
		}
	}
}

func pseudonymIdentity(ref string) string {
	return "identity--" + shortHash(ref, 8)
}

func isRefField(key string) bool {
	return strings.HasSuffix(key, "_ref")
}

// Partial applies Minimal and masks network indicators inside patterns and
// observable values.
type Partial struct{}

func (Partial) Level() models.AnonymizationLevel { return models.AnonymizationPartial }

func (Partial) Anonymize(obj map[string]any) (map[string]any, error) {
	out := deepCopyMap(obj)
	minimal(out)
	partial(out)
	return out, nil
}

func partial(obj map[string]any) {
	for key, v := range obj {
		switch val := v.(type) {
		case string:
			switch key {
			case "pattern":
				obj[key] = maskPatternLiterals(val)
			case "value":
				obj[key] = maskIndicators(val)
			}
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					partial(m)
				}
			}
		case map[string]any:
			partial(val)
		}
	}
}

// Full applies Partial and removes references, custom properties and
// identity fields. Marking references are kept.
type Full struct{}

func (Full) Level() models.AnonymizationLevel { return models.AnonymizationFull }

func (Full) Anonymize(obj map[string]any) (map[string]any, error) {
	out := deepCopyMap(obj)
	minimal(out)
	partial(out)
	full(out)
	return out, nil
}

func full(obj map[string]any) {
	for key, v := range obj {
		if dropInFull(key) {
			delete(obj, key)
			continue
		}
		switch val := v.(type) {
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					full(m)
				}
			}
		case map[string]any:
			full(val)
		}
	}
}

func dropInFull(key string) bool {
	switch {
	case key == "object_marking_refs":
		return false
	case key == "external_references", key == "identity_class", key == "sectors":
		return true
	case strings.HasPrefix(key, "x_"):
		return true
	case strings.HasSuffix(key, "_ref"), strings.HasSuffix(key, "_refs"):
		return true
	}
	return false
}

// Custom applies a base level then per-field overrides.
type Custom struct {
	base  Strategy
	rules []FieldRule
}

// NewCustom builds a custom strategy from rules.
func NewCustom(rules CustomRules) (*Custom, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	base, err := ForLevel(rules.base(), CustomRules{})
	if err != nil {
		return nil, err
	}
	fields := append([]FieldRule(nil), rules.Fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Path < fields[j].Path })
	return &Custom{base: base, rules: fields}, nil
}

func (c *Custom) Level() models.AnonymizationLevel { return models.AnonymizationCustom }

// BaseLevel returns the level applied before the field rules.
func (c *Custom) BaseLevel() models.AnonymizationLevel { return c.base.Level() }

func (c *Custom) Anonymize(obj map[string]any) (map[string]any, error) {
	out, err := c.base.Anonymize(obj)
	if err != nil {
		return nil, err
	}
	for _, rule := range c.rules {
		applyRule(out, strings.Split(rule.Path, "."), rule.Action)
	}
	return out, nil
}

func applyRule(obj map[string]any, path []string, action FieldAction) {
	key := path[0]
	v, ok := obj[key]
	if !ok {
		return
	}
	if len(path) > 1 {
		switch val := v.(type) {
		case map[string]any:
			applyRule(val, path[1:], action)
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					applyRule(m, path[1:], action)
				}
			}
		}
		return
	}
	switch action {
	case ActionRemove:
		delete(obj, key)
	case ActionHash:
		obj[key] = shortHash(fmt.Sprint(v), 16)
	case ActionMask:
		obj[key] = maskedValue
	}
}

func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
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

var (
	_ Strategy = None{}
	_ Strategy = Minimal{}
	_ Strategy = Partial{}
	_ Strategy = Full{}
	_ Strategy = (*Custom)(nil)
)
