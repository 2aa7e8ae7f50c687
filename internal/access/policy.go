package access

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// Effect is the outcome a policy rule selects.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

func (e Effect) valid() bool { return e == EffectAllow || e == EffectDeny }

// Operator is a comparison operator in a rule condition.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpIn     Operator = "in"
	OpExists Operator = "exists"
)

// Condition is the configuration form of a predicate. Exactly one of the
// comparison (Field with Op), All, Any or Not must be set.
type Condition struct {
	Field string      `mapstructure:"field" json:"field,omitempty"`
	Op    Operator    `mapstructure:"op" json:"op,omitempty"`
	Value any         `mapstructure:"value" json:"value,omitempty"`
	All   []Condition `mapstructure:"all" json:"all,omitempty"`
	Any   []Condition `mapstructure:"any" json:"any,omitempty"`
	Not   *Condition  `mapstructure:"not" json:"not,omitempty"`
}

// PolicyRule is one prioritized rule.
type PolicyRule struct {
	Name      string    `mapstructure:"name" json:"name"`
	Condition Condition `mapstructure:"condition" json:"condition"`
	Effect    Effect    `mapstructure:"effect" json:"effect"`
	// Priority orders rules; higher runs first, ties keep configuration order.
	Priority int `mapstructure:"priority" json:"priority"`
}

// PolicyConfig configures PolicyBasedAccessControl.
type PolicyConfig struct {
	Rules         []PolicyRule `mapstructure:"rules" json:"rules"`
	DefaultEffect Effect       `mapstructure:"default_effect" json:"default_effect"`
}

// predicate is a compiled condition evaluated against flattened facts.
type predicate interface {
	eval(facts map[string]any) (bool, error)
}

type comparison struct {
	field string
	op    Operator
	value any
}

type allOf []predicate
type anyOf []predicate
type not struct{ inner predicate }

// compile validates c and turns it into a predicate.
func compile(c Condition) (predicate, error) {
	set := 0
	if c.Field != "" || c.Op != "" {
		set++
	}
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if c.Not != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: condition must set exactly one of field, all, any, not", errors.ErrPolicyInvalid)
	}

	switch {
	case len(c.All) > 0:
		out := make(allOf, 0, len(c.All))
		for _, sub := range c.All {
			p, err := compile(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case len(c.Any) > 0:
		out := make(anyOf, 0, len(c.Any))
		for _, sub := range c.Any {
			p, err := compile(sub)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case c.Not != nil:
		p, err := compile(*c.Not)
		if err != nil {
			return nil, err
		}
		return not{inner: p}, nil
	}

	if c.Field == "" {
		return nil, fmt.Errorf("%w: comparison without field", errors.ErrPolicyInvalid)
	}
	switch c.Op {
	case OpEq, OpNe, OpExists:
	case OpLt, OpLte, OpGt, OpGte:
		if _, ok := toFloat(c.Value); !ok {
			return nil, fmt.Errorf("%w: %s on %s needs a numeric value", errors.ErrPolicyInvalid, c.Op, c.Field)
		}
	case OpIn:
		if _, ok := toList(c.Value); !ok {
			return nil, fmt.Errorf("%w: in on %s needs a list value", errors.ErrPolicyInvalid, c.Field)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", errors.ErrPolicyInvalid, c.Op)
	}
	return comparison{field: c.Field, op: c.Op, value: c.Value}, nil
}

func (c comparison) eval(facts map[string]any) (bool, error) {
	actual, present := facts[c.field]
	if c.op == OpExists {
		want := true
		if b, ok := c.value.(bool); ok {
			want = b
		}
		return present == want, nil
	}
	if !present {
		return false, nil
	}

	switch c.op {
	case OpEq:
		return equal(actual, c.value), nil
	case OpNe:
		return !equal(actual, c.value), nil
	case OpIn:
		list, _ := toList(c.value)
		for _, item := range list {
			if equal(actual, item) {
				return true, nil
			}
		}
		return false, nil
	}

	a, ok := toFloat(actual)
	if !ok {
		return false, fmt.Errorf("field %s is not numeric", c.field)
	}
	b, _ := toFloat(c.value)
	switch c.op {
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	case OpGt:
		return a > b, nil
	default:
		return a >= b, nil
	}
}

func (p allOf) eval(facts map[string]any) (bool, error) {
	for _, sub := range p {
		ok, err := sub.eval(facts)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p anyOf) eval(facts map[string]any) (bool, error) {
	for _, sub := range p {
		ok, err := sub.eval(facts)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (p not) eval(facts map[string]any) (bool, error) {
	ok, err := p.inner.eval(facts)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

type compiledRule struct {
	PolicyRule
	pred predicate
}

// PolicyBasedAccessControl evaluates prioritized rules. The first matching
// rule decides. Administrators are allowed unless a deny rule matches.
// Rules that fail to evaluate are logged and skipped.
type PolicyBasedAccessControl struct {
	rules         []compiledRule
	defaultEffect Effect
	logger        *zap.Logger
}

// NewPolicyBasedAccessControl compiles cfg. The default effect is deny.
func NewPolicyBasedAccessControl(cfg PolicyConfig, logger *zap.Logger) (*PolicyBasedAccessControl, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := cfg.DefaultEffect
	if def == "" {
		def = EffectDeny
	}
	if !def.valid() {
		return nil, fmt.Errorf("%w: unknown default effect %q", errors.ErrPolicyInvalid, def)
	}

	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if !r.Effect.valid() {
			return nil, fmt.Errorf("%w: rule %d has unknown effect %q", errors.ErrPolicyInvalid, i, r.Effect)
		}
		pred, err := compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule-%d", i)
		}
		rules = append(rules, compiledRule{PolicyRule: r, pred: pred})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	return &PolicyBasedAccessControl{rules: rules, defaultEffect: def, logger: logger}, nil
}

func (*PolicyBasedAccessControl) Name() string { return "policy_based" }

func (s *PolicyBasedAccessControl) Evaluate(_ context.Context, ac *Context) (Decision, error) {
	facts := ac.Facts()
	admin := ac.Actor.IsAdmin()

	for _, r := range s.rules {
		if admin && r.Effect != EffectDeny {
			continue
		}
		matched, err := r.pred.eval(facts)
		if err != nil {
			s.logger.Warn("policy rule evaluation failed",
				zap.String("rule", r.Name),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}
		if r.Effect == EffectDeny {
			return deny(fmt.Sprintf("denied by policy rule %s", r.Name)), nil
		}
		d := allow(fmt.Sprintf("allowed by policy rule %s", r.Name))
		d.AccessLevel = s.grantLevel(ac)
		return d, nil
	}

	if admin {
		d := allow("administrator role")
		d.AccessLevel = s.grantLevel(ac)
		return d, nil
	}
	if s.defaultEffect == EffectAllow {
		d := allow("no policy rule matched, default allow")
		d.AccessLevel = s.grantLevel(ac)
		return d, nil
	}
	return deny("no policy rule matched, default deny"), nil
}

func (s *PolicyBasedAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	d, _ := s.Evaluate(context.Background(), ac)
	if !d.Allowed {
		return models.AccessNone
	}
	return d.AccessLevel
}

func (s *PolicyBasedAccessControl) grantLevel(ac *Context) models.AccessLevel {
	if level := relationshipAccessLevel(ac); level != models.AccessNone {
		return level
	}
	return models.AccessRead
}
