package access

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/opa"
)

// DefaultRegoQuery is evaluated when no query is configured.
const DefaultRegoQuery = "data.crisp.access.decision"

// Builtins available to access policies: comparisons, boolean and set
// operators, arithmetic and a few string helpers. Nothing performs I/O.
var allowedRegoBuiltins = map[string]struct{}{
	"eq":                {},
	"assign":            {},
	"equal":             {},
	"neq":               {},
	"gt":                {},
	"gte":               {},
	"lt":                {},
	"lte":               {},
	"and":               {},
	"or":                {},
	"plus":              {},
	"minus":             {},
	"mul":               {},
	"div":               {},
	"count":             {},
	"internal.member_2": {},
	"internal.member_3": {},
	"startswith":        {},
	"endswith":          {},
	"contains":          {},
	"lower":             {},
	"upper":             {},
	"sprintf":           {},
	"concat":            {},
	"object.get":        {},
}

func restrictedCapabilities() *ast.Capabilities {
	caps := ast.CapabilitiesForThisVersion()
	builtins := make([]*ast.Builtin, 0, len(allowedRegoBuiltins))
	for _, b := range caps.Builtins {
		if _, ok := allowedRegoBuiltins[b.Name]; ok {
			builtins = append(builtins, b)
		}
	}
	caps.Builtins = builtins
	return caps
}

// RegoAccessControl evaluates an embedded Rego module. The query may yield a
// boolean or an object with allow and reason.
type RegoAccessControl struct {
	query rego.PreparedEvalQuery
}

// NewRegoAccessControl compiles module. An empty query uses DefaultRegoQuery.
func NewRegoAccessControl(ctx context.Context, module, query string) (*RegoAccessControl, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("access.rego", module),
		rego.Capabilities(restrictedCapabilities()),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPolicyInvalid, err)
	}
	return &RegoAccessControl{query: prepared}, nil
}

func (*RegoAccessControl) Name() string { return "rego" }

func (s *RegoAccessControl) Evaluate(ctx context.Context, ac *Context) (Decision, error) {
	results, err := s.query.Eval(ctx, rego.EvalInput(policyInput(ac)))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return deny("policy returned no decision"), nil
	}

	var d Decision
	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		d.Allowed = v
	case map[string]any:
		d.Allowed, _ = v["allow"].(bool)
		d.Reason, _ = v["reason"].(string)
	default:
		return deny("policy returned an unexpected result"), nil
	}
	if d.Reason == "" {
		d.Reason = "denied by policy"
		if d.Allowed {
			d.Reason = "allowed by policy"
		}
	}
	if d.Allowed {
		d.AccessLevel = s.AccessLevel(ac)
	} else {
		d.AccessLevel = models.AccessNone
	}
	return d, nil
}

func (s *RegoAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	if level := relationshipAccessLevel(ac); level != models.AccessNone {
		return level
	}
	return models.AccessRead
}

// policyInput is the document the embedded and the remote policy decide on.
func policyInput(ac *Context) opa.Input {
	now := ac.now()
	input := opa.Input{
		RequestingOrg: ac.RequestingOrg,
		TargetOrg:     ac.TargetOrg,
		Action:        ac.Action,
		ResourceType:  ac.ResourceType,
		IPAddress:     ac.IPAddress,
		Actor:         opa.Actor{UserID: ac.Actor.UserID, Role: string(ac.Actor.Role)},
		Time:          opa.NewClock(now),
		SharedGroups:  len(ac.SharedGroups),
		Attributes:    ac.Attributes,
		Trust:         opa.NoTrust,
	}
	if input.Attributes == nil {
		input.Attributes = map[string]any{}
	}
	if rel := ac.effectiveRelationship(); rel != nil {
		input.Trust = opa.Trust{
			Effective:        true,
			Name:             "none",
			Status:           string(rel.EffectiveStatus(now)),
			RelationshipType: string(rel.RelationshipType),
			AccessLevel:      string(rel.AccessLevel),
		}
		if rel.TrustLevel != nil {
			input.Trust.Name = rel.TrustLevel.Name
			input.Trust.Value = rel.TrustLevel.NumericalValue
		}
	} else if stale := ac.staleRelationship(); stale != nil {
		input.Trust.Status = string(stale.EffectiveStatus(now))
	}
	return input
}
