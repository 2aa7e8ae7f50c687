package access

import (
	"context"
	"fmt"
	"time"

	"github.com/witlox/crisp/pkg/models"
	"github.com/witlox/crisp/pkg/opa"
)

// DefaultOPAPath is the decision document queried on a remote OPA server.
const DefaultOPAPath = "crisp/access/decision"

// OPAConfig points the opa strategy at an OPA server. An empty Address
// disables it.
type OPAConfig struct {
	Address string        `mapstructure:"address" json:"address"`
	Path    string        `mapstructure:"path" json:"path"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Decider evaluates a decision document. *opa.Client implements it.
type Decider interface {
	Decide(ctx context.Context, path string, input opa.Input) (opa.Decision, error)
}

// RemoteOPAAccessControl asks an OPA server for the decision, sending the
// same input document as RegoAccessControl. A policy may narrow the granted
// access level but never widen it past the relationship's. Transport
// failures are errors, so the chain treats them as non-matches.
type RemoteOPAAccessControl struct {
	decider Decider
	path    string
}

// NewRemoteOPAAccessControl creates the strategy. An empty path uses DefaultOPAPath.
func NewRemoteOPAAccessControl(decider Decider, path string) *RemoteOPAAccessControl {
	if path == "" {
		path = DefaultOPAPath
	}
	return &RemoteOPAAccessControl{decider: decider, path: path}
}

func (*RemoteOPAAccessControl) Name() string { return "opa" }

func (s *RemoteOPAAccessControl) Evaluate(ctx context.Context, ac *Context) (Decision, error) {
	res, err := s.decider.Decide(ctx, s.path, policyInput(ac))
	if err != nil {
		return Decision{}, fmt.Errorf("remote policy: %w", err)
	}
	if !res.Defined {
		return deny("policy returned no decision"), nil
	}
	d := Decision{Allowed: res.Allow, Reason: res.Reason, AccessLevel: models.AccessNone}
	if d.Allowed {
		d.AccessLevel = s.AccessLevel(ac)
		if level := models.AccessLevel(res.AccessLevel); level.Valid() && level != models.AccessNone && level.Rank() < d.AccessLevel.Rank() {
			d.AccessLevel = level
		}
		if d.Reason == "" {
			d.Reason = "allowed by policy"
		}
	} else if d.Reason == "" {
		d.Reason = "denied by policy"
	}
	return d, nil
}

func (s *RemoteOPAAccessControl) AccessLevel(ac *Context) models.AccessLevel {
	if level := relationshipAccessLevel(ac); level != models.AccessNone {
		return level
	}
	return models.AccessRead
}
