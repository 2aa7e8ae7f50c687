package access

import (
	"fmt"
	"sort"

	"github.com/witlox/crisp/pkg/models"
)

// Capability is a platform permission.
type Capability string

const (
	CapViewIntelligence         Capability = "view_intelligence"
	CapViewTrustRelationships   Capability = "view_trust_relationships"
	CapPublishIntelligence      Capability = "publish_intelligence"
	CapShareIntelligence        Capability = "share_intelligence"
	CapExportIntelligence       Capability = "export_intelligence"
	CapManageTrustRelationships Capability = "manage_trust_relationships"
	CapManageTrustGroups        Capability = "manage_trust_groups"
	CapManageTrustLevels        Capability = "manage_trust_levels"
	CapManageUsers              Capability = "manage_users"
	CapViewAuditLogs            Capability = "view_audit_logs"
)

// RoleTable maps roles to their full capability sets. Inherited
// capabilities are resolved once, when the table is built.
type RoleTable struct {
	caps map[models.Role]map[Capability]struct{}
}

// RoleSpec declares a role's own capabilities and the roles it inherits.
type RoleSpec struct {
	Capabilities []Capability
	Inherits     []models.Role
}

// NewRoleTable resolves specs into a table. Inheritance cycles and
// references to undeclared roles are errors.
func NewRoleTable(specs map[models.Role]RoleSpec) (*RoleTable, error) {
	t := &RoleTable{caps: make(map[models.Role]map[Capability]struct{}, len(specs))}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[models.Role]int, len(specs))

	var resolve func(role models.Role) error
	resolve = func(role models.Role) error {
		switch state[role] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("role inheritance cycle at %q", role)
		}
		spec, ok := specs[role]
		if !ok {
			return fmt.Errorf("unknown role %q", role)
		}
		state[role] = visiting
		set := make(map[Capability]struct{})
		for _, parent := range spec.Inherits {
			if err := resolve(parent); err != nil {
				return err
			}
			for c := range t.caps[parent] {
				set[c] = struct{}{}
			}
		}
		for _, c := range spec.Capabilities {
			set[c] = struct{}{}
		}
		t.caps[role] = set
		state[role] = done
		return nil
	}

	for role := range specs {
		if err := resolve(role); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultRoleSpecs is the built-in viewer, publisher and admin hierarchy.
func DefaultRoleSpecs() map[models.Role]RoleSpec {
	return map[models.Role]RoleSpec{
		models.RoleViewer: {
			Capabilities: []Capability{CapViewIntelligence, CapViewTrustRelationships},
		},
		models.RolePublisher: {
			Capabilities: []Capability{CapPublishIntelligence, CapShareIntelligence, CapExportIntelligence},
			Inherits:     []models.Role{models.RoleViewer},
		},
		models.RoleAdmin: {
			Capabilities: []Capability{
				CapManageTrustRelationships, CapManageTrustGroups, CapManageTrustLevels,
				CapManageUsers, CapViewAuditLogs,
			},
			Inherits: []models.Role{models.RolePublisher},
		},
	}
}

// DefaultRoleTable returns the table for DefaultRoleSpecs.
func DefaultRoleTable() *RoleTable {
	t, err := NewRoleTable(DefaultRoleSpecs())
	if err != nil {
		panic(err)
	}
	return t
}

// Has reports whether role holds capability.
func (t *RoleTable) Has(role models.Role, capability Capability) bool {
	_, ok := t.caps[role][capability]
	return ok
}

// Capabilities returns role's capabilities, sorted.
func (t *RoleTable) Capabilities(role models.Role) []Capability {
	out := make([]Capability, 0, len(t.caps[role]))
	for c := range t.caps[role] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
