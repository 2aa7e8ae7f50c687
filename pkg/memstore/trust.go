package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// TrustRepository is an in-memory trust repository. A single mutex
// serializes writers, which gives MutateRelationship row-lock semantics.
// Rows are deep-copied on the way in and out.
type TrustRepository struct {
	mu            sync.RWMutex
	levels        map[string]*models.TrustLevel
	relationships map[string]*models.TrustRelationship
	groups        map[string]*models.TrustGroup
	memberships   map[string]*models.TrustGroupMembership
}

// NewTrustRepository creates a new in-memory trust repository.
func NewTrustRepository() *TrustRepository {
	return &TrustRepository{
		levels:        make(map[string]*models.TrustLevel),
		relationships: make(map[string]*models.TrustRelationship),
		groups:        make(map[string]*models.TrustGroup),
		memberships:   make(map[string]*models.TrustGroupMembership),
	}
}

// ============================================================================
// Trust levels
// ============================================================================

func (r *TrustRepository) CreateTrustLevel(_ context.Context, level *models.TrustLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.levels {
		if l.Name == level.Name {
			return errors.ErrConflict
		}
	}
	r.levels[level.ID] = level.Clone()
	return nil
}

func (r *TrustRepository) GetTrustLevel(_ context.Context, id string) (*models.TrustLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.levels[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return l.Clone(), nil
}

func (r *TrustRepository) GetTrustLevelByName(_ context.Context, name string) (*models.TrustLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.levels {
		if l.Name == name {
			return l.Clone(), nil
		}
	}
	return nil, errors.ErrNotFound
}

func (r *TrustRepository) ListTrustLevels(_ context.Context) ([]*models.TrustLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TrustLevel, 0, len(r.levels))
	for _, l := range r.levels {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NumericalValue < out[j].NumericalValue })
	return out, nil
}

func (r *TrustRepository) UpdateTrustLevel(_ context.Context, level *models.TrustLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.levels[level.ID]; !ok {
		return errors.ErrNotFound
	}
	r.levels[level.ID] = level.Clone()
	return nil
}

func (r *TrustRepository) DeleteTrustLevel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.levels[id]; !ok {
		return errors.ErrNotFound
	}
	delete(r.levels, id)
	return nil
}

func (r *TrustRepository) CountLevelReferences(_ context.Context, levelID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rel := range r.relationships {
		if rel.TrustLevelID == levelID {
			n++
		}
	}
	for _, g := range r.groups {
		if g.DefaultTrustLevelID == levelID {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Relationships
// ============================================================================

func (r *TrustRepository) CreateRelationship(_ context.Context, rel *models.TrustRelationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.relationships {
		if existing.SourceOrganization == rel.SourceOrganization && existing.TargetOrganization == rel.TargetOrganization {
			return errors.ErrConflict
		}
	}
	r.relationships[rel.ID] = storedRelationship(rel)
	return nil
}

func (r *TrustRepository) GetRelationship(_ context.Context, id string) (*models.TrustRelationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.relationships[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return r.loadRelationship(rel), nil
}

func (r *TrustRepository) GetRelationshipByPair(_ context.Context, source, target string) (*models.TrustRelationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rel := range r.relationships {
		if rel.SourceOrganization == source && rel.TargetOrganization == target {
			return r.loadRelationship(rel), nil
		}
	}
	return nil, errors.ErrNotFound
}

func (r *TrustRepository) ListRelationshipsBetween(_ context.Context, org1, org2 string) ([]*models.TrustRelationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TrustRelationship
	for _, rel := range r.relationships {
		if (rel.SourceOrganization == org1 && rel.TargetOrganization == org2) ||
			(rel.SourceOrganization == org2 && rel.TargetOrganization == org1) {
			out = append(out, r.loadRelationship(rel))
		}
	}
	sortRelationships(out)
	return out, nil
}

func (r *TrustRepository) ListRelationshipsForOrg(_ context.Context, org string) ([]*models.TrustRelationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TrustRelationship
	for _, rel := range r.relationships {
		if rel.Involves(org) {
			out = append(out, r.loadRelationship(rel))
		}
	}
	sortRelationships(out)
	return out, nil
}

func (r *TrustRepository) MutateRelationship(_ context.Context, id string, fn func(rel *models.TrustRelationship) error) (*models.TrustRelationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.relationships[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	working := r.loadRelationship(current)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version = current.Version + 1
	stored := storedRelationship(working)
	r.relationships[id] = stored
	return r.loadRelationship(stored), nil
}

// loadRelationship returns a deep copy with its trust level attached. Caller holds mu.
func (r *TrustRepository) loadRelationship(rel *models.TrustRelationship) *models.TrustRelationship {
	out := rel.Clone()
	if l, ok := r.levels[rel.TrustLevelID]; ok {
		out.TrustLevel = l.Clone()
	}
	return out
}

// storedRelationship detaches rel from the caller before it is kept.
func storedRelationship(rel *models.TrustRelationship) *models.TrustRelationship {
	stored := rel.Clone()
	stored.TrustLevel = nil
	return stored
}

func sortRelationships(rels []*models.TrustRelationship) {
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].CreatedAt.Equal(rels[j].CreatedAt) {
			return rels[i].ID < rels[j].ID
		}
		return rels[i].CreatedAt.Before(rels[j].CreatedAt)
	})
}

// ============================================================================
// Groups and memberships
// ============================================================================

func (r *TrustRepository) CreateGroup(_ context.Context, group *models.TrustGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if g.Name == group.Name {
			return errors.ErrConflict
		}
	}
	r.groups[group.ID] = storedGroup(group)
	return nil
}

func (r *TrustRepository) GetGroup(_ context.Context, id string) (*models.TrustGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return r.loadGroup(g), nil
}

func (r *TrustRepository) GetGroupByName(_ context.Context, name string) (*models.TrustGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.Name == name {
			return r.loadGroup(g), nil
		}
	}
	return nil, errors.ErrNotFound
}

func (r *TrustRepository) ListGroups(_ context.Context) ([]*models.TrustGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TrustGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, r.loadGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *TrustRepository) UpdateGroup(_ context.Context, group *models.TrustGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[group.ID]; !ok {
		return errors.ErrNotFound
	}
	r.groups[group.ID] = storedGroup(group)
	return nil
}

// loadGroup returns a deep copy with its default trust level attached. Caller holds mu.
func (r *TrustRepository) loadGroup(g *models.TrustGroup) *models.TrustGroup {
	out := g.Clone()
	if l, ok := r.levels[g.DefaultTrustLevelID]; ok {
		out.DefaultTrustLevel = l.Clone()
	}
	return out
}

func storedGroup(g *models.TrustGroup) *models.TrustGroup {
	stored := g.Clone()
	stored.DefaultTrustLevel = nil
	return stored
}

func (r *TrustRepository) CreateMembership(_ context.Context, m *models.TrustGroupMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.memberships {
		if existing.TrustGroupID == m.TrustGroupID && existing.OrganizationID == m.OrganizationID {
			return errors.ErrConflict
		}
	}
	r.memberships[m.ID] = m.Clone()
	return nil
}

func (r *TrustRepository) GetMembership(_ context.Context, groupID, org string) (*models.TrustGroupMembership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.memberships {
		if m.TrustGroupID == groupID && m.OrganizationID == org {
			return m.Clone(), nil
		}
	}
	return nil, errors.ErrNotFound
}

func (r *TrustRepository) UpdateMembership(_ context.Context, m *models.TrustGroupMembership) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.memberships[m.ID]; !ok {
		return errors.ErrNotFound
	}
	r.memberships[m.ID] = m.Clone()
	return nil
}

func (r *TrustRepository) ListMembershipsForOrg(_ context.Context, org string) ([]models.GroupMembershipView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.GroupMembershipView
	for _, m := range r.memberships {
		if m.OrganizationID != org {
			continue
		}
		g, ok := r.groups[m.TrustGroupID]
		if !ok {
			continue
		}
		out = append(out, models.GroupMembershipView{Membership: *m.Clone(), Group: r.loadGroup(g)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.Name < out[j].Group.Name })
	return out, nil
}

func (r *TrustRepository) ListMembershipsForGroup(_ context.Context, groupID string) ([]*models.TrustGroupMembership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TrustGroupMembership
	for _, m := range r.memberships {
		if m.TrustGroupID == groupID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganizationID < out[j].OrganizationID })
	return out, nil
}

var _ trust.Repository = (*TrustRepository)(nil)
