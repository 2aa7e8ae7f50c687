package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

const (
	levelColumns = `l.id, l.name, l.level, l.numerical_value, l.description,
		l.default_anonymization_level, l.default_access_level, l.sharing_policies,
		l.is_active, l.is_system_default, l.created_by, l.created_at, l.updated_at`

	relationshipColumns = `r.id, r.source_organization, r.target_organization, r.relationship_type,
		r.trust_level_id, r.status, r.is_bilateral, r.is_active, r.valid_from, r.valid_until,
		r.sharing_preferences, r.anonymization_level, r.access_level,
		r.approved_by_source, r.approved_by_target, r.source_approval_status, r.target_approval_status,
		r.approved_by_source_user, r.approved_by_target_user, r.notes, r.metadata,
		r.created_by, r.last_modified_by, r.activated_at, r.revoked_at, r.revoked_by,
		r.version, r.created_at, r.updated_at`

	groupColumns = `g.id, g.name, g.description, g.group_type, g.is_public, g.requires_approval,
		g.default_trust_level_id, g.group_policies, g.administrators, g.is_active,
		g.created_by, g.created_at, g.updated_at`

	membershipColumns = `m.id, m.trust_group_id, m.organization_id, m.membership_type, m.is_active,
		m.joined_at, m.left_at, m.invited_by, m.approved_by`

	selectRelationship = `SELECT ` + relationshipColumns + `, ` + levelColumns + `
		FROM trust_relationships r JOIN trust_levels l ON l.id = r.trust_level_id`

	selectGroup = `SELECT ` + groupColumns + `, ` + levelColumns + `
		FROM trust_groups g JOIN trust_levels l ON l.id = g.default_trust_level_id`
)

// TrustRepository implements trust.Repository.
type TrustRepository struct {
	db *DB
}

// NewTrustRepository creates a new trust repository.
func NewTrustRepository(db *DB) *TrustRepository {
	return &TrustRepository{db: db}
}

var _ trust.Repository = (*TrustRepository)(nil)

// =============================================================================
// Trust levels
// =============================================================================

// levelFields returns scan targets for levelColumns.
func levelFields(l *models.TrustLevel, description, createdBy *sql.NullString, policies *[]byte) []any {
	return []any{
		&l.ID, &l.Name, &l.Level, &l.NumericalValue, description,
		&l.DefaultAnonymizationLevel, &l.DefaultAccessLevel, policies,
		&l.IsActive, &l.IsSystemDefault, createdBy, &l.CreatedAt, &l.UpdatedAt,
	}
}

type levelScan struct {
	level       models.TrustLevel
	description sql.NullString
	createdBy   sql.NullString
	policies    []byte
}

func (s *levelScan) fields() []any {
	return levelFields(&s.level, &s.description, &s.createdBy, &s.policies)
}

func (s *levelScan) result() (*models.TrustLevel, error) {
	l := s.level
	l.Description = s.description.String
	l.CreatedBy = s.createdBy.String
	policies, err := decodeJSON(s.policies)
	if err != nil {
		return nil, err
	}
	l.SharingPolicies = policies
	return &l, nil
}

func scanLevel(row scanner) (*models.TrustLevel, error) {
	var s levelScan
	if err := row.Scan(s.fields()...); err != nil {
		return nil, err
	}
	return s.result()
}

// CreateTrustLevel persists a new trust level.
func (r *TrustRepository) CreateTrustLevel(ctx context.Context, level *models.TrustLevel) error {
	id, err := parseID(level.ID)
	if err != nil {
		return fmt.Errorf("invalid trust level ID %q: %w", level.ID, errors.ErrInvalidInput)
	}
	policies, err := encodeJSON(level.SharingPolicies)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trust_levels (id, name, level, numerical_value, description,
			default_anonymization_level, default_access_level, sharing_policies,
			is_active, is_system_default, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, level.Name, level.Level, level.NumericalValue, nullString(level.Description),
		level.DefaultAnonymizationLevel, level.DefaultAccessLevel, policies,
		level.IsActive, level.IsSystemDefault, nullString(level.CreatedBy), level.CreatedAt, level.UpdatedAt,
	)
	return translate(err, "create trust level")
}

// GetTrustLevel retrieves a trust level by ID.
func (r *TrustRepository) GetTrustLevel(ctx context.Context, id string) (*models.TrustLevel, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	level, err := scanLevel(r.db.QueryRowContext(ctx,
		`SELECT `+levelColumns+` FROM trust_levels l WHERE l.id = $1`, uid))
	if err != nil {
		return nil, translate(err, "get trust level")
	}
	return level, nil
}

// GetTrustLevelByName retrieves a trust level by its unique name.
func (r *TrustRepository) GetTrustLevelByName(ctx context.Context, name string) (*models.TrustLevel, error) {
	level, err := scanLevel(r.db.QueryRowContext(ctx,
		`SELECT `+levelColumns+` FROM trust_levels l WHERE l.name = $1`, name))
	if err != nil {
		return nil, translate(err, "get trust level")
	}
	return level, nil
}

// ListTrustLevels returns all trust levels ordered by numerical value.
func (r *TrustRepository) ListTrustLevels(ctx context.Context) ([]*models.TrustLevel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+levelColumns+` FROM trust_levels l ORDER BY l.numerical_value, l.name`)
	if err != nil {
		return nil, translate(err, "list trust levels")
	}
	defer func() { _ = rows.Close() }()

	var levels []*models.TrustLevel
	for rows.Next() {
		level, err := scanLevel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust level: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// UpdateTrustLevel updates an existing trust level.
func (r *TrustRepository) UpdateTrustLevel(ctx context.Context, level *models.TrustLevel) error {
	id, err := parseID(level.ID)
	if err != nil {
		return err
	}
	policies, err := encodeJSON(level.SharingPolicies)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE trust_levels SET name = $2, level = $3, numerical_value = $4, description = $5,
			default_anonymization_level = $6, default_access_level = $7, sharing_policies = $8,
			is_active = $9, is_system_default = $10, updated_at = $11
		 WHERE id = $1`,
		id, level.Name, level.Level, level.NumericalValue, nullString(level.Description),
		level.DefaultAnonymizationLevel, level.DefaultAccessLevel, policies,
		level.IsActive, level.IsSystemDefault, level.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update trust level")
	}
	return requireRow(result)
}

// DeleteTrustLevel removes a trust level.
func (r *TrustRepository) DeleteTrustLevel(ctx context.Context, id string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM trust_levels WHERE id = $1`, uid)
	if err != nil {
		return translate(err, "delete trust level")
	}
	return requireRow(result)
}

// CountLevelReferences counts relationships and groups using the level.
func (r *TrustRepository) CountLevelReferences(ctx context.Context, levelID string) (int, error) {
	uid, err := parseID(levelID)
	if err != nil {
		return 0, nil
	}
	var n int
	err = r.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM trust_relationships WHERE trust_level_id = $1)
		      + (SELECT COUNT(*) FROM trust_groups WHERE default_trust_level_id = $1)`,
		uid,
	).Scan(&n)
	if err != nil {
		return 0, translate(err, "count trust level references")
	}
	return n, nil
}

// =============================================================================
// Relationships
// =============================================================================

func scanRelationship(row scanner) (*models.TrustRelationship, error) {
	var (
		rel                                models.TrustRelationship
		validUntil, activatedAt, revokedAt sql.NullTime
		sourceUser, targetUser, notes      sql.NullString
		lastModifiedBy, revokedBy          sql.NullString
		preferences, metadata              []byte
		ls                                 levelScan
	)
	dest := []any{
		&rel.ID, &rel.SourceOrganization, &rel.TargetOrganization, &rel.RelationshipType,
		&rel.TrustLevelID, &rel.Status, &rel.IsBilateral, &rel.IsActive, &rel.ValidFrom, &validUntil,
		&preferences, &rel.AnonymizationLevel, &rel.AccessLevel,
		&rel.ApprovedBySource, &rel.ApprovedByTarget, &rel.SourceApprovalStatus, &rel.TargetApprovalStatus,
		&sourceUser, &targetUser, &notes, &metadata,
		&rel.CreatedBy, &lastModifiedBy, &activatedAt, &revokedAt, &revokedBy,
		&rel.Version, &rel.CreatedAt, &rel.UpdatedAt,
	}
	if err := row.Scan(append(dest, ls.fields()...)...); err != nil {
		return nil, err
	}

	rel.ValidUntil = timePtr(validUntil)
	rel.ActivatedAt = timePtr(activatedAt)
	rel.RevokedAt = timePtr(revokedAt)
	rel.ApprovedBySourceUser = sourceUser.String
	rel.ApprovedByTargetUser = targetUser.String
	rel.Notes = notes.String
	rel.LastModifiedBy = lastModifiedBy.String
	rel.RevokedBy = revokedBy.String

	var err error
	if rel.SharingPreferences, err = decodeJSON(preferences); err != nil {
		return nil, err
	}
	if rel.Metadata, err = decodeJSON(metadata); err != nil {
		return nil, err
	}
	if rel.TrustLevel, err = ls.result(); err != nil {
		return nil, err
	}
	return &rel, nil
}

func queryRelationships(ctx context.Context, q queryer, where string, args ...any) ([]*models.TrustRelationship, error) {
	rows, err := q.QueryContext(ctx, selectRelationship+" WHERE "+where+" ORDER BY r.created_at, r.id", args...)
	if err != nil {
		return nil, translate(err, "list trust relationships")
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TrustRelationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust relationship: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// CreateRelationship persists a new relationship.
func (r *TrustRepository) CreateRelationship(ctx context.Context, rel *models.TrustRelationship) error {
	id, err := parseID(rel.ID)
	if err != nil {
		return fmt.Errorf("invalid relationship ID %q: %w", rel.ID, errors.ErrInvalidInput)
	}
	levelID, err := parseID(rel.TrustLevelID)
	if err != nil {
		return fmt.Errorf("invalid trust level ID %q: %w", rel.TrustLevelID, errors.ErrInvalidInput)
	}
	preferences, err := encodeJSON(rel.SharingPreferences)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(rel.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trust_relationships (id, source_organization, target_organization, relationship_type,
			trust_level_id, status, is_bilateral, is_active, valid_from, valid_until,
			sharing_preferences, anonymization_level, access_level,
			approved_by_source, approved_by_target, source_approval_status, target_approval_status,
			approved_by_source_user, approved_by_target_user, notes, metadata,
			created_by, last_modified_by, activated_at, revoked_at, revoked_by, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		id, rel.SourceOrganization, rel.TargetOrganization, rel.RelationshipType,
		levelID, rel.Status, rel.IsBilateral, rel.IsActive, rel.ValidFrom, nullTime(rel.ValidUntil),
		preferences, rel.AnonymizationLevel, rel.AccessLevel,
		rel.ApprovedBySource, rel.ApprovedByTarget, rel.SourceApprovalStatus, rel.TargetApprovalStatus,
		nullString(rel.ApprovedBySourceUser), nullString(rel.ApprovedByTargetUser), nullString(rel.Notes), metadata,
		rel.CreatedBy, nullString(rel.LastModifiedBy), nullTime(rel.ActivatedAt), nullTime(rel.RevokedAt),
		nullString(rel.RevokedBy), rel.Version, rel.CreatedAt, rel.UpdatedAt,
	)
	return translate(err, "create trust relationship")
}

// GetRelationship retrieves a relationship by ID.
func (r *TrustRepository) GetRelationship(ctx context.Context, id string) (*models.TrustRelationship, error) {
	return r.getRelationship(ctx, r.db, id, "")
}

func (r *TrustRepository) getRelationship(ctx context.Context, q queryer, id, suffix string) (*models.TrustRelationship, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	rel, err := scanRelationship(q.QueryRowContext(ctx, selectRelationship+" WHERE r.id = $1"+suffix, uid))
	if err != nil {
		return nil, translate(err, "get trust relationship")
	}
	return rel, nil
}

// GetRelationshipByPair retrieves the relationship for the exact direction.
func (r *TrustRepository) GetRelationshipByPair(ctx context.Context, source, target string) (*models.TrustRelationship, error) {
	rel, err := scanRelationship(r.db.QueryRowContext(ctx,
		selectRelationship+" WHERE r.source_organization = $1 AND r.target_organization = $2",
		source, target))
	if err != nil {
		return nil, translate(err, "get trust relationship")
	}
	return rel, nil
}

// ListRelationshipsBetween returns relationships in either direction.
func (r *TrustRepository) ListRelationshipsBetween(ctx context.Context, org1, org2 string) ([]*models.TrustRelationship, error) {
	return queryRelationships(ctx, r.db,
		`(r.source_organization = $1 AND r.target_organization = $2)
		 OR (r.source_organization = $2 AND r.target_organization = $1)`,
		org1, org2)
}

// ListRelationshipsForOrg returns relationships where org is either side.
func (r *TrustRepository) ListRelationshipsForOrg(ctx context.Context, org string) ([]*models.TrustRelationship, error) {
	return queryRelationships(ctx, r.db, `r.source_organization = $1 OR r.target_organization = $1`, org)
}

// MutateRelationship locks the row with SELECT ... FOR UPDATE, applies fn
// and writes the result in the same transaction.
func (r *TrustRepository) MutateRelationship(ctx context.Context, id string, fn func(rel *models.TrustRelationship) error) (*models.TrustRelationship, error) {
	var updated *models.TrustRelationship
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := r.getRelationship(ctx, tx, id, " FOR UPDATE OF r")
		if err != nil {
			return err
		}
		if err := fn(current); err != nil {
			return err
		}
		if err := updateRelationship(ctx, tx, current); err != nil {
			return err
		}
		updated, err = r.getRelationship(ctx, tx, id, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateRelationship(ctx context.Context, tx *sql.Tx, rel *models.TrustRelationship) error {
	levelID, err := parseID(rel.TrustLevelID)
	if err != nil {
		return fmt.Errorf("invalid trust level ID %q: %w", rel.TrustLevelID, errors.ErrInvalidInput)
	}
	preferences, err := encodeJSON(rel.SharingPreferences)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(rel.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE trust_relationships SET relationship_type = $2, trust_level_id = $3, status = $4,
			is_bilateral = $5, is_active = $6, valid_from = $7, valid_until = $8, sharing_preferences = $9,
			anonymization_level = $10, access_level = $11, approved_by_source = $12, approved_by_target = $13,
			source_approval_status = $14, target_approval_status = $15, approved_by_source_user = $16,
			approved_by_target_user = $17, notes = $18, metadata = $19, last_modified_by = $20,
			activated_at = $21, revoked_at = $22, revoked_by = $23, updated_at = $24,
			version = version + 1
		 WHERE id = $1`,
		rel.ID, rel.RelationshipType, levelID, rel.Status,
		rel.IsBilateral, rel.IsActive, rel.ValidFrom, nullTime(rel.ValidUntil), preferences,
		rel.AnonymizationLevel, rel.AccessLevel, rel.ApprovedBySource, rel.ApprovedByTarget,
		rel.SourceApprovalStatus, rel.TargetApprovalStatus, nullString(rel.ApprovedBySourceUser),
		nullString(rel.ApprovedByTargetUser), nullString(rel.Notes), metadata, nullString(rel.LastModifiedBy),
		nullTime(rel.ActivatedAt), nullTime(rel.RevokedAt), nullString(rel.RevokedBy), rel.UpdatedAt,
	)
	return translate(err, "update trust relationship")
}

// =============================================================================
// Groups and memberships
// =============================================================================

func groupFields(g *models.TrustGroup, description *sql.NullString, policies *[]byte) []any {
	return []any{
		&g.ID, &g.Name, description, &g.GroupType, &g.IsPublic, &g.RequiresApproval,
		&g.DefaultTrustLevelID, policies, pq.Array(&g.Administrators), &g.IsActive,
		&g.CreatedBy, &g.CreatedAt, &g.UpdatedAt,
	}
}

type groupScan struct {
	group       models.TrustGroup
	description sql.NullString
	policies    []byte
	level       levelScan
}

func (s *groupScan) fields() []any {
	return append(groupFields(&s.group, &s.description, &s.policies), s.level.fields()...)
}

func (s *groupScan) result() (*models.TrustGroup, error) {
	g := s.group
	g.Description = s.description.String
	var err error
	if g.GroupPolicies, err = decodeJSON(s.policies); err != nil {
		return nil, err
	}
	if g.DefaultTrustLevel, err = s.level.result(); err != nil {
		return nil, err
	}
	return &g, nil
}

func scanGroup(row scanner) (*models.TrustGroup, error) {
	var s groupScan
	if err := row.Scan(s.fields()...); err != nil {
		return nil, err
	}
	return s.result()
}

// CreateGroup persists a new group.
func (r *TrustRepository) CreateGroup(ctx context.Context, group *models.TrustGroup) error {
	id, err := parseID(group.ID)
	if err != nil {
		return fmt.Errorf("invalid group ID %q: %w", group.ID, errors.ErrInvalidInput)
	}
	levelID, err := parseID(group.DefaultTrustLevelID)
	if err != nil {
		return fmt.Errorf("invalid trust level ID %q: %w", group.DefaultTrustLevelID, errors.ErrInvalidInput)
	}
	policies, err := encodeJSON(group.GroupPolicies)
	if err != nil {
		return err
	}
	admins := group.Administrators
	if admins == nil {
		admins = []string{}
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trust_groups (id, name, description, group_type, is_public, requires_approval,
			default_trust_level_id, group_policies, administrators, is_active, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, group.Name, nullString(group.Description), group.GroupType, group.IsPublic, group.RequiresApproval,
		levelID, policies, pq.Array(admins), group.IsActive, group.CreatedBy, group.CreatedAt, group.UpdatedAt,
	)
	return translate(err, "create trust group")
}

// GetGroup retrieves a group by ID.
func (r *TrustRepository) GetGroup(ctx context.Context, id string) (*models.TrustGroup, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	group, err := scanGroup(r.db.QueryRowContext(ctx, selectGroup+" WHERE g.id = $1", uid))
	if err != nil {
		return nil, translate(err, "get trust group")
	}
	return group, nil
}

// GetGroupByName retrieves a group by its unique name.
func (r *TrustRepository) GetGroupByName(ctx context.Context, name string) (*models.TrustGroup, error) {
	group, err := scanGroup(r.db.QueryRowContext(ctx, selectGroup+" WHERE g.name = $1", name))
	if err != nil {
		return nil, translate(err, "get trust group")
	}
	return group, nil
}

// ListGroups returns all groups ordered by name.
func (r *TrustRepository) ListGroups(ctx context.Context) ([]*models.TrustGroup, error) {
	rows, err := r.db.QueryContext(ctx, selectGroup+" ORDER BY g.name")
	if err != nil {
		return nil, translate(err, "list trust groups")
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TrustGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust group: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

// UpdateGroup updates an existing group.
func (r *TrustRepository) UpdateGroup(ctx context.Context, group *models.TrustGroup) error {
	id, err := parseID(group.ID)
	if err != nil {
		return err
	}
	levelID, err := parseID(group.DefaultTrustLevelID)
	if err != nil {
		return fmt.Errorf("invalid trust level ID %q: %w", group.DefaultTrustLevelID, errors.ErrInvalidInput)
	}
	policies, err := encodeJSON(group.GroupPolicies)
	if err != nil {
		return err
	}
	admins := group.Administrators
	if admins == nil {
		admins = []string{}
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE trust_groups SET name = $2, description = $3, group_type = $4, is_public = $5,
			requires_approval = $6, default_trust_level_id = $7, group_policies = $8,
			administrators = $9, is_active = $10, updated_at = $11
		 WHERE id = $1`,
		id, group.Name, nullString(group.Description), group.GroupType, group.IsPublic,
		group.RequiresApproval, levelID, policies, pq.Array(admins), group.IsActive, group.UpdatedAt,
	)
	if err != nil {
		return translate(err, "update trust group")
	}
	return requireRow(result)
}

type membershipScan struct {
	m                     models.TrustGroupMembership
	leftAt                sql.NullTime
	invitedBy, approvedBy sql.NullString
}

func (s *membershipScan) fields() []any {
	return []any{
		&s.m.ID, &s.m.TrustGroupID, &s.m.OrganizationID, &s.m.MembershipType, &s.m.IsActive,
		&s.m.JoinedAt, &s.leftAt, &s.invitedBy, &s.approvedBy,
	}
}

func (s *membershipScan) result() *models.TrustGroupMembership {
	m := s.m
	m.LeftAt = timePtr(s.leftAt)
	m.InvitedBy = s.invitedBy.String
	m.ApprovedBy = s.approvedBy.String
	return &m
}

// CreateMembership persists a new membership.
func (r *TrustRepository) CreateMembership(ctx context.Context, m *models.TrustGroupMembership) error {
	id, err := parseID(m.ID)
	if err != nil {
		return fmt.Errorf("invalid membership ID %q: %w", m.ID, errors.ErrInvalidInput)
	}
	groupID, err := parseID(m.TrustGroupID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trust_group_memberships (id, trust_group_id, organization_id, membership_type,
			is_active, joined_at, left_at, invited_by, approved_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, groupID, m.OrganizationID, m.MembershipType, m.IsActive, m.JoinedAt,
		nullTime(m.LeftAt), nullString(m.InvitedBy), nullString(m.ApprovedBy),
	)
	return translate(err, "create trust group membership")
}

// GetMembership retrieves the membership of org in group.
func (r *TrustRepository) GetMembership(ctx context.Context, groupID, org string) (*models.TrustGroupMembership, error) {
	gid, err := parseID(groupID)
	if err != nil {
		return nil, err
	}
	var s membershipScan
	err = r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM trust_group_memberships m
		 WHERE m.trust_group_id = $1 AND m.organization_id = $2`,
		gid, org,
	).Scan(s.fields()...)
	if err != nil {
		return nil, translate(err, "get trust group membership")
	}
	return s.result(), nil
}

// UpdateMembership updates an existing membership.
func (r *TrustRepository) UpdateMembership(ctx context.Context, m *models.TrustGroupMembership) error {
	id, err := parseID(m.ID)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE trust_group_memberships SET membership_type = $2, is_active = $3, joined_at = $4,
			left_at = $5, invited_by = $6, approved_by = $7
		 WHERE id = $1`,
		id, m.MembershipType, m.IsActive, m.JoinedAt,
		nullTime(m.LeftAt), nullString(m.InvitedBy), nullString(m.ApprovedBy),
	)
	if err != nil {
		return translate(err, "update trust group membership")
	}
	return requireRow(result)
}

// ListMembershipsForOrg returns memberships of org with their groups.
func (r *TrustRepository) ListMembershipsForOrg(ctx context.Context, org string) ([]models.GroupMembershipView, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+`, `+groupColumns+`, `+levelColumns+`
		 FROM trust_group_memberships m
		 JOIN trust_groups g ON g.id = m.trust_group_id
		 JOIN trust_levels l ON l.id = g.default_trust_level_id
		 WHERE m.organization_id = $1
		 ORDER BY g.name`,
		org,
	)
	if err != nil {
		return nil, translate(err, "list trust group memberships")
	}
	defer func() { _ = rows.Close() }()

	var out []models.GroupMembershipView
	for rows.Next() {
		var ms membershipScan
		var gs groupScan
		if err := rows.Scan(append(ms.fields(), gs.fields()...)...); err != nil {
			return nil, fmt.Errorf("failed to scan trust group membership: %w", err)
		}
		group, err := gs.result()
		if err != nil {
			return nil, err
		}
		out = append(out, models.GroupMembershipView{Membership: *ms.result(), Group: group})
	}
	return out, rows.Err()
}

// ListMembershipsForGroup returns memberships in a group.
func (r *TrustRepository) ListMembershipsForGroup(ctx context.Context, groupID string) ([]*models.TrustGroupMembership, error) {
	gid, err := parseID(groupID)
	if err != nil {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+` FROM trust_group_memberships m
		 WHERE m.trust_group_id = $1 ORDER BY m.organization_id`,
		gid,
	)
	if err != nil {
		return nil, translate(err, "list trust group memberships")
	}
	defer func() { _ = rows.Close() }()

	var out []*models.TrustGroupMembership
	for rows.Next() {
		var s membershipScan
		if err := rows.Scan(s.fields()...); err != nil {
			return nil, fmt.Errorf("failed to scan trust group membership: %w", err)
		}
		out = append(out, s.result())
	}
	return out, rows.Err()
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return errors.ErrNotFound
	}
	return nil
}
