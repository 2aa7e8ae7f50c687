package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

const trustLogColumns = `id, action, source_organization, target_organization, user_id,
	trust_relationship_id, trust_group_id, ip_address, user_agent, success, failure_reason,
	details, metadata, data_hash, timestamp`

// AuditRepository implements audit.Repository over the trust_logs table.
// Rows are never updated or deleted.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new trust log repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Repository = (*AuditRepository)(nil)

// Create persists a new trust log entry.
func (r *AuditRepository) Create(ctx context.Context, entry *models.TrustLog) error {
	id, err := parseID(entry.ID)
	if err != nil {
		return fmt.Errorf("invalid trust log ID %q: %w", entry.ID, errors.ErrInvalidInput)
	}
	details, err := encodeJSON(entry.Details)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(entry.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO trust_logs (`+trustLogColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		id, entry.Action, entry.SourceOrganization, nullString(entry.TargetOrganization), nullString(entry.User),
		nullString(entry.TrustRelationshipID), nullString(entry.TrustGroupID), nullString(entry.IPAddress),
		nullString(entry.UserAgent), entry.Success, nullString(entry.FailureReason),
		details, metadata, nullString(entry.DataHash), entry.Timestamp,
	)
	return translate(err, "create trust log entry")
}

// Get retrieves an entry by ID.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.TrustLog, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	entry, err := scanTrustLog(r.db.QueryRowContext(ctx,
		`SELECT `+trustLogColumns+` FROM trust_logs WHERE id = $1`, uid))
	if err != nil {
		return nil, translate(err, "get trust log entry")
	}
	return entry, nil
}

// Query retrieves entries matching criteria, newest first.
func (r *AuditRepository) Query(ctx context.Context, query audit.QueryParams) ([]*models.TrustLog, error) {
	where, args := buildTrustLogFilter(query)
	stmt := `SELECT ` + trustLogColumns + ` FROM trust_logs WHERE ` + where + ` ORDER BY seq DESC`
	argIdx := len(args) + 1
	if query.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, query.Limit)
		argIdx++
	}
	if query.Offset > 0 {
		stmt += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, query.Offset)
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translate(err, "query trust log")
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.TrustLog
	for rows.Next() {
		entry, err := scanTrustLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the count of entries matching criteria.
func (r *AuditRepository) Count(ctx context.Context, query audit.QueryParams) (int64, error) {
	where, args := buildTrustLogFilter(query)
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trust_logs WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, translate(err, "count trust log entries")
	}
	return count, nil
}

func buildTrustLogFilter(q audit.QueryParams) (string, []any) {
	where := "1=1"
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}

	if q.Organization != "" {
		add("source_organization = $%d", q.Organization)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.User != "" {
		add("user_id = $%d", q.User)
	}
	if q.RelationshipID != "" {
		add("trust_relationship_id = $%d", q.RelationshipID)
	}
	if q.GroupID != "" {
		add("trust_group_id = $%d", q.GroupID)
	}
	if q.Success != nil {
		add("success = $%d", *q.Success)
	}
	if !q.Since.IsZero() {
		add("timestamp >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("timestamp <= $%d", q.Until)
	}
	return where, args
}

func scanTrustLog(row scanner) (*models.TrustLog, error) {
	var (
		e                                 models.TrustLog
		target, user, relationship, group sql.NullString
		ip, agent, reason, hash           sql.NullString
		details, metadata                 []byte
	)
	err := row.Scan(&e.ID, &e.Action, &e.SourceOrganization, &target, &user,
		&relationship, &group, &ip, &agent, &e.Success, &reason,
		&details, &metadata, &hash, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	e.TargetOrganization = target.String
	e.User = user.String
	e.TrustRelationshipID = relationship.String
	e.TrustGroupID = group.String
	e.IPAddress = ip.String
	e.UserAgent = agent.String
	e.FailureReason = reason.String
	e.DataHash = hash.String
	if e.Details, err = decodeJSON(details); err != nil {
		return nil, err
	}
	if e.Metadata, err = decodeJSON(metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
