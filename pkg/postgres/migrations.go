package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns all database migrations in order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create trust_levels table",
			SQL: `CREATE TABLE IF NOT EXISTS trust_levels (
				id UUID PRIMARY KEY,
				name VARCHAR(100) NOT NULL UNIQUE,
				level VARCHAR(20) NOT NULL,
				numerical_value INT NOT NULL CHECK (numerical_value BETWEEN 0 AND 100),
				description TEXT,
				default_anonymization_level VARCHAR(20) NOT NULL,
				default_access_level VARCHAR(20) NOT NULL,
				sharing_policies JSONB,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				is_system_default BOOLEAN NOT NULL DEFAULT FALSE,
				created_by VARCHAR(255),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     2,
			Description: "Create trust_relationships table",
			SQL: `CREATE TABLE IF NOT EXISTS trust_relationships (
				id UUID PRIMARY KEY,
				source_organization VARCHAR(255) NOT NULL,
				target_organization VARCHAR(255) NOT NULL,
				relationship_type VARCHAR(20) NOT NULL,
				trust_level_id UUID NOT NULL REFERENCES trust_levels(id),
				status VARCHAR(20) NOT NULL,
				is_bilateral BOOLEAN NOT NULL DEFAULT TRUE,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				valid_from TIMESTAMPTZ NOT NULL,
				valid_until TIMESTAMPTZ,
				sharing_preferences JSONB,
				anonymization_level VARCHAR(20) NOT NULL,
				access_level VARCHAR(20) NOT NULL,
				approved_by_source BOOLEAN NOT NULL DEFAULT FALSE,
				approved_by_target BOOLEAN NOT NULL DEFAULT FALSE,
				source_approval_status VARCHAR(20) NOT NULL,
				target_approval_status VARCHAR(20) NOT NULL,
				approved_by_source_user VARCHAR(255),
				approved_by_target_user VARCHAR(255),
				notes TEXT,
				metadata JSONB,
				created_by VARCHAR(255) NOT NULL,
				last_modified_by VARCHAR(255),
				activated_at TIMESTAMPTZ,
				revoked_at TIMESTAMPTZ,
				revoked_by VARCHAR(255),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (source_organization, target_organization),
				CHECK (source_organization <> target_organization)
			)`,
		},
		{
			Version:     3,
			Description: "Create trust_groups table",
			SQL: `CREATE TABLE IF NOT EXISTS trust_groups (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL UNIQUE,
				description TEXT,
				group_type VARCHAR(20) NOT NULL,
				is_public BOOLEAN NOT NULL DEFAULT FALSE,
				requires_approval BOOLEAN NOT NULL DEFAULT TRUE,
				default_trust_level_id UUID NOT NULL REFERENCES trust_levels(id),
				group_policies JSONB,
				administrators TEXT[] NOT NULL DEFAULT '{}',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_by VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     4,
			Description: "Create trust_group_memberships table",
			SQL: `CREATE TABLE IF NOT EXISTS trust_group_memberships (
				id UUID PRIMARY KEY,
				trust_group_id UUID NOT NULL REFERENCES trust_groups(id) ON DELETE CASCADE,
				organization_id VARCHAR(255) NOT NULL,
				membership_type VARCHAR(20) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT FALSE,
				joined_at TIMESTAMPTZ NOT NULL,
				left_at TIMESTAMPTZ,
				invited_by VARCHAR(255),
				approved_by VARCHAR(255),
				UNIQUE (trust_group_id, organization_id)
			)`,
		},
		{
			Version:     5,
			Description: "Create trust_logs table",
			SQL: `CREATE TABLE IF NOT EXISTS trust_logs (
				seq BIGSERIAL UNIQUE,
				id UUID PRIMARY KEY,
				action VARCHAR(50) NOT NULL,
				source_organization VARCHAR(255) NOT NULL,
				target_organization VARCHAR(255),
				user_id VARCHAR(255),
				trust_relationship_id VARCHAR(64),
				trust_group_id VARCHAR(64),
				ip_address VARCHAR(64),
				user_agent TEXT,
				success BOOLEAN NOT NULL,
				failure_reason TEXT,
				details JSONB,
				metadata JSONB,
				data_hash VARCHAR(128),
				timestamp TIMESTAMPTZ NOT NULL
			)`,
		},
		{
			Version:     6,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_trust_relationships_source ON trust_relationships(source_organization);
				  CREATE INDEX IF NOT EXISTS idx_trust_relationships_target ON trust_relationships(target_organization);
				  CREATE INDEX IF NOT EXISTS idx_trust_relationships_level ON trust_relationships(trust_level_id);
				  CREATE INDEX IF NOT EXISTS idx_trust_group_memberships_org ON trust_group_memberships(organization_id);
				  CREATE INDEX IF NOT EXISTS idx_trust_logs_source ON trust_logs(source_organization);
				  CREATE INDEX IF NOT EXISTS idx_trust_logs_action ON trust_logs(action);
				  CREATE INDEX IF NOT EXISTS idx_trust_logs_timestamp ON trust_logs(timestamp)`,
		},
		{
			Version:     7,
			Description: "Add relationship version counter",
			SQL:         `ALTER TABLE trust_relationships ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0`,
		},
	}
}

// Migrate is an alias for RunMigrations on a wrapped pool.
func Migrate(ctx context.Context, db *DB) error {
	return RunMigrations(ctx, db.DB)
}

// RunMigrations executes all pending migrations, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range Migrations() {
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the current schema version.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
