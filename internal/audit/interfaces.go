// Package audit keeps the append-only, hash-chained trust log.
package audit

import (
	"context"
	"time"

	"github.com/witlox/crisp/pkg/models"
)

// Repository defines trust log persistence operations.
type Repository interface {
	// Create persists a new trust log entry.
	Create(ctx context.Context, entry *models.TrustLog) error
	// Get retrieves an entry by ID.
	Get(ctx context.Context, id string) (*models.TrustLog, error)
	// Query retrieves entries matching criteria in reverse insertion order.
	Query(ctx context.Context, query QueryParams) ([]*models.TrustLog, error)
	// Count returns the count of entries matching criteria.
	Count(ctx context.Context, query QueryParams) (int64, error)
}

// QueryParams defines trust log query parameters.
type QueryParams struct {
	// Organization matches the source organization of an entry.
	Organization   string
	Action         models.TrustAction
	User           string
	RelationshipID string
	GroupID        string
	Success        *bool
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Forwarder forwards trust log entries to external systems.
type Forwarder interface {
	// Forward sends an entry to an external system.
	Forward(ctx context.Context, entry *models.TrustLog) error
	// HealthCheck checks forwarder connectivity.
	HealthCheck(ctx context.Context) error
}

// ExportFormat defines the export format.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// ExportRequest defines a trust log export request.
type ExportRequest struct {
	Query  QueryParams
	Format ExportFormat
}

// SIEMConfig holds configuration for SIEM forwarding.
type SIEMConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	Enabled    bool          `mapstructure:"enabled"`
}

// Service handles trust log business logic.
type Service interface {
	// LogTrustEvent appends an entry to the trust log.
	LogTrustEvent(ctx context.Context, entry *models.TrustLog) error
	// Query retrieves entries.
	Query(ctx context.Context, query QueryParams) ([]*models.TrustLog, error)
	// Get retrieves a single entry.
	Get(ctx context.Context, id string) (*models.TrustLog, error)
	// Export exports entries.
	Export(ctx context.Context, req ExportRequest) ([]byte, error)
	// VerifyIntegrity verifies the hash chains of entries in the time range.
	VerifyIntegrity(ctx context.Context, since, until time.Time) (bool, error)
	// GetStats returns trust log statistics.
	GetStats(ctx context.Context, since time.Time) (*Stats, error)
}

// Stats represents trust log statistics.
type Stats struct {
	TotalEvents  int64                        `json:"total_events"`
	SuccessCount int64                        `json:"success_count"`
	FailureCount int64                        `json:"failure_count"`
	EventsByType map[models.TrustAction]int64 `json:"events_by_type"`
	EventsByOrg  map[string]int64             `json:"events_by_org"`
	UniqueUsers  int64                        `json:"unique_users"`
	TimeRange    time.Duration                `json:"time_range"`
}
