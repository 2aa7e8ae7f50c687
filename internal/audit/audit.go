package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

const genesisHash = "genesis"

// NewService creates a new trust log service. forwarder may be nil.
func NewService(repo Repository, forwarder Forwarder, logger *zap.Logger) Service {
	if forwarder == nil {
		forwarder = noopForwarder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &serviceImpl{
		repo:      repo,
		forwarder: forwarder,
		logger:    logger,
	}
}

// NewServiceWithSIEM creates a trust log service that forwards entries to a SIEM.
func NewServiceWithSIEM(repo Repository, siem *SIEMConfig, logger *zap.Logger) Service {
	var forwarder Forwarder = noopForwarder{}
	if siem != nil && siem.Enabled {
		forwarder = newHTTPForwarder(siem)
	}
	return NewService(repo, forwarder, logger)
}

type serviceImpl struct {
	repo      Repository
	forwarder Forwarder
	logger    *zap.Logger
	mu        sync.Mutex
}

func (s *serviceImpl) LogTrustEvent(ctx context.Context, entry *models.TrustLog) error {
	if entry.SourceOrganization == "" {
		return fmt.Errorf("source organization is required: %w", errors.ErrInvalidInput)
	}
	if !entry.Action.Valid() {
		return fmt.Errorf("unknown trust action %q: %w", entry.Action, errors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	// Storage keeps microseconds; hash what will be read back.
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)

	entry.DataHash = computeEntryHash(entry)

	prevHash, err := s.previousChainHash(ctx, entry.SourceOrganization)
	if err != nil {
		return fmt.Errorf("failed to get previous chain hash: %w", err)
	}
	if entry.Metadata == nil {
		entry.Metadata = make(map[string]any)
	}
	entry.Metadata["chain_hash"] = computeChainHash(entry.DataHash, prevHash)
	entry.Metadata["prev_hash"] = prevHash

	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to create trust log entry: %w", err)
	}

	//nolint:contextcheck // forwarding outlives the request
	go func(e models.TrustLog) {
		if err := s.forwarder.Forward(context.Background(), &e); err != nil {
			s.logger.Warn("failed to forward trust log entry", zap.String("id", e.ID), zap.Error(err))
		}
	}(*entry)

	return nil
}

// previousChainHash returns the chain hash of the newest entry for org.
func (s *serviceImpl) previousChainHash(ctx context.Context, org string) (string, error) {
	entries, err := s.repo.Query(ctx, QueryParams{Organization: org, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("failed to query previous chain hash: %w", err)
	}
	if len(entries) == 0 {
		return genesisHash, nil
	}
	if chainHash, ok := entries[0].Metadata["chain_hash"].(string); ok {
		return chainHash, nil
	}
	if entries[0].DataHash != "" {
		return entries[0].DataHash, nil
	}
	return genesisHash, nil
}

// computeEntryHash computes a SHA-256 hash of the entry data.
func computeEntryHash(e *models.TrustLog) string {
	h := sha256.New()
	for _, part := range []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Action),
		e.SourceOrganization,
		e.TargetOrganization,
		e.User,
		e.TrustRelationshipID,
		e.TrustGroupID,
		strconv.FormatBool(e.Success),
		e.FailureReason,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if len(e.Details) > 0 {
		// encoding/json sorts map keys, so this is stable.
		if data, err := json.Marshal(e.Details); err == nil {
			h.Write(data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// computeChainHash computes the chain hash from current entry hash and previous chain hash.
func computeChainHash(currentHash, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(currentHash))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *serviceImpl) Query(ctx context.Context, query QueryParams) ([]*models.TrustLog, error) {
	entries, err := s.repo.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust log: %w", err)
	}
	return entries, nil
}

func (s *serviceImpl) Get(ctx context.Context, id string) (*models.TrustLog, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get trust log entry: %w", err)
	}
	return entry, nil
}

var csvHeader = []string{
	"id", "timestamp", "action", "source_organization", "target_organization",
	"user", "trust_relationship_id", "trust_group_id", "success", "failure_reason", "data_hash",
}

func (s *serviceImpl) Export(ctx context.Context, req ExportRequest) ([]byte, error) {
	entries, err := s.repo.Query(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust log for export: %w", err)
	}

	switch req.Format {
	case ExportFormatJSON, "":
		if len(entries) == 0 {
			return []byte("[]"), nil
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trust log to JSON: %w", err)
		}
		return data, nil
	case ExportFormatCSV:
		return exportCSV(entries)
	default:
		return nil, fmt.Errorf("unsupported format %q: %w", req.Format, errors.ErrInvalidInput)
	}
}

func exportCSV(entries []*models.TrustLog) ([]byte, error) {
	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			string(e.Action),
			e.SourceOrganization,
			e.TargetOrganization,
			e.User,
			e.TrustRelationshipID,
			e.TrustGroupID,
			strconv.FormatBool(e.Success),
			e.FailureReason,
			e.DataHash,
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return []byte(buf.String()), writer.Error()
}

// VerifyIntegrity recomputes entry hashes and walks each organization's chain.
func (s *serviceImpl) VerifyIntegrity(ctx context.Context, since, until time.Time) (bool, error) {
	entries, err := s.repo.Query(ctx, QueryParams{Since: since, Until: until, Limit: 100000})
	if err != nil {
		return false, fmt.Errorf("failed to query trust log for verification: %w", err)
	}

	// Query returns newest first; chains are walked oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	byOrg := make(map[string][]*models.TrustLog)
	for _, e := range entries {
		byOrg[e.SourceOrganization] = append(byOrg[e.SourceOrganization], e)
	}

	for _, chain := range byOrg {
		for i, e := range chain {
			if e.DataHash != computeEntryHash(e) {
				s.logger.Warn("trust log entry hash mismatch", zap.String("id", e.ID))
				return false, nil
			}
			chainHash, hasChain := e.Metadata["chain_hash"].(string)
			prevHash, hasPrev := e.Metadata["prev_hash"].(string)
			if !hasChain || !hasPrev {
				continue
			}
			if chainHash != computeChainHash(e.DataHash, prevHash) {
				s.logger.Warn("trust log chain hash mismatch", zap.String("id", e.ID))
				return false, nil
			}
			if i > 0 {
				if prevChain, ok := chain[i-1].Metadata["chain_hash"].(string); ok && prevChain != prevHash {
					s.logger.Warn("trust log chain broken", zap.String("id", e.ID))
					return false, nil
				}
			}
		}
	}
	return true, nil
}

func (s *serviceImpl) GetStats(ctx context.Context, since time.Time) (*Stats, error) {
	entries, err := s.repo.Query(ctx, QueryParams{Since: since, Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("query trust log: %w", err)
	}

	stats := &Stats{
		TotalEvents:  int64(len(entries)),
		EventsByType: make(map[models.TrustAction]int64),
		EventsByOrg:  make(map[string]int64),
		TimeRange:    time.Since(since),
	}
	users := make(map[string]struct{})
	for _, e := range entries {
		if e.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		stats.EventsByType[e.Action]++
		stats.EventsByOrg[e.SourceOrganization]++
		if e.User != "" {
			users[e.User] = struct{}{}
		}
	}
	stats.UniqueUsers = int64(len(users))
	return stats, nil
}

// noopForwarder is a no-op implementation of Forwarder.
type noopForwarder struct{}

func (noopForwarder) Forward(context.Context, *models.TrustLog) error { return nil }

func (noopForwarder) HealthCheck(context.Context) error { return nil }

// httpForwarder forwards entries to an HTTP SIEM endpoint.
type httpForwarder struct {
	config *SIEMConfig
	client *http.Client
}

func newHTTPForwarder(config *SIEMConfig) *httpForwarder {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpForwarder{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *httpForwarder) Forward(ctx context.Context, entry *models.TrustLog) error {
	if f.config.Endpoint == "" {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	retryCount := f.config.RetryCount
	if retryCount == 0 {
		retryCount = 3
	}

	var lastErr error
	for i := 0; i < retryCount; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * 100 * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.config.Endpoint, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if f.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("SIEM returned status %d", resp.StatusCode)
	}

	return fmt.Errorf("failed to forward entry after %d attempts: %w", retryCount, lastErr)
}

func (f *httpForwarder) HealthCheck(ctx context.Context) error {
	if f.config.Endpoint == "" {
		return fmt.Errorf("SIEM endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.Endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	if f.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("SIEM health check returned status %d", resp.StatusCode)
}
