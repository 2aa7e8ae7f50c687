// Package memstore provides in-memory repositories for development mode and tests.
package memstore

import (
	"context"
	"sync"

	"github.com/witlox/crisp/internal/audit"
	"github.com/witlox/crisp/pkg/errors"
	"github.com/witlox/crisp/pkg/models"
)

// AuditRepository is an in-memory trust log repository.
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*models.TrustLog
	byID    map[string]*models.TrustLog
}

// NewAuditRepository creates a new in-memory trust log repository.
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{byID: make(map[string]*models.TrustLog)}
}

func (m *AuditRepository) Create(_ context.Context, entry *models.TrustLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[entry.ID]; ok {
		return errors.ErrConflict
	}
	stored := entry.Clone()
	m.entries = append(m.entries, stored)
	m.byID[entry.ID] = stored
	return nil
}

func (m *AuditRepository) Get(_ context.Context, id string) (*models.TrustLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return entry.Clone(), nil
}

func (m *AuditRepository) Query(_ context.Context, query audit.QueryParams) ([]*models.TrustLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*models.TrustLog
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !matches(e, query) {
			continue
		}
		results = append(results, e.Clone())
	}

	if query.Offset > 0 {
		if query.Offset >= len(results) {
			return nil, nil
		}
		results = results[query.Offset:]
	}
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (m *AuditRepository) Count(ctx context.Context, query audit.QueryParams) (int64, error) {
	query.Limit, query.Offset = 0, 0
	results, err := m.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(results)), nil
}

// Tamper replaces a stored entry in place. It exists for integrity tests.
func (m *AuditRepository) Tamper(id string, fn func(e *models.TrustLog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		fn(e)
	}
}

func matches(e *models.TrustLog, q audit.QueryParams) bool {
	switch {
	case q.Organization != "" && e.SourceOrganization != q.Organization:
		return false
	case q.Action != "" && e.Action != q.Action:
		return false
	case q.User != "" && e.User != q.User:
		return false
	case q.RelationshipID != "" && e.TrustRelationshipID != q.RelationshipID:
		return false
	case q.GroupID != "" && e.TrustGroupID != q.GroupID:
		return false
	case q.Success != nil && e.Success != *q.Success:
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && e.Timestamp.After(q.Until):
		return false
	}
	return true
}

var _ audit.Repository = (*AuditRepository)(nil)
