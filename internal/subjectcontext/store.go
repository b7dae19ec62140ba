package subjectcontext

import (
	"context"
	"errors"

	"github.com/outreach-orchestrator/runtime/internal/storage"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

// Backend is the persistence slice Store needs; internal/storage's
// SubjectContextStore satisfies it directly.
type Backend interface {
	Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error)
	Upsert(ctx context.Context, ctxRow *models.SubjectContext) error
}

// Store loads, reduces, and persists subject context rollups. It holds no
// state of its own beyond the backend reference, so one Store is safe to
// share across every consumer-group worker.
type Store struct {
	backend Backend
}

// New returns a Store backed by backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns subjectID's current rollup, or a fresh StageNew row if none
// has been materialized yet — a subject with no events on file is "new"
// by definition, not an error condition.
func (s *Store) Get(ctx context.Context, tenantID, subjectID string) (*models.SubjectContext, error) {
	ctxRow, err := s.backend.Get(ctx, tenantID, subjectID)
	if err == nil {
		return ctxRow, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return &models.SubjectContext{TenantID: tenantID, SubjectID: subjectID, Stage: models.StageNew}, nil
	}
	return nil, err
}

// Reduce folds event into the subject's rollup and persists the result,
// creating the rollup on its first event. It returns the updated context
// so the caller (the ingress or worker-exec event handler) can act on the
// new stage without a second read.
func (s *Store) Reduce(ctx context.Context, event *models.Event) (*models.SubjectContext, error) {
	ctxRow, err := s.Get(ctx, event.TenantID, event.SubjectID)
	if err != nil {
		return nil, err
	}
	Apply(ctxRow, event)
	if err := s.backend.Upsert(ctx, ctxRow); err != nil {
		return nil, err
	}
	return ctxRow, nil
}
