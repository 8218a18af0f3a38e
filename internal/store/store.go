package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// Store bundles the repositories over one database handle.
type Store struct {
	DB        *gorm.DB
	Leads     LeadRepo
	Messages  MessageRepo
	Events    EventRepo
	Summaries SummaryRepo
	Sequences SequenceRepo
	States    StateRepo
	Attempts  AttemptRepo
}

// New wires all repositories.
func New(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{
		DB:        db,
		Leads:     NewLeadRepo(db, log),
		Messages:  NewMessageRepo(db, log),
		Events:    NewEventRepo(db, log),
		Summaries: NewSummaryRepo(db, log),
		Sequences: NewSequenceRepo(db, log),
		States:    NewStateRepo(db, log),
		Attempts:  NewAttemptRepo(db, log),
	}
}

// Tenants lists every tenant with at least one lead. Backs the scheduler's
// tenant scan.
func (s *Store) Tenants(ctx context.Context) ([]uuid.UUID, error) {
	var tenants []uuid.UUID
	err := s.DB.WithContext(ctx).
		Model(&model.Lead{}).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "list tenants", err)
	}
	return tenants, nil
}
