package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// ErrSummaryConflict is returned when a compaction job loses the optimistic
// window race: the new summary must start exactly where the latest one ended.
var ErrSummaryConflict = errors.New("summary window conflict")

// SummaryRepo persists rolling conversation summaries.
type SummaryRepo interface {
	Latest(ctx context.Context, tenantID, leadID uuid.UUID) (*model.ConversationSummary, error)
	Create(ctx context.Context, summary *model.ConversationSummary) error
}

type summaryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewSummaryRepo creates the summary repository.
func NewSummaryRepo(db *gorm.DB, baseLog *logger.Logger) SummaryRepo {
	return &summaryRepo{db: db, log: baseLog.With("repo", "SummaryRepo")}
}

// Latest returns the most recent summary for the lead, or nil when none
// exists yet.
func (r *summaryRepo) Latest(ctx context.Context, tenantID, leadID uuid.UUID) (*model.ConversationSummary, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var summaries []model.ConversationSummary
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ?", tenantID, leadID).
		Order("end_message_id DESC").
		Limit(1).
		Find(&summaries).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "latest summary", err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

// Create inserts a summary after revalidating the window invariant inside a
// transaction: start_message_id must equal the prior end_message_id + 1 (or
// be the earliest message id when no prior summary exists).
func (r *summaryRepo) Create(ctx context.Context, summary *model.ConversationSummary) error {
	if err := requireTenant(summary.TenantID); err != nil {
		return err
	}
	if summary.ID == uuid.Nil {
		summary.ID = uuid.Must(uuid.NewV7())
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior []model.ConversationSummary
		if err := tx.
			Where("tenant_id = ? AND lead_id = ?", summary.TenantID, summary.LeadID).
			Order("end_message_id DESC").
			Limit(1).
			Find(&prior).Error; err != nil {
			return err
		}
		if len(prior) > 0 {
			if summary.StartMessageID != prior[0].EndMessageID+1 || summary.EndMessageID <= prior[0].EndMessageID {
				return ErrSummaryConflict
			}
		}
		return tx.Create(summary).Error
	})
	if errors.Is(err, ErrSummaryConflict) {
		return err
	}
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create summary", err)
	}
	return nil
}
