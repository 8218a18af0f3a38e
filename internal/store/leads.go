package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// LeadRepo persists leads and their channel identities.
type LeadRepo interface {
	Create(ctx context.Context, tx *gorm.DB, lead *model.Lead) error
	Get(ctx context.Context, tenantID, leadID uuid.UUID) (*model.Lead, error)
	Update(ctx context.Context, tx *gorm.DB, lead *model.Lead) error
	FindIdentity(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) (*model.ChannelIdentity, error)
	CreateIdentity(ctx context.Context, tx *gorm.DB, identity *model.ChannelIdentity) error
	TouchIdentity(ctx context.Context, identityID uuid.UUID, lastActive *model.ChannelIdentity) error
	FindByContactField(ctx context.Context, tenantID uuid.UUID, field, value string) (*model.Lead, error)
	DeleteCascade(ctx context.Context, tenantID, leadID uuid.UUID) error
}

type leadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewLeadRepo creates the lead repository.
func NewLeadRepo(db *gorm.DB, baseLog *logger.Logger) LeadRepo {
	return &leadRepo{db: db, log: baseLog.With("repo", "LeadRepo")}
}

func (r *leadRepo) Create(ctx context.Context, tx *gorm.DB, lead *model.Lead) error {
	if err := requireTenant(lead.TenantID); err != nil {
		return err
	}
	conn := tx
	if conn == nil {
		conn = r.db
	}
	if lead.ID == uuid.Nil {
		lead.ID = uuid.Must(uuid.NewV7())
	}
	if err := conn.WithContext(ctx).Create(lead).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create lead", err)
	}
	return nil
}

func (r *leadRepo) Get(ctx context.Context, tenantID, leadID uuid.UUID) (*model.Lead, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var lead model.Lead
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, leadID).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.Newf(coreerr.KindNotFound, "lead %s", leadID)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "get lead", err)
	}
	return &lead, nil
}

func (r *leadRepo) Update(ctx context.Context, tx *gorm.DB, lead *model.Lead) error {
	if err := requireTenant(lead.TenantID); err != nil {
		return err
	}
	conn := tx
	if conn == nil {
		conn = r.db
	}
	err := conn.WithContext(ctx).
		Model(&model.Lead{}).
		Where("tenant_id = ? AND id = ?", lead.TenantID, lead.ID).
		Updates(lead).Error
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "update lead", err)
	}
	return nil
}

func (r *leadRepo) FindIdentity(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) (*model.ChannelIdentity, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var identity model.ChannelIdentity
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND channel_type = ? AND identifier = ?", tenantID, channel, identifier).
		First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.Newf(coreerr.KindNotFound, "identity %s/%s", channel, identifier)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "find identity", err)
	}
	return &identity, nil
}

func (r *leadRepo) CreateIdentity(ctx context.Context, tx *gorm.DB, identity *model.ChannelIdentity) error {
	if err := requireTenant(identity.TenantID); err != nil {
		return err
	}
	conn := tx
	if conn == nil {
		conn = r.db
	}
	if identity.ID == uuid.Nil {
		identity.ID = uuid.Must(uuid.NewV7())
	}
	if err := conn.WithContext(ctx).Create(identity).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create identity", err)
	}
	return nil
}

func (r *leadRepo) TouchIdentity(ctx context.Context, identityID uuid.UUID, identity *model.ChannelIdentity) error {
	err := r.db.WithContext(ctx).
		Model(&model.ChannelIdentity{}).
		Where("id = ?", identityID).
		Update("last_active_at", identity.LastActiveAt).Error
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "touch identity", err)
	}
	return nil
}

// FindByContactField matches a lead on one normalized contact field. Field is
// one of social_handle, email, phone, name.
func (r *leadRepo) FindByContactField(ctx context.Context, tenantID uuid.UUID, field, value string) (*model.Lead, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	column, ok := map[string]string{
		"social_handle": "social_handle",
		"email":         "email",
		"phone":         "phone",
		"name":          "name",
	}[field]
	if !ok {
		return nil, coreerr.Newf(coreerr.KindNotFound, "unknown contact field %q", field)
	}
	var lead model.Lead
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lower("+column+") = ?", tenantID, strings.ToLower(value)).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.Newf(coreerr.KindNotFound, "lead by %s", field)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "find lead by field", err)
	}
	return &lead, nil
}

// DeleteCascade removes the lead and all dependent rows in one transaction.
// Used by the GDPR wipe path.
func (r *leadRepo) DeleteCascade(ctx context.Context, tenantID, leadID uuid.UUID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := "tenant_id = ? AND lead_id = ?"
		if err := tx.Where(scope, tenantID, leadID).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where(scope, tenantID, leadID).Delete(&model.ConversationSummary{}).Error; err != nil {
			return err
		}
		if err := tx.Where(scope, tenantID, leadID).Delete(&model.ChannelIdentity{}).Error; err != nil {
			return err
		}
		if err := tx.Where(scope, tenantID, leadID).Delete(&model.SequenceState{}).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ? AND id = ?", tenantID, leadID).Delete(&model.Lead{}).Error
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "delete lead cascade", err)
	}
	return nil
}
