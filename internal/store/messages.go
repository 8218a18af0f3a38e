package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// MessageRepo persists the warm-tier message table.
type MessageRepo interface {
	Create(ctx context.Context, tx *gorm.DB, msg *model.Message) error
	LastN(ctx context.Context, tenantID, leadID uuid.UUID, n int) ([]model.Message, error)
	Range(ctx context.Context, tenantID, leadID uuid.UUID, fromID, toID int64) ([]model.Message, error)
	CountAfter(ctx context.Context, tenantID, leadID uuid.UUID, afterID int64) (int64, error)
	OldestAfter(ctx context.Context, tenantID, leadID uuid.UUID, afterID int64, limit int) ([]model.Message, error)
	LastOutbound(ctx context.Context, tenantID, leadID uuid.UUID) (*model.Message, error)
	LastInboundSince(ctx context.Context, tenantID, leadID uuid.UUID, since time.Time) (*model.Message, error)
	InboundCountSince(ctx context.Context, tenantID, leadID uuid.UUID, since time.Time) (int64, error)
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewMessageRepo creates the message repository.
func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) Create(ctx context.Context, tx *gorm.DB, msg *model.Message) error {
	if err := requireTenant(msg.TenantID); err != nil {
		return err
	}
	conn := tx
	if conn == nil {
		conn = r.db
	}
	if err := conn.WithContext(ctx).Create(msg).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create message", err)
	}
	return nil
}

// LastN returns the most recent n messages, newest first.
func (r *messageRepo) LastN(ctx context.Context, tenantID, leadID uuid.UUID, n int) ([]model.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ?", tenantID, leadID).
		Order("created_at DESC, id DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "last n messages", err)
	}
	return msgs, nil
}

// Range returns messages with fromID <= id <= toID, ascending.
func (r *messageRepo) Range(ctx context.Context, tenantID, leadID uuid.UUID, fromID, toID int64) ([]model.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ? AND id BETWEEN ? AND ?", tenantID, leadID, fromID, toID).
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "message range", err)
	}
	return msgs, nil
}

// CountAfter counts messages with id > afterID, i.e. not yet covered by a
// summary window.
func (r *messageRepo) CountAfter(ctx context.Context, tenantID, leadID uuid.UUID, afterID int64) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("tenant_id = ? AND lead_id = ? AND id > ?", tenantID, leadID, afterID).
		Count(&count).Error
	if err != nil {
		return 0, coreerr.Wrap(coreerr.KindStorageUnavailable, "count messages", err)
	}
	return count, nil
}

// OldestAfter returns up to limit uncompressed messages, oldest first.
func (r *messageRepo) OldestAfter(ctx context.Context, tenantID, leadID uuid.UUID, afterID int64, limit int) ([]model.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ? AND id > ?", tenantID, leadID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "oldest messages", err)
	}
	return msgs, nil
}

func (r *messageRepo) LastOutbound(ctx context.Context, tenantID, leadID uuid.UUID) (*model.Message, error) {
	return r.lastByDirection(ctx, tenantID, leadID, model.DirectionOutbound, time.Time{})
}

func (r *messageRepo) LastInboundSince(ctx context.Context, tenantID, leadID uuid.UUID, since time.Time) (*model.Message, error) {
	return r.lastByDirection(ctx, tenantID, leadID, model.DirectionInbound, since)
}

func (r *messageRepo) lastByDirection(ctx context.Context, tenantID, leadID uuid.UUID, dir model.Direction, since time.Time) (*model.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ? AND direction = ?", tenantID, leadID, dir)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	var msgs []model.Message
	err := q.Order("created_at DESC, id DESC").Limit(1).Find(&msgs).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "last message by direction", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (r *messageRepo) InboundCountSince(ctx context.Context, tenantID, leadID uuid.UUID, since time.Time) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	var count int64
	q := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("tenant_id = ? AND lead_id = ? AND direction = ?", tenantID, leadID, model.DirectionInbound)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, coreerr.Wrap(coreerr.KindStorageUnavailable, "inbound count", err)
	}
	return count, nil
}
