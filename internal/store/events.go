package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// EventRepo persists the append-only event log. Terminal transitions are
// idempotent: marking an already-terminal event is a silent no-op.
type EventRepo interface {
	Insert(ctx context.Context, tx *gorm.DB, event *model.Event) error
	Get(ctx context.Context, id uuid.UUID) (*model.Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error
	ListForReplay(ctx context.Context, tenantID uuid.UUID, eventType string, since time.Time, limit int) ([]model.Event, error)
}

type eventRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewEventRepo creates the event repository.
func NewEventRepo(db *gorm.DB, baseLog *logger.Logger) EventRepo {
	return &eventRepo{db: db, log: baseLog.With("repo", "EventRepo")}
}

func (r *eventRepo) Insert(ctx context.Context, tx *gorm.DB, event *model.Event) error {
	if err := requireTenant(event.TenantID); err != nil {
		return err
	}
	conn := tx
	if conn == nil {
		conn = r.db
	}
	if err := conn.WithContext(ctx).Create(event).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "insert event", err)
	}
	return nil
}

func (r *eventRepo) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	var event model.Event
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.Newf(coreerr.KindNotFound, "event %s", id)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "get event", err)
	}
	return &event, nil
}

// MarkProcessed sets the terminal processed status. The status guard in the
// WHERE clause makes repeats no-ops.
func (r *eventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ? AND status = ?", id, model.EventStatusPending).
		Updates(map[string]any{
			"status":       model.EventStatusProcessed,
			"processed_at": at,
		}).Error
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "mark processed", err)
	}
	return nil
}

// MarkFailed sets the terminal failed status with a truncated error message.
func (r *eventRepo) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, errMsg string) error {
	if len(errMsg) > model.MaxErrorMessageLen {
		errMsg = errMsg[:model.MaxErrorMessageLen]
	}
	err := r.db.WithContext(ctx).
		Model(&model.Event{}).
		Where("id = ? AND status = ?", id, model.EventStatusPending).
		Updates(map[string]any{
			"status":        model.EventStatusFailed,
			"processed_at":  at,
			"error_message": errMsg,
		}).Error
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "mark failed", err)
	}
	return nil
}

// ListForReplay returns events ascending by created_at. eventType and since
// are optional filters.
func (r *eventRepo) ListForReplay(ctx context.Context, tenantID uuid.UUID, eventType string, since time.Time, limit int) ([]model.Event, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if eventType != "" {
		q = q.Where("type = ?", eventType)
	}
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	var events []model.Event
	err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "list for replay", err)
	}
	return events, nil
}
