package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// ErrVersionConflict is returned when an optimistic state update lost the
// race; the caller reloads and re-advances.
var ErrVersionConflict = errors.New("sequence state version conflict")

// SequenceRepo reads published sequence definitions.
type SequenceRepo interface {
	Get(ctx context.Context, tenantID, sequenceID uuid.UUID) (*model.FollowUpSequence, error)
	Default(ctx context.Context, tenantID uuid.UUID) (*model.FollowUpSequence, error)
	ByTriggerKey(ctx context.Context, tenantID uuid.UUID, triggerKey string) (*model.FollowUpSequence, error)
	Create(ctx context.Context, seq *model.FollowUpSequence) error
}

type sequenceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewSequenceRepo creates the sequence definition repository.
func NewSequenceRepo(db *gorm.DB, baseLog *logger.Logger) SequenceRepo {
	return &sequenceRepo{db: db, log: baseLog.With("repo", "SequenceRepo")}
}

func (r *sequenceRepo) Get(ctx context.Context, tenantID, sequenceID uuid.UUID) (*model.FollowUpSequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.first(ctx, r.db.Where("tenant_id = ? AND id = ?", tenantID, sequenceID))
}

func (r *sequenceRepo) Default(ctx context.Context, tenantID uuid.UUID) (*model.FollowUpSequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.first(ctx, r.db.Where("tenant_id = ? AND is_default = ? AND is_active = ?", tenantID, true, true))
}

func (r *sequenceRepo) ByTriggerKey(ctx context.Context, tenantID uuid.UUID, triggerKey string) (*model.FollowUpSequence, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.first(ctx, r.db.
		Where("tenant_id = ? AND trigger_key = ? AND is_active = ?", tenantID, triggerKey, true).
		Order("version DESC"))
}

func (r *sequenceRepo) first(ctx context.Context, q *gorm.DB) (*model.FollowUpSequence, error) {
	var seq model.FollowUpSequence
	err := q.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.New(coreerr.KindNotFound, "sequence")
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "get sequence", err)
	}
	return &seq, nil
}

func (r *sequenceRepo) Create(ctx context.Context, seq *model.FollowUpSequence) error {
	if err := requireTenant(seq.TenantID); err != nil {
		return err
	}
	if seq.ID == uuid.Nil {
		seq.ID = uuid.Must(uuid.NewV7())
	}
	for i := range seq.Steps {
		if seq.Steps[i].ID == uuid.Nil {
			seq.Steps[i].ID = uuid.Must(uuid.NewV7())
		}
		seq.Steps[i].SequenceID = seq.ID
	}
	if err := r.db.WithContext(ctx).Create(seq).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create sequence", err)
	}
	return nil
}

// StateRepo persists per-lead sequence cursors.
type StateRepo interface {
	Get(ctx context.Context, stateID uuid.UUID) (*model.SequenceState, error)
	Create(ctx context.Context, state *model.SequenceState) error
	Save(ctx context.Context, state *model.SequenceState) error
	ActiveForPair(ctx context.Context, tenantID, leadID, sequenceID uuid.UUID) (*model.SequenceState, error)
	ActiveForLead(ctx context.Context, tenantID, leadID uuid.UUID) ([]model.SequenceState, error)
	DueStates(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]model.SequenceState, error)
	GhostCandidates(ctx context.Context, tenantID uuid.UUID, cutoff time.Time, limit int) ([]model.SequenceState, error)
	ReactivationsDue(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]model.SequenceState, error)
}

type stateRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewStateRepo creates the sequence state repository.
func NewStateRepo(db *gorm.DB, baseLog *logger.Logger) StateRepo {
	return &stateRepo{db: db, log: baseLog.With("repo", "StateRepo")}
}

func (r *stateRepo) Get(ctx context.Context, stateID uuid.UUID) (*model.SequenceState, error) {
	var state model.SequenceState
	err := r.db.WithContext(ctx).Where("id = ?", stateID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coreerr.Newf(coreerr.KindNotFound, "sequence state %s", stateID)
	}
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "get state", err)
	}
	return &state, nil
}

func (r *stateRepo) Create(ctx context.Context, state *model.SequenceState) error {
	if err := requireTenant(state.TenantID); err != nil {
		return err
	}
	if state.ID == uuid.Nil {
		state.ID = uuid.Must(uuid.NewV7())
	}
	if err := r.db.WithContext(ctx).Create(state).Error; err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "create state", err)
	}
	return nil
}

// Save writes the state under optimistic concurrency. The version column
// guards against lost updates from parallel dispatcher workers.
func (r *stateRepo) Save(ctx context.Context, state *model.SequenceState) error {
	if err := requireTenant(state.TenantID); err != nil {
		return err
	}
	prev := state.Version
	state.Version = prev + 1
	res := r.db.WithContext(ctx).
		Model(&model.SequenceState{}).
		Where("id = ? AND version = ?", state.ID, prev).
		Select("*").
		Omit("id", "created_at").
		Updates(state)
	if res.Error != nil {
		state.Version = prev
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "save state", res.Error)
	}
	if res.RowsAffected == 0 {
		state.Version = prev
		return ErrVersionConflict
	}
	return nil
}

// ActiveForPair returns the non-terminal state for (lead, sequence), or nil.
func (r *stateRepo) ActiveForPair(ctx context.Context, tenantID, leadID, sequenceID uuid.UUID) (*model.SequenceState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var states []model.SequenceState
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ? AND sequence_id = ? AND status NOT IN ?",
			tenantID, leadID, sequenceID, terminalStatuses()).
		Limit(1).
		Find(&states).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "active state", err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// ActiveForLead returns all non-terminal states for the lead.
func (r *stateRepo) ActiveForLead(ctx context.Context, tenantID, leadID uuid.UUID) ([]model.SequenceState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var states []model.SequenceState
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND lead_id = ? AND status NOT IN ?", tenantID, leadID, terminalStatuses()).
		Find(&states).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "active states", err)
	}
	return states, nil
}

// DueStates selects states whose next action is due. On postgres the rows are
// locked with SKIP LOCKED so parallel dispatcher workers never pick the same
// row.
func (r *stateRepo) DueStates(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]model.SequenceState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	q := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ? AND next_action_at IS NOT NULL AND next_action_at <= ?",
			tenantID, []model.SequenceStatus{model.SequenceInProgress, model.SequenceWaitingResponse}, now).
		Order("next_action_at ASC").
		Limit(limit)
	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var states []model.SequenceState
	if err := q.Find(&states).Error; err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "due states", err)
	}
	return states, nil
}

// GhostCandidates returns waiting_response states with no activity since the
// cutoff.
func (r *stateRepo) GhostCandidates(ctx context.Context, tenantID uuid.UUID, cutoff time.Time, limit int) ([]model.SequenceState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var states []model.SequenceState
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ? AND last_step_completed_at IS NOT NULL AND last_step_completed_at <= ?",
			tenantID, model.SequenceWaitingResponse, cutoff).
		Limit(limit).
		Find(&states).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "ghost candidates", err)
	}
	return states, nil
}

// ReactivationsDue returns ghosted or stopped states whose reactivation date
// has arrived.
func (r *stateRepo) ReactivationsDue(ctx context.Context, tenantID uuid.UUID, now time.Time, limit int) ([]model.SequenceState, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	var states []model.SequenceState
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ? AND reactivate_at IS NOT NULL AND reactivate_at <= ?",
			tenantID, []model.SequenceStatus{model.SequenceGhosted, model.SequenceStopped}, now).
		Limit(limit).
		Find(&states).Error
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "reactivations due", err)
	}
	return states, nil
}

func terminalStatuses() []model.SequenceStatus {
	return []model.SequenceStatus{model.SequenceCompleted, model.SequenceStopped}
}

// AttemptRepo records step-execution dedup keys.
type AttemptRepo interface {
	// Record inserts the attempt; when the key already exists it returns the
	// stored attempt and created=false.
	Record(ctx context.Context, attempt *model.StepAttempt) (*model.StepAttempt, bool, error)
	// SetOutcome stores the execution outcome on an existing attempt.
	SetOutcome(ctx context.Context, attemptID uuid.UUID, outcome datatypes.JSON) error
	// PruneBefore deletes attempts created before the cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type attemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewAttemptRepo creates the step attempt repository.
func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return &attemptRepo{db: db, log: baseLog.With("repo", "AttemptRepo")}
}

func (r *attemptRepo) Record(ctx context.Context, attempt *model.StepAttempt) (*model.StepAttempt, bool, error) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.Must(uuid.NewV7())
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "state_id"}, {Name: "step_index"}, {Name: "action"}},
			DoNothing: true,
		}).
		Create(attempt)
	if res.Error != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStorageUnavailable, "record attempt", res.Error)
	}
	if res.RowsAffected > 0 {
		return attempt, true, nil
	}
	var existing model.StepAttempt
	err := r.db.WithContext(ctx).
		Where("state_id = ? AND step_index = ? AND action = ?", attempt.StateID, attempt.StepIndex, attempt.Action).
		First(&existing).Error
	if err != nil {
		return nil, false, coreerr.Wrap(coreerr.KindStorageUnavailable, "load attempt", err)
	}
	return &existing, false, nil
}

func (r *attemptRepo) SetOutcome(ctx context.Context, attemptID uuid.UUID, outcome datatypes.JSON) error {
	err := r.db.WithContext(ctx).
		Model(&model.StepAttempt{}).
		Where("id = ?", attemptID).
		Update("outcome", outcome).Error
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "set attempt outcome", err)
	}
	return nil
}

func (r *attemptRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.StepAttempt{})
	if res.Error != nil {
		return 0, coreerr.Wrap(coreerr.KindStorageUnavailable, "prune attempts", res.Error)
	}
	return res.RowsAffected, nil
}
