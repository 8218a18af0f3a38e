// Package sequence implements the follow-up state machine: enrollment,
// timer- and inbound-driven advancement, ghosting and reactivation.
package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/llm"
	"github.com/capitalize-ai/followup-core/internal/memory"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

const (
	actionSend = "send"

	maxSaveRetries = 3
)

// Params are the state-machine tuning knobs.
type Params struct {
	GhostThreshold  time.Duration // waiting_response age before ghosting
	ReactivationMin int           // days, inclusive lower bound
	ReactivationMax int           // days, inclusive upper bound
	MaxHoldBackoff  time.Duration // cap on the condition-fail backoff
}

// Engine drives SequenceState transitions.
type Engine struct {
	sequences  store.SequenceRepo
	states     store.StateRepo
	attempts   store.AttemptRepo
	messages   store.MessageRepo
	leads      store.LeadRepo
	registry   *channel.Registry
	classifier llm.Classifier
	memory     *memory.Manager
	events     *eventlog.Log
	renderer   Renderer
	clk        clock.Clock
	params     Params
	log        *logger.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates the sequence engine.
func New(
	st *store.Store,
	registry *channel.Registry,
	classifier llm.Classifier,
	mem *memory.Manager,
	events *eventlog.Log,
	renderer Renderer,
	clk clock.Clock,
	params Params,
	log *logger.Logger,
) *Engine {
	if params.GhostThreshold <= 0 {
		params.GhostThreshold = 14 * 24 * time.Hour
	}
	if params.ReactivationMin <= 0 {
		params.ReactivationMin = 60
	}
	if params.ReactivationMax < params.ReactivationMin {
		params.ReactivationMax = 90
	}
	if params.MaxHoldBackoff <= 0 {
		params.MaxHoldBackoff = 7 * 24 * time.Hour
	}
	return &Engine{
		sequences:  st.Sequences,
		states:     st.States,
		attempts:   st.Attempts,
		messages:   st.Messages,
		leads:      st.Leads,
		registry:   registry,
		classifier: classifier,
		memory:     mem,
		events:     events,
		renderer:   renderer,
		clk:        clk,
		params:     params,
		log:        log.With("component", "SequenceEngine"),
		rng:        rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Enroll creates a state for (lead, sequence) unless a non-terminal one
// already exists. The first step is scheduled at now + steps[0].day_offset.
func (e *Engine) Enroll(ctx context.Context, lead *model.Lead, seq *model.FollowUpSequence) (*model.SequenceState, error) {
	existing, err := e.states.ActiveForPair(ctx, lead.TenantID, lead.ID, seq.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if len(seq.Steps) == 0 {
		return nil, fmt.Errorf("sequence %s has no steps", seq.ID)
	}

	now := e.clk.Now()
	next := now.Add(time.Duration(seq.Steps[0].DayOffset) * 24 * time.Hour)
	state := &model.SequenceState{
		TenantID:         lead.TenantID,
		LeadID:           lead.ID,
		SequenceID:       seq.ID,
		Status:           model.SequenceInProgress,
		CurrentStepIndex: 0,
		StartedAt:        &now,
		NextActionAt:     &next,
		CreatedAt:        now,
	}
	if err := e.states.Create(ctx, state); err != nil {
		return nil, err
	}
	metrics.SequenceTransitions.WithLabelValues(string(model.SequenceInProgress)).Inc()

	if lead.ContactStatus == model.ContactStatusNeverContacted || lead.ContactStatus == model.ContactStatusDormant {
		lead.ContactStatus = model.ContactStatusInSequence
		if err := e.leads.Update(ctx, nil, lead); err != nil {
			e.log.Warn("failed to update lead status on enroll", "lead_id", lead.ID, "error", err)
		}
	}

	e.log.Info("enrolled lead", "lead_id", lead.ID, "sequence_id", seq.ID, "next_action_at", next)
	return state, nil
}

// EnrollDefault enrolls the lead into the tenant's default sequence. A tenant
// without one is a no-op.
func (e *Engine) EnrollDefault(ctx context.Context, lead *model.Lead) (*model.SequenceState, error) {
	seq, err := e.sequences.Default(ctx, lead.TenantID)
	if err != nil {
		return nil, nil
	}
	return e.Enroll(ctx, lead, seq)
}

// Advance evaluates and executes the current step if due. Safe to call from
// multiple workers; the step attempt key and the state version guard races.
func (e *Engine) Advance(ctx context.Context, state *model.SequenceState) error {
	now := e.clk.Now()

	if state.Status.Terminal() || state.Status == model.SequenceGhosted {
		return nil
	}
	if state.PausedUntil != nil && now.Before(*state.PausedUntil) {
		return nil
	}
	if state.NextActionAt != nil && now.Before(*state.NextActionAt) {
		return nil
	}

	seq, err := e.sequences.Get(ctx, state.TenantID, state.SequenceID)
	if err != nil {
		return err
	}
	if state.CurrentStepIndex >= len(seq.Steps) {
		return e.complete(ctx, state, now)
	}
	step := seq.Steps[state.CurrentStepIndex]

	lead, err := e.leads.Get(ctx, state.TenantID, state.LeadID)
	if err != nil {
		return err
	}

	pass, err := e.conditionPasses(ctx, state, step)
	if err != nil {
		return err
	}
	if !pass {
		e.appendEvent(ctx, state, model.EventSequenceStalled, map[string]any{
			"lead_id":    state.LeadID.String(),
			"step_index": step.OrderIndex,
			"condition":  string(step.Condition),
		})
		return e.hold(ctx, state, now)
	}

	attempt, created, err := e.attempts.Record(ctx, &model.StepAttempt{
		StateID:   state.ID,
		StepIndex: step.OrderIndex,
		Action:    actionSend,
		CreatedAt: now,
	})
	if err != nil {
		return err
	}
	if !created {
		// A prior worker already sent this step. Re-apply the transition in
		// case its state save lost the race, but never re-send.
		e.log.Info("step already attempted, skipping send",
			"state_id", state.ID, "step_index", step.OrderIndex)
		return e.progress(ctx, state, seq, now)
	}

	content, err := e.renderer.Render(ctx, step.TemplateKey, lead, nil)
	if err != nil {
		e.recordOutcome(ctx, attempt, "render_error", err.Error())
		return e.hold(ctx, state, now)
	}

	recipient, err := recipientFor(lead, step.Channel)
	if err != nil {
		e.recordOutcome(ctx, attempt, "no_recipient", err.Error())
		return e.hold(ctx, state, now)
	}

	receipt, err := e.registry.Send(ctx, state.TenantID, step.Channel, &model.OutboundMessage{
		Recipient:   recipient,
		Content:     content,
		ContentType: model.ContentTypeText,
		TemplateKey: step.TemplateKey,
	})
	if err != nil {
		e.recordOutcome(ctx, attempt, "send_error", err.Error())
		e.appendEvent(ctx, state, model.EventSendFailed, map[string]any{
			"lead_id":    state.LeadID.String(),
			"step_index": step.OrderIndex,
			"channel":    string(step.Channel),
			"error":      err.Error(),
		})
		return e.hold(ctx, state, now)
	}

	msg := &model.Message{
		TenantID:    state.TenantID,
		LeadID:      state.LeadID,
		ChannelType: step.Channel,
		Direction:   model.DirectionOutbound,
		Content:     content,
		ContentType: model.ContentTypeText,
		CreatedAt:   now,
	}
	if err := e.memory.AddMessage(ctx, msg); err != nil {
		e.log.Error("failed to persist outbound message", "lead_id", state.LeadID, "error", err)
	}

	e.recordOutcome(ctx, attempt, "sent", receipt.VendorMessageID)
	e.appendEvent(ctx, state, model.EventSequenceStepExecuted, map[string]any{
		"lead_id":           state.LeadID.String(),
		"step_index":        step.OrderIndex,
		"channel":           string(step.Channel),
		"template_key":      step.TemplateKey,
		"vendor_message_id": receipt.VendorMessageID,
	})
	e.appendEvent(ctx, state, model.EventMessageSent, map[string]any{
		"lead_id": state.LeadID.String(),
		"channel": string(step.Channel),
	})

	lead.ContactCount++
	lead.LastContactAt = &now
	lead.ContactStatus = model.ContactStatusAwaitingReply
	if err := e.leads.Update(ctx, nil, lead); err != nil {
		e.log.Warn("failed to update lead after send", "lead_id", lead.ID, "error", err)
	}

	return e.progress(ctx, state, seq, now)
}

// progress moves the cursor past the current step and schedules the next one.
func (e *Engine) progress(ctx context.Context, state *model.SequenceState, seq *model.FollowUpSequence, now time.Time) error {
	return e.save(ctx, state, func(s *model.SequenceState) {
		s.LastStepScheduledAt = &now
		s.LastStepCompletedAt = &now
		s.CurrentStepIndex++
		s.HoldCount = 0
		if s.CurrentStepIndex >= len(seq.Steps) {
			s.Status = model.SequenceCompleted
			s.CompletedAt = &now
			s.NextActionAt = nil
			metrics.SequenceTransitions.WithLabelValues(string(model.SequenceCompleted)).Inc()
			return
		}
		s.Status = model.SequenceWaitingResponse
		next := now.Add(time.Duration(seq.Steps[s.CurrentStepIndex].DayOffset) * 24 * time.Hour)
		s.NextActionAt = &next
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceWaitingResponse)).Inc()
	})
}

// hold keeps the state in waiting_response and re-arms with exponential
// backoff capped at the configured maximum.
func (e *Engine) hold(ctx context.Context, state *model.SequenceState, now time.Time) error {
	return e.save(ctx, state, func(s *model.SequenceState) {
		backoff := 24 * time.Hour << uint(s.HoldCount)
		if backoff > e.params.MaxHoldBackoff || backoff <= 0 {
			backoff = e.params.MaxHoldBackoff
		}
		next := now.Add(backoff)
		s.Status = model.SequenceWaitingResponse
		s.NextActionAt = &next
		s.HoldCount++
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceWaitingResponse)).Inc()
	})
}

func (e *Engine) complete(ctx context.Context, state *model.SequenceState, now time.Time) error {
	return e.save(ctx, state, func(s *model.SequenceState) {
		s.Status = model.SequenceCompleted
		s.CompletedAt = &now
		s.NextActionAt = nil
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceCompleted)).Inc()
	})
}

// save applies mutate under optimistic concurrency, reloading and re-applying
// on version conflicts.
func (e *Engine) save(ctx context.Context, state *model.SequenceState, mutate func(*model.SequenceState)) error {
	for i := 0; i < maxSaveRetries; i++ {
		mutate(state)
		err := e.states.Save(ctx, state)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		fresh, gerr := e.states.Get(ctx, state.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status.Terminal() {
			*state = *fresh
			return nil
		}
		*state = *fresh
	}
	return store.ErrVersionConflict
}

// conditionPasses evaluates the step condition against the lead's recent
// interaction history.
func (e *Engine) conditionPasses(ctx context.Context, state *model.SequenceState, step model.FollowUpStep) (bool, error) {
	switch step.Condition {
	case model.ConditionAlways, "":
		return true, nil
	case model.ConditionNoReply:
		inbound, err := e.lastInboundSinceOutbound(ctx, state)
		if err != nil {
			return false, err
		}
		return inbound == nil, nil
	case model.ConditionRepliedPositive, model.ConditionRepliedNegative:
		inbound, err := e.lastInboundSinceOutbound(ctx, state)
		if err != nil {
			return false, err
		}
		if inbound == nil {
			return false, nil
		}
		sentiment, err := e.classifier.Classify(ctx, inbound.Content)
		if err != nil {
			return false, err
		}
		if step.Condition == model.ConditionRepliedPositive {
			return sentiment == llm.SentimentPositive, nil
		}
		return sentiment == llm.SentimentNegative, nil
	default:
		return false, fmt.Errorf("unknown step condition %q", step.Condition)
	}
}

func (e *Engine) lastInboundSinceOutbound(ctx context.Context, state *model.SequenceState) (*model.Message, error) {
	var since time.Time
	outbound, err := e.messages.LastOutbound(ctx, state.TenantID, state.LeadID)
	if err != nil {
		return nil, err
	}
	if outbound != nil {
		since = outbound.CreatedAt
	}
	return e.messages.LastInboundSince(ctx, state.TenantID, state.LeadID, since)
}

// OnInbound reacts to an inbound message: waiting_response states move back
// to in_progress and the next step is evaluated immediately in case its
// condition already matches.
func (e *Engine) OnInbound(ctx context.Context, tenantID, leadID uuid.UUID, content string) error {
	states, err := e.states.ActiveForLead(ctx, tenantID, leadID)
	if err != nil {
		return err
	}

	sentiment, err := e.classifier.Classify(ctx, content)
	if err != nil {
		e.log.Warn("inbound classification failed", "lead_id", leadID, "error", err)
		sentiment = llm.SentimentNeutral
	}

	for i := range states {
		state := &states[i]
		if state.Status != model.SequenceWaitingResponse {
			continue
		}
		if err := e.save(ctx, state, func(s *model.SequenceState) {
			s.Status = model.SequenceInProgress
			s.LastInteractionType = string(sentiment)
			metrics.SequenceTransitions.WithLabelValues(string(model.SequenceInProgress)).Inc()
		}); err != nil {
			return err
		}
		if err := e.Advance(ctx, state); err != nil {
			e.log.Warn("advance after inbound failed", "state_id", state.ID, "error", err)
		}
	}
	return nil
}

// GhostSweep transitions stale waiting_response states to ghosted and
// schedules their one-shot reactivation.
func (e *Engine) GhostSweep(ctx context.Context, tenantID uuid.UUID, limit int) error {
	cutoff := e.clk.Now().Add(-e.params.GhostThreshold)
	candidates, err := e.states.GhostCandidates(ctx, tenantID, cutoff, limit)
	if err != nil {
		return err
	}

	for i := range candidates {
		state := &candidates[i]

		// Inbound activity since the last step exonerates the lead.
		inbound, err := e.messages.LastInboundSince(ctx, tenantID, state.LeadID, *state.LastStepCompletedAt)
		if err != nil {
			return err
		}
		if inbound != nil {
			continue
		}

		now := e.clk.Now()
		reactivateAt := now.Add(e.reactivationDelay())
		if err := e.save(ctx, state, func(s *model.SequenceState) {
			s.Status = model.SequenceGhosted
			s.NextActionAt = nil
			s.ReactivateAt = &reactivateAt
			metrics.SequenceTransitions.WithLabelValues(string(model.SequenceGhosted)).Inc()
		}); err != nil {
			return err
		}

		e.appendEvent(ctx, state, model.EventSequenceGhosted, map[string]any{
			"lead_id":       state.LeadID.String(),
			"reactivate_at": reactivateAt.Format(time.RFC3339),
		})
		e.log.Info("lead ghosted", "lead_id", state.LeadID, "reactivate_at", reactivateAt)
	}
	return nil
}

// reactivationDelay draws a uniform delay from the configured window.
func (e *Engine) reactivationDelay() time.Duration {
	e.mu.Lock()
	days := e.params.ReactivationMin + e.rng.Intn(e.params.ReactivationMax-e.params.ReactivationMin+1)
	e.mu.Unlock()
	return time.Duration(days) * 24 * time.Hour
}

// Reactivate retires the ghosted state and re-enrolls the lead into the
// tenant's reactivation sequence.
func (e *Engine) Reactivate(ctx context.Context, state *model.SequenceState) error {
	if state.Status.Terminal() {
		return nil
	}

	if err := e.save(ctx, state, func(s *model.SequenceState) {
		s.Status = model.SequenceStopped
		s.ReactivateAt = nil
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceStopped)).Inc()
	}); err != nil {
		return err
	}

	seq, err := e.sequences.ByTriggerKey(ctx, state.TenantID, model.TriggerKeyReactivation)
	if err != nil {
		e.log.Warn("no reactivation sequence configured", "tenant_id", state.TenantID)
		return nil
	}
	lead, err := e.leads.Get(ctx, state.TenantID, state.LeadID)
	if err != nil {
		return err
	}

	if _, err := e.Enroll(ctx, lead, seq); err != nil {
		return err
	}
	e.appendEvent(ctx, state, model.EventSequenceReactivate, map[string]any{
		"lead_id":     state.LeadID.String(),
		"sequence_id": seq.ID.String(),
	})
	return nil
}

// Pause suspends all advance checks until the given time.
func (e *Engine) Pause(ctx context.Context, state *model.SequenceState, until time.Time) error {
	if state.Status.Terminal() {
		return nil
	}
	return e.save(ctx, state, func(s *model.SequenceState) {
		s.Status = model.SequencePaused
		s.PausedUntil = &until
		s.NextActionAt = &until
		metrics.SequenceTransitions.WithLabelValues(string(model.SequencePaused)).Inc()
	})
}

// Resume lifts a pause and re-arms the current step immediately.
func (e *Engine) Resume(ctx context.Context, state *model.SequenceState) error {
	if state.Status != model.SequencePaused {
		return nil
	}
	now := e.clk.Now()
	return e.save(ctx, state, func(s *model.SequenceState) {
		s.Status = model.SequenceInProgress
		s.PausedUntil = nil
		s.NextActionAt = &now
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceInProgress)).Inc()
	})
}

// Stop terminates the state.
func (e *Engine) Stop(ctx context.Context, state *model.SequenceState) error {
	if state.Status.Terminal() {
		return nil
	}
	now := e.clk.Now()
	return e.save(ctx, state, func(s *model.SequenceState) {
		s.Status = model.SequenceStopped
		s.CompletedAt = &now
		s.NextActionAt = nil
		metrics.SequenceTransitions.WithLabelValues(string(model.SequenceStopped)).Inc()
	})
}

func (e *Engine) recordOutcome(ctx context.Context, attempt *model.StepAttempt, status, detail string) {
	outcome, err := json.Marshal(map[string]string{"status": status, "detail": detail})
	if err != nil {
		return
	}
	if err := e.attempts.SetOutcome(ctx, attempt.ID, datatypes.JSON(outcome)); err != nil {
		e.log.Warn("failed to record attempt outcome", "attempt_id", attempt.ID, "error", err)
	}
}

func (e *Engine) appendEvent(ctx context.Context, state *model.SequenceState, eventType string, payload map[string]any) {
	payload["state_id"] = state.ID.String()
	if _, err := e.events.Append(ctx, eventlog.AppendInput{
		TenantID: state.TenantID,
		Type:     eventType,
		Payload:  payload,
		Source:   "sequence-engine",
	}); err != nil {
		e.log.Warn("failed to append event", "type", eventType, "error", err)
	}
}

// recipientFor picks the channel-appropriate address from the lead record.
func recipientFor(lead *model.Lead, ct model.ChannelType) (string, error) {
	switch ct {
	case model.ChannelEmail:
		if lead.Email == "" {
			return "", fmt.Errorf("lead %s has no email", lead.ID)
		}
		return lead.Email, nil
	case model.ChannelSMS, model.ChannelWhatsApp:
		if lead.Phone == "" {
			return "", fmt.Errorf("lead %s has no phone", lead.ID)
		}
		return lead.Phone, nil
	default:
		return "", fmt.Errorf("unsupported channel %s", ct)
	}
}
