// Package scheduler scans for due sequence actions and gates dispatch on
// quiet hours, channel rate limits and the per-lead in-flight guard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/kv"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/sequence"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// Params are the dispatcher tuning knobs.
type Params struct {
	TickInterval    time.Duration
	QuietHoursStart int // local hour, inclusive
	QuietHoursEnd   int // local hour, exclusive
	InFlightTTL     time.Duration
	BatchLimit      int
	DedupRetention  time.Duration // step attempts older than this are pruned
}

// TenantSource lists the tenants a dispatcher instance serves.
type TenantSource interface {
	Tenants(ctx context.Context) ([]uuid.UUID, error)
}

// StaticTenants is a fixed tenant list.
type StaticTenants []uuid.UUID

func (s StaticTenants) Tenants(context.Context) ([]uuid.UUID, error) { return s, nil }

// Dispatcher runs the periodic due-action scan.
type Dispatcher struct {
	states   store.StateRepo
	seqs     store.SequenceRepo
	leads    store.LeadRepo
	attempts store.AttemptRepo
	registry *channel.Registry
	guard    kv.KV
	events   *eventlog.Log
	engine   *sequence.Engine
	tenants  TenantSource
	clk      clock.Clock
	params   Params
	log      *logger.Logger
}

// New creates the dispatcher.
func New(
	st *store.Store,
	registry *channel.Registry,
	guard kv.KV,
	events *eventlog.Log,
	engine *sequence.Engine,
	tenants TenantSource,
	clk clock.Clock,
	params Params,
	log *logger.Logger,
) *Dispatcher {
	if params.TickInterval <= 0 {
		params.TickInterval = time.Minute
	}
	if params.InFlightTTL <= 0 {
		params.InFlightTTL = 2 * time.Minute
	}
	if params.BatchLimit <= 0 {
		params.BatchLimit = 100
	}
	if params.DedupRetention <= 0 {
		params.DedupRetention = 24 * time.Hour
	}
	return &Dispatcher{
		states:   st.States,
		seqs:     st.Sequences,
		leads:    st.Leads,
		attempts: st.Attempts,
		registry: registry,
		guard:    guard,
		events:   events,
		engine:   engine,
		tenants:  tenants,
		clk:      clk,
		params:   params,
		log:      log.With("component", "Dispatcher"),
	}
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.params.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tenants, err := d.tenants.Tenants(ctx)
			if err != nil {
				d.log.Error("failed to list tenants", "error", err)
				continue
			}
			for _, tenantID := range tenants {
				if err := d.Tick(ctx, tenantID); err != nil {
					d.log.Error("tick failed", "tenant_id", tenantID, "error", err)
				}
			}
			if pruned, err := d.attempts.PruneBefore(ctx, d.clk.Now().Add(-d.params.DedupRetention)); err != nil {
				d.log.Error("attempt prune failed", "error", err)
			} else if pruned > 0 {
				d.log.Info("pruned step attempts", "count", pruned)
			}
		}
	}
}

// Tick runs one scan for a tenant: due steps, ghost sweep, reactivations.
func (d *Dispatcher) Tick(ctx context.Context, tenantID uuid.UUID) error {
	start := time.Now()
	defer func() {
		metrics.SchedulerTickDuration.WithLabelValues(tenantID.String()).Observe(time.Since(start).Seconds())
	}()

	now := d.clk.Now()

	due, err := d.states.DueStates(ctx, tenantID, now, d.params.BatchLimit)
	if err != nil {
		return err
	}
	for i := range due {
		if err := d.dispatch(ctx, &due[i], now); err != nil {
			d.log.Error("dispatch failed", "state_id", due[i].ID, "error", err)
		}
	}

	if err := d.engine.GhostSweep(ctx, tenantID, d.params.BatchLimit); err != nil {
		d.log.Error("ghost sweep failed", "tenant_id", tenantID, "error", err)
	}

	reactivations, err := d.states.ReactivationsDue(ctx, tenantID, now, d.params.BatchLimit)
	if err != nil {
		return err
	}
	for i := range reactivations {
		if err := d.emitAction(ctx, &reactivations[i], model.EventSequenceReactivate); err != nil {
			d.log.Error("reactivation emit failed", "state_id", reactivations[i].ID, "error", err)
		}
	}
	return nil
}

// dispatch runs the gates for one due state and emits the action event.
func (d *Dispatcher) dispatch(ctx context.Context, state *model.SequenceState, now time.Time) error {
	// The row may be stale by the time we get here; consult the live state.
	live, err := d.states.Get(ctx, state.ID)
	if err != nil {
		return err
	}
	if live.Status.Terminal() || live.Status == model.SequenceGhosted || live.Status == model.SequencePaused {
		metrics.SchedulerDeferrals.WithLabelValues("stale").Inc()
		return nil
	}
	if live.NextActionAt == nil || now.Before(*live.NextActionAt) {
		metrics.SchedulerDeferrals.WithLabelValues("stale").Inc()
		return nil
	}
	state = live

	lead, err := d.leads.Get(ctx, state.TenantID, state.LeadID)
	if err != nil {
		return err
	}

	if deferTo, quiet := d.quietHoursDefer(lead, now); quiet {
		metrics.SchedulerDeferrals.WithLabelValues("quiet_hours").Inc()
		return d.deferUntil(ctx, state, deferTo)
	}

	step, err := d.currentStep(ctx, state)
	if err != nil {
		return err
	}
	if step != nil && !d.registry.AllowSend(state.TenantID, step.Channel) {
		metrics.SchedulerDeferrals.WithLabelValues("rate_limit").Inc()
		return nil // bucket refills; the next tick retries
	}

	acquired, err := d.guard.SetNX(ctx, inFlightKey(state.TenantID, state.LeadID), state.ID.String(), d.params.InFlightTTL)
	if err != nil {
		return err
	}
	if !acquired {
		metrics.SchedulerDeferrals.WithLabelValues("in_flight").Inc()
		return nil
	}

	return d.emitAction(ctx, state, model.EventAutopilotActionDue)
}

// emitAction appends the action event chained to the state's correlation.
func (d *Dispatcher) emitAction(ctx context.Context, state *model.SequenceState, eventType string) error {
	_, err := d.events.Append(ctx, eventlog.AppendInput{
		TenantID:      state.TenantID,
		Type:          eventType,
		Payload:       map[string]any{"state_id": state.ID.String(), "lead_id": state.LeadID.String()},
		Source:        "scheduler",
		CorrelationID: state.ID,
	})
	return err
}

func (d *Dispatcher) currentStep(ctx context.Context, state *model.SequenceState) (*model.FollowUpStep, error) {
	seq, err := d.seqs.Get(ctx, state.TenantID, state.SequenceID)
	if err != nil {
		return nil, err
	}
	if state.CurrentStepIndex >= len(seq.Steps) {
		return nil, nil
	}
	return &seq.Steps[state.CurrentStepIndex], nil
}

// quietHoursDefer reports whether now falls in the lead's local quiet window
// and, if so, the next in-window send time.
func (d *Dispatcher) quietHoursDefer(lead *model.Lead, now time.Time) (time.Time, bool) {
	loc := time.UTC
	if lead.Timezone != "" {
		if l, err := time.LoadLocation(lead.Timezone); err == nil {
			loc = l
		} else {
			d.log.Warn("invalid lead timezone, using UTC", "lead_id", lead.ID, "timezone", lead.Timezone)
		}
	}

	local := now.In(loc)
	start, end := d.params.QuietHoursStart, d.params.QuietHoursEnd
	if start == end {
		return time.Time{}, false
	}

	inQuiet := false
	if start > end { // window wraps midnight, e.g. 21 -> 8
		inQuiet = local.Hour() >= start || local.Hour() < end
	} else {
		inQuiet = local.Hour() >= start && local.Hour() < end
	}
	if !inQuiet {
		return time.Time{}, false
	}

	next := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.Add(24 * time.Hour)
	}
	return next.UTC(), true
}

func (d *Dispatcher) deferUntil(ctx context.Context, state *model.SequenceState, until time.Time) error {
	state.NextActionAt = &until
	if err := d.states.Save(ctx, state); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil // another worker moved it; their view wins
		}
		return err
	}
	return nil
}

func inFlightKey(tenantID, leadID uuid.UUID) string {
	return fmt.Sprintf("inflight:%s:%s", tenantID, leadID)
}

// ReleaseInFlight clears the in-flight guard after a send completes.
func (d *Dispatcher) ReleaseInFlight(ctx context.Context, tenantID, leadID uuid.UUID) error {
	return d.guard.Del(ctx, inFlightKey(tenantID, leadID))
}
