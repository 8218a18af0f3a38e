// Package identity maps (tenant, channel, identifier) tuples to leads and
// creates lead stubs for unknown senders per the tenant policy.
package identity

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// Policy decides what happens when an inbound sender is unknown.
type Policy string

const (
	PolicyCreateLeadStub Policy = "create_lead_stub"
	PolicyManualReview   Policy = "enqueue_for_manual_review"
	PolicyReject         Policy = "reject"
)

// ErrUnknownIdentity is returned under the reject policy.
var ErrUnknownIdentity = coreerr.New(coreerr.KindNotFound, "unknown sender identity rejected by tenant policy")

// ErrManualReview is returned under the manual-review policy after the
// review event has been queued.
var ErrManualReview = coreerr.New(coreerr.KindNotFound, "unknown sender identity queued for manual review")

// Reviewer receives identities held for manual review.
type Reviewer interface {
	QueueIdentityReview(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) error
}

// Resolver stitches channel identities to leads.
type Resolver struct {
	leads    store.LeadRepo
	reviewer Reviewer
	policy   Policy
	clk      clock.Clock
	log      *logger.Logger
}

// New creates a resolver with the tenant-wide unknown-identity policy.
func New(leads store.LeadRepo, reviewer Reviewer, policy Policy, clk clock.Clock, log *logger.Logger) *Resolver {
	if policy == "" {
		policy = PolicyCreateLeadStub
	}
	return &Resolver{
		leads:    leads,
		reviewer: reviewer,
		policy:   policy,
		clk:      clk,
		log:      log.With("component", "IdentityResolver"),
	}
}

// Resolve returns the lead owning the sender identity, creating one when the
// policy allows. The bool reports whether a new lead was created.
func (r *Resolver) Resolve(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) (*model.Lead, bool, error) {
	ident, err := r.leads.FindIdentity(ctx, tenantID, channel, identifier)
	if err == nil {
		now := r.clk.Now()
		ident.LastActiveAt = &now
		if err := r.leads.TouchIdentity(ctx, ident.ID, ident); err != nil {
			r.log.Warn("failed to touch identity", "identity_id", ident.ID, "error", err)
		}
		lead, err := r.leads.Get(ctx, tenantID, ident.LeadID)
		if err != nil {
			return nil, false, err
		}
		return lead, false, nil
	}
	if !coreerr.IsKind(err, coreerr.KindNotFound) {
		return nil, false, err
	}

	switch r.policy {
	case PolicyReject:
		return nil, false, ErrUnknownIdentity
	case PolicyManualReview:
		if r.reviewer != nil {
			if err := r.reviewer.QueueIdentityReview(ctx, tenantID, channel, identifier); err != nil {
				return nil, false, err
			}
		}
		return nil, false, ErrManualReview
	}

	// create_lead_stub: first try to attach to an existing lead via the
	// duplicate check, then fall back to a fresh stub.
	if lead := r.findDuplicate(ctx, tenantID, channel, identifier); lead != nil {
		if err := r.attachIdentity(ctx, tenantID, lead.ID, channel, identifier); err != nil {
			return nil, false, err
		}
		return lead, false, nil
	}

	lead := &model.Lead{
		TenantID:         tenantID,
		Name:             identifier,
		PreferredChannel: channel,
		ContactStatus:    model.ContactStatusNeverContacted,
		Source:           string(channel),
	}
	switch channel {
	case model.ChannelEmail:
		lead.Email = NormalizeEmail(identifier)
	case model.ChannelSMS, model.ChannelWhatsApp:
		lead.Phone = NormalizePhone(identifier)
	}

	if err := r.leads.Create(ctx, nil, lead); err != nil {
		return nil, false, err
	}
	if err := r.attachIdentity(ctx, tenantID, lead.ID, channel, identifier); err != nil {
		return nil, false, err
	}
	r.log.Info("created lead stub", "tenant_id", tenantID, "lead_id", lead.ID, "channel", channel)
	return lead, true, nil
}

func (r *Resolver) attachIdentity(ctx context.Context, tenantID, leadID uuid.UUID, channel model.ChannelType, identifier string) error {
	now := r.clk.Now()
	return r.leads.CreateIdentity(ctx, nil, &model.ChannelIdentity{
		TenantID:     tenantID,
		LeadID:       leadID,
		ChannelType:  channel,
		Identifier:   identifier,
		LastActiveAt: &now,
		CreatedAt:    now,
	})
}

// findDuplicate checks candidate fields in priority order: social handle,
// email, phone, normalized name. A hit attaches instead of creating.
func (r *Resolver) findDuplicate(ctx context.Context, tenantID uuid.UUID, channel model.ChannelType, identifier string) *model.Lead {
	type candidate struct {
		field string
		value string
		min   int
	}

	candidates := []candidate{
		{"social_handle", NormalizeHandle(identifier), 3},
		{"email", NormalizeEmail(identifier), 3},
		{"phone", NormalizePhone(identifier), 6},
		{"name", NormalizeName(identifier), 3},
	}

	for _, c := range candidates {
		if len(c.value) < c.min {
			continue
		}
		if c.field == "email" && !strings.Contains(c.value, "@") {
			continue
		}
		if c.field == "phone" && digitCount(c.value) < 6 {
			continue
		}
		lead, err := r.leads.FindByContactField(ctx, tenantID, c.field, c.value)
		if err == nil {
			r.log.Info("attached identity to existing lead",
				"tenant_id", tenantID, "lead_id", lead.ID, "matched_field", c.field, "channel", channel)
			return lead
		}
		if !coreerr.IsKind(err, coreerr.KindNotFound) {
			r.log.Warn("duplicate check lookup failed", "field", c.field, "error", err)
		}
	}
	return nil
}

// NormalizePhone strips a phone number to digits plus an optional leading
// plus sign.
func NormalizePhone(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeHandle strips a social handle of the @ prefix and any URL prefix.
func NormalizeHandle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range []string{"https://", "http://", "www."} {
		s = strings.TrimPrefix(s, prefix)
	}
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		s = s[idx+1:]
	}
	return strings.TrimPrefix(s, "@")
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeName lowercases, trims and collapses inner whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
