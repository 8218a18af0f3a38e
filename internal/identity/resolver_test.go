package identity

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

type stubReviewer struct {
	calls []string
}

func (s *stubReviewer) QueueIdentityReview(_ context.Context, _ uuid.UUID, channel model.ChannelType, identifier string) error {
	s.calls = append(s.calls, string(channel)+":"+identifier)
	return nil
}

func newLeadRepo(t *testing.T) store.LeadRepo {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return store.NewLeadRepo(db, logger.NewNop())
}

func newResolver(t *testing.T, leads store.LeadRepo, reviewer Reviewer, policy Policy) *Resolver {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	return New(leads, reviewer, policy, clk, logger.NewNop())
}

func TestResolveCreatesLeadStub(t *testing.T) {
	leads := newLeadRepo(t)
	r := newResolver(t, leads, nil, PolicyCreateLeadStub)
	tenantID := uuid.New()
	ctx := context.Background()

	lead, created, err := r.Resolve(ctx, tenantID, model.ChannelWhatsApp, "+49 151 234 5678")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "+491512345678", lead.Phone)
	assert.Equal(t, model.ChannelWhatsApp, lead.PreferredChannel)
	assert.Equal(t, model.ContactStatusNeverContacted, lead.ContactStatus)
	assert.Equal(t, "whatsapp", lead.Source)

	ident, err := leads.FindIdentity(ctx, tenantID, model.ChannelWhatsApp, "+49 151 234 5678")
	require.NoError(t, err)
	assert.Equal(t, lead.ID, ident.LeadID)
}

func TestResolveReturnsExistingLead(t *testing.T) {
	leads := newLeadRepo(t)
	r := newResolver(t, leads, nil, PolicyCreateLeadStub)
	tenantID := uuid.New()
	ctx := context.Background()

	first, created, err := r.Resolve(ctx, tenantID, model.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := r.Resolve(ctx, tenantID, model.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	ident, err := leads.FindIdentity(ctx, tenantID, model.ChannelSMS, "+15550001111")
	require.NoError(t, err)
	assert.NotNil(t, ident.LastActiveAt)
}

func TestResolveAttachesToDuplicateLead(t *testing.T) {
	leads := newLeadRepo(t)
	r := newResolver(t, leads, nil, PolicyCreateLeadStub)
	tenantID := uuid.New()
	ctx := context.Background()

	existing := &model.Lead{
		TenantID: tenantID,
		Name:     "Anna Schmidt",
		Email:    "anna@example.com",
	}
	require.NoError(t, leads.Create(ctx, nil, existing))

	lead, created, err := r.Resolve(ctx, tenantID, model.ChannelEmail, " Anna@Example.com ")
	require.NoError(t, err)
	assert.False(t, created, "duplicate check must attach, not create")
	assert.Equal(t, existing.ID, lead.ID)

	ident, err := leads.FindIdentity(ctx, tenantID, model.ChannelEmail, " Anna@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, ident.LeadID)
}

func TestResolveRejectPolicy(t *testing.T) {
	leads := newLeadRepo(t)
	r := newResolver(t, leads, nil, PolicyReject)

	_, _, err := r.Resolve(context.Background(), uuid.New(), model.ChannelWhatsApp, "+4915100000000")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestResolveManualReviewPolicy(t *testing.T) {
	leads := newLeadRepo(t)
	reviewer := &stubReviewer{}
	r := newResolver(t, leads, reviewer, PolicyManualReview)

	_, _, err := r.Resolve(context.Background(), uuid.New(), model.ChannelEmail, "stranger@example.com")
	assert.ErrorIs(t, err, ErrManualReview)
	require.Len(t, reviewer.calls, 1)
	assert.Equal(t, "email:stranger@example.com", reviewer.calls[0])
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+4915123456", NormalizePhone(" +49 (151) 234-56 "))
	assert.Equal(t, "15550001111", NormalizePhone("1 555 000 1111"))
	assert.Equal(t, "", NormalizePhone("no digits"))
}

func TestNormalizeHandle(t *testing.T) {
	assert.Equal(t, "annas", NormalizeHandle("@AnnaS"))
	assert.Equal(t, "annas", NormalizeHandle("https://instagram.com/annas"))
	assert.Equal(t, "annas", NormalizeHandle("www.instagram.com/AnnaS"))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "anna schmidt", NormalizeName("  Anna   Schmidt "))
}
