package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/followup-core/internal/channel"
	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/identity"
	"github.com/capitalize-ai/followup-core/internal/middleware"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

type webhookFixture struct {
	router   chi.Router
	st       *store.Store
	events   *eventlog.Log
	tenantID uuid.UUID
}

func newWebhookFixture(t *testing.T, policy identity.Policy) *webhookFixture {
	t.Helper()

	db, err := store.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	log := logger.NewNop()
	st := store.New(db, log)
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	events := eventlog.New(st.Events, nil, clk, log)

	registry := channel.NewRegistry(5*time.Second, channel.NewFake(model.ChannelWhatsApp))
	resolver := identity.New(st.Leads, nil, policy, clk, log)
	h := NewWebhookHandler(registry, resolver, events, log)

	router := chi.NewRouter()
	router.Post("/webhooks/{channel}", h.Receive)

	return &webhookFixture{router: router, st: st, events: events, tenantID: uuid.New()}
}

func (f *webhookFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req = req.WithContext(context.WithValue(req.Context(), middleware.TenantIDKey, f.tenantID.String()))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *webhookFixture) eventsOfType(t *testing.T, eventType string) []model.Event {
	t.Helper()
	events, err := f.st.Events.ListForReplay(context.Background(), f.tenantID, eventType, time.Time{}, 50)
	require.NoError(t, err)
	return events
}

func TestReceiveCreatesLeadAndAppendsEvents(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyCreateLeadStub)

	body := `{"sender_identifier": "+491512345678", "content": "hallo", "content_type": "text", "received_at": "2025-03-10T11:59:00Z"}`
	rec := f.post(t, "/webhooks/whatsapp", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		LeadID      uuid.UUID `json:"lead_id"`
		LeadCreated bool      `json:"lead_created"`
		EventID     uuid.UUID `json:"event_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.LeadCreated)
	assert.NotEqual(t, uuid.Nil, resp.LeadID)

	leadEvents := f.eventsOfType(t, model.EventLeadCreated)
	require.Len(t, leadEvents, 1)

	msgEvents := f.eventsOfType(t, model.EventMessageReceived)
	require.Len(t, msgEvents, 1)
	assert.Equal(t, resp.EventID, msgEvents[0].ID)

	// The message event is caused by the lead event and shares its correlation.
	require.NotNil(t, msgEvents[0].CausationID)
	assert.Equal(t, leadEvents[0].ID, *msgEvents[0].CausationID)
	assert.Equal(t, leadEvents[0].CorrelationID, msgEvents[0].CorrelationID)

	payload := eventlog.PayloadOf(&msgEvents[0])
	assert.Equal(t, resp.LeadID.String(), payload["lead_id"])
	assert.Equal(t, "hallo", payload["content"])
	assert.Equal(t, "webhook:whatsapp", msgEvents[0].Source)
}

func TestReceiveKnownSenderSkipsLeadEvent(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyCreateLeadStub)

	body := `{"sender_identifier": "+491512345678", "content": "hallo"}`
	require.Equal(t, http.StatusAccepted, f.post(t, "/webhooks/whatsapp", body).Code)

	rec := f.post(t, "/webhooks/whatsapp", `{"sender_identifier": "+491512345678", "content": "noch da?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		LeadCreated bool `json:"lead_created"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.LeadCreated)

	assert.Len(t, f.eventsOfType(t, model.EventLeadCreated), 1)
	assert.Len(t, f.eventsOfType(t, model.EventMessageReceived), 2)
}

func TestReceiveUnparseableRecordsRawPayload(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyCreateLeadStub)

	rec := f.post(t, "/webhooks/whatsapp", `{"nope": true}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	events := f.eventsOfType(t, model.EventMessageReceived)
	require.Len(t, events, 1)
	payload := eventlog.PayloadOf(&events[0])
	assert.Equal(t, true, payload["unparseable"])
	assert.Contains(t, payload["raw"], "nope")
}

func TestReceiveRejectPolicy(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyReject)

	rec := f.post(t, "/webhooks/whatsapp", `{"sender_identifier": "+491512345678", "content": "hallo"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, f.eventsOfType(t, model.EventMessageReceived))
}

func TestReceiveUnknownChannelIs404(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyCreateLeadStub)

	rec := f.post(t, "/webhooks/carrier-pigeon", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceiveMissingTenantIs401(t *testing.T) {
	f := newWebhookFixture(t, identity.PolicyCreateLeadStub)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
