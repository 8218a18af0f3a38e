// Package memory implements the three-tier conversation memory: a hot ring
// in the KV store, the durable message table with rolling summaries, and the
// cold semantic index.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/clock"
	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/eventlog"
	"github.com/capitalize-ai/followup-core/internal/kv"
	"github.com/capitalize-ai/followup-core/internal/llm"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/internal/store"
	"github.com/capitalize-ai/followup-core/internal/vector"
	"github.com/capitalize-ai/followup-core/pkg/logger"
	"github.com/capitalize-ai/followup-core/pkg/metrics"
)

// Params are the memory tuning knobs.
type Params struct {
	HotRingSize     int           // messages kept in the hot ring
	HotTTL          time.Duration // hot key expiry
	WarmWindow      int           // uncompressed messages before compaction
	ColdTopK        int           // cold retrieval result count
	ColdMinScore    float64       // cosine similarity floor, inclusive
	VectorTimeout   time.Duration // cold query budget; on expiry the block is omitted
	SummaryMaxChars int           // hard cap on generated summary length
}

// Manager assembles smart context and owns the write path into all tiers.
type Manager struct {
	kv        kv.KV
	messages  store.MessageRepo
	summaries store.SummaryRepo
	leads     store.LeadRepo
	index     vector.Index
	embedder  llm.Embedder
	client    llm.Client
	events    *eventlog.Log
	clk       clock.Clock
	params    Params
	log       *logger.Logger
}

// New creates the memory manager.
func New(
	kvStore kv.KV,
	messages store.MessageRepo,
	summaries store.SummaryRepo,
	leads store.LeadRepo,
	index vector.Index,
	embedder llm.Embedder,
	client llm.Client,
	events *eventlog.Log,
	clk clock.Clock,
	params Params,
	log *logger.Logger,
) *Manager {
	if params.HotRingSize <= 0 {
		params.HotRingSize = 10
	}
	if params.HotTTL <= 0 {
		params.HotTTL = time.Hour
	}
	if params.WarmWindow <= 0 {
		params.WarmWindow = 40
	}
	if params.ColdTopK <= 0 {
		params.ColdTopK = 5
	}
	if params.ColdMinScore == 0 {
		params.ColdMinScore = 0.7
	}
	if params.VectorTimeout <= 0 {
		params.VectorTimeout = 500 * time.Millisecond
	}
	if params.SummaryMaxChars <= 0 {
		params.SummaryMaxChars = 2000
	}
	return &Manager{
		kv:        kvStore,
		messages:  messages,
		summaries: summaries,
		leads:     leads,
		index:     index,
		embedder:  embedder,
		client:    client,
		events:    events,
		clk:       clk,
		params:    params,
		log:       log.With("component", "MemoryManager"),
	}
}

// hotEntry is the hot-ring wire form. Direction survives so the role can be
// derived at render time.
type hotEntry struct {
	Channel   model.ChannelType `json:"c"`
	Direction model.Direction   `json:"d"`
	Content   string            `json:"m"`
}

func hotKey(tenantID, leadID uuid.UUID) string {
	return fmt.Sprintf("hot:%s:%s", tenantID, leadID)
}

// GetSmartContext assembles the prompt context for a lead: summary block,
// optional cold block when a query is given, then the hot conversation tail.
func (m *Manager) GetSmartContext(ctx context.Context, tenantID, leadID uuid.UUID, query string) (string, error) {
	start := time.Now()
	path := "warm"

	entries, err := m.readHot(ctx, tenantID, leadID)
	if err != nil {
		return "", err
	}
	if entries == nil {
		path = "warmup"
		entries, err = m.hydrateHot(ctx, tenantID, leadID)
		if err != nil {
			return "", err
		}
	}

	summary, err := m.summaries.Latest(ctx, tenantID, leadID)
	if err != nil {
		return "", err
	}

	var coldBlock string
	if query != "" {
		coldBlock = m.coldBlock(ctx, tenantID, leadID, query)
	}

	var b strings.Builder
	if summary != nil {
		b.WriteString("ZUSAMMENFASSUNG: ")
		b.WriteString(summary.Summary)
	} else {
		b.WriteString("ZUSAMMENFASSUNG: neu")
	}
	b.WriteString("\n")

	if coldBlock != "" {
		b.WriteString(coldBlock)
	}

	for _, e := range entries {
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", e.Channel, model.RoleFor(e.Direction), e.Content))
	}

	metrics.ContextAssemblyDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	return b.String(), nil
}

// readHot returns the hot entries oldest first, or nil on a cold start.
func (m *Manager) readHot(ctx context.Context, tenantID, leadID uuid.UUID) ([]hotEntry, error) {
	raw, err := m.kv.LRange(ctx, hotKey(tenantID, leadID), 0, -1)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "hot read", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	// Storage is newest first; reverse to chronological.
	entries := make([]hotEntry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e hotEntry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// hydrateHot warms the ring from the message table. Returns the entries
// oldest first; an empty non-nil slice when the lead has no messages.
func (m *Manager) hydrateHot(ctx context.Context, tenantID, leadID uuid.UUID) ([]hotEntry, error) {
	msgs, err := m.messages.LastN(ctx, tenantID, leadID, m.params.HotRingSize)
	if err != nil {
		return nil, err
	}

	entries := make([]hotEntry, 0, len(msgs))
	values := make([]string, 0, len(msgs))
	// LastN is newest first, which is exactly the push order the ring wants:
	// the oldest message must be pushed first so it lands deepest.
	for i := len(msgs) - 1; i >= 0; i-- {
		entries = append(entries, hotEntry{
			Channel:   msgs[i].ChannelType,
			Direction: msgs[i].Direction,
			Content:   msgs[i].Content,
		})
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		values = append(values, string(data))
	}

	if len(values) > 0 {
		key := hotKey(tenantID, leadID)
		if err := m.kv.LPush(ctx, key, values...); err != nil {
			return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "hot hydrate", err)
		}
		if err := m.kv.Expire(ctx, key, m.params.HotTTL); err != nil {
			m.log.Warn("failed to set hot ttl", "lead_id", leadID, "error", err)
		}
	}
	return entries, nil
}

// coldBlock runs the semantic retrieval under a hard budget. Any failure or
// timeout degrades to an omitted block.
func (m *Manager) coldBlock(ctx context.Context, tenantID, leadID uuid.UUID, query string) string {
	ctx, cancel := context.WithTimeout(ctx, m.params.VectorTimeout)
	defer cancel()

	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		m.log.Warn("cold query embedding failed, omitting cold block", "lead_id", leadID, "error", err)
		return ""
	}

	hits, err := m.index.Query(ctx, tenantID, leadID, vec, m.params.ColdTopK, m.params.ColdMinScore)
	if err != nil {
		m.log.Warn("cold query failed, omitting cold block", "lead_id", leadID, "error", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("RELEVANTE ERINNERUNGEN:\n")
	for _, h := range hits {
		content := h.Content
		if h.Summary != "" {
			content = h.Summary
		}
		b.WriteString(fmt.Sprintf("- [%s] %s\n", h.Channel, content))
	}
	return b.String()
}

// AddMessage writes a message through all tiers: hot push + trim + TTL, the
// durable message row, then the compaction check.
func (m *Manager) AddMessage(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.clk.Now()
	}

	if err := m.messages.Create(ctx, nil, msg); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues(msg.TenantID.String(), string(msg.Direction), string(msg.ChannelType)).Inc()

	key := hotKey(msg.TenantID, msg.LeadID)
	data, err := json.Marshal(hotEntry{Channel: msg.ChannelType, Direction: msg.Direction, Content: msg.Content})
	if err == nil {
		if err := m.kv.LPush(ctx, key, string(data)); err != nil {
			m.log.Warn("hot push failed", "lead_id", msg.LeadID, "error", err)
		} else {
			_ = m.kv.LTrim(ctx, key, 0, int64(m.params.HotRingSize-1))
			_ = m.kv.Expire(ctx, key, m.params.HotTTL)
		}
	}

	return m.checkCompaction(ctx, msg.TenantID, msg.LeadID)
}

// checkCompaction enqueues a compaction job when the uncompressed window
// exceeds the warm threshold.
func (m *Manager) checkCompaction(ctx context.Context, tenantID, leadID uuid.UUID) error {
	afterID := int64(0)
	latest, err := m.summaries.Latest(ctx, tenantID, leadID)
	if err != nil {
		return err
	}
	if latest != nil {
		afterID = latest.EndMessageID
	}

	count, err := m.messages.CountAfter(ctx, tenantID, leadID, afterID)
	if err != nil {
		return err
	}
	if count <= int64(m.params.WarmWindow) {
		return nil
	}

	_, err = m.events.Append(ctx, eventlog.AppendInput{
		TenantID: tenantID,
		Type:     model.EventCompactionDue,
		Payload:  map[string]any{"lead_id": leadID.String()},
		Source:   "memory-manager",
	})
	if err != nil {
		m.log.Warn("failed to enqueue compaction", "lead_id", leadID, "error", err)
	}
	return nil
}

// Compact summarizes the oldest uncompressed window and embeds each
// constituent message into the cold index. Runs off the read path.
func (m *Manager) Compact(ctx context.Context, tenantID, leadID uuid.UUID) error {
	afterID := int64(0)
	prior, err := m.summaries.Latest(ctx, tenantID, leadID)
	if err != nil {
		return err
	}
	if prior != nil {
		afterID = prior.EndMessageID
	}

	window, err := m.messages.OldestAfter(ctx, tenantID, leadID, afterID, m.params.WarmWindow)
	if err != nil {
		return err
	}
	if len(window) == 0 {
		metrics.CompactionJobs.WithLabelValues("empty").Inc()
		return nil
	}

	endID := window[len(window)-1].ID
	if prior != nil && endID <= prior.EndMessageID {
		metrics.CompactionJobs.WithLabelValues("conflict").Inc()
		return store.ErrSummaryConflict
	}

	summaryText, err := m.summarize(ctx, window)
	if err != nil {
		metrics.CompactionJobs.WithLabelValues("llm_error").Inc()
		return err
	}

	summary := &model.ConversationSummary{
		TenantID:       tenantID,
		LeadID:         leadID,
		Summary:        summaryText,
		StartMessageID: window[0].ID,
		EndMessageID:   endID,
		CreatedAt:      m.clk.Now(),
	}
	if prior != nil {
		summary.StartMessageID = prior.EndMessageID + 1
	}
	if err := m.summaries.Create(ctx, summary); err != nil {
		metrics.CompactionJobs.WithLabelValues("conflict").Inc()
		return err
	}

	for _, msg := range window {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if err := m.embedMessage(ctx, &msg, summaryText); err != nil {
			m.log.Warn("message embedding failed", "message_id", msg.ID, "error", err)
		}
	}

	metrics.CompactionJobs.WithLabelValues("ok").Inc()
	m.log.Info("compacted conversation window",
		"lead_id", leadID, "start_id", summary.StartMessageID, "end_id", summary.EndMessageID)
	return nil
}

func (m *Manager) summarize(ctx context.Context, window []model.Message) (string, error) {
	var b strings.Builder
	for _, msg := range window {
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", msg.ChannelType, model.RoleFor(msg.Direction), msg.Content))
	}

	resp, err := m.client.Generate(ctx, &llm.GenerateRequest{
		SystemPrompt: "Summarize the conversation window concisely. Keep names, commitments, objections and open questions.",
		UserPrompt:   b.String(),
		MaxTokens:    512,
	})
	if err != nil {
		return "", err
	}
	text := resp.Text
	if len(text) > m.params.SummaryMaxChars {
		text = text[:m.params.SummaryMaxChars]
	}
	return text, nil
}

func (m *Manager) embedMessage(ctx context.Context, msg *model.Message, summary string) error {
	vec, err := m.embedder.Embed(ctx, msg.Content)
	if err != nil {
		return err
	}
	return m.index.Upsert(ctx, &model.InteractionEmbedding{
		MessageID:       msg.ID,
		LeadID:          msg.LeadID,
		TenantID:        msg.TenantID,
		Channel:         msg.ChannelType,
		InteractionType: string(msg.Direction),
		Content:         msg.Content,
		Summary:         summary,
		Vector:          vec,
		InteractionAt:   msg.CreatedAt,
	})
}

// Wipe removes every trace of the lead: hot key, summaries, embeddings and,
// via the lead cascade, messages and identities. Partial failure reports the
// subsystems still holding data.
func (m *Manager) Wipe(ctx context.Context, tenantID, leadID uuid.UUID) error {
	var remaining []string

	if err := m.kv.Del(ctx, hotKey(tenantID, leadID)); err != nil {
		remaining = append(remaining, "hot")
		m.log.Error("wipe: hot delete failed", "lead_id", leadID, "error", err)
	}
	if err := m.index.DeleteLead(ctx, tenantID, leadID); err != nil {
		remaining = append(remaining, "vector")
		m.log.Error("wipe: vector delete failed", "lead_id", leadID, "error", err)
	}
	if err := m.leads.DeleteCascade(ctx, tenantID, leadID); err != nil {
		remaining = append(remaining, "store")
		m.log.Error("wipe: store cascade failed", "lead_id", leadID, "error", err)
	}

	if len(remaining) > 0 {
		return coreerr.Newf(coreerr.KindWipeIncomplete, "wipe incomplete, remaining: %s", strings.Join(remaining, ","))
	}
	m.log.Info("lead wiped", "tenant_id", tenantID, "lead_id", leadID)
	return nil
}
