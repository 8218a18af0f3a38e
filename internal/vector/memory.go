package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
)

// Memory is an in-process cosine-similarity index used in tests.
type Memory struct {
	mu   sync.Mutex
	dim  int
	data map[string]map[int64]*model.InteractionEmbedding // (tenant|lead) -> message id
}

// NewMemory creates an in-memory index with a fixed dimension.
func NewMemory(dim int) *Memory {
	return &Memory{dim: dim, data: make(map[string]map[int64]*model.InteractionEmbedding)}
}

func (m *Memory) Dim() int { return m.dim }

func leadKey(tenantID, leadID uuid.UUID) string {
	return tenantID.String() + "|" + leadID.String()
}

func (m *Memory) Upsert(_ context.Context, emb *model.InteractionEmbedding) error {
	if len(emb.Vector) != m.dim {
		return coreerr.Newf(coreerr.KindEmbeddingDimMismatch, "expected %d got %d", m.dim, len(emb.Vector))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := leadKey(emb.TenantID, emb.LeadID)
	if m.data[key] == nil {
		m.data[key] = make(map[int64]*model.InteractionEmbedding)
	}
	cp := *emb
	m.data[key][emb.MessageID] = &cp
	return nil
}

func (m *Memory) Query(_ context.Context, tenantID, leadID uuid.UUID, vec []float32, topK int, minScore float64) ([]Hit, error) {
	if len(vec) != m.dim {
		return nil, coreerr.Newf(coreerr.KindEmbeddingDimMismatch, "expected %d got %d", m.dim, len(vec))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []Hit
	for _, emb := range m.data[leadKey(tenantID, leadID)] {
		score := cosine(vec, emb.Vector)
		if float64(score) >= minScore {
			hits = append(hits, Hit{
				MessageID: emb.MessageID,
				Score:     score,
				Content:   emb.Content,
				Summary:   emb.Summary,
				Channel:   string(emb.Channel),
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) DeleteLead(_ context.Context, tenantID, leadID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, leadKey(tenantID, leadID))
	return nil
}

// Count reports the number of embeddings stored for a lead. Test helper.
func (m *Memory) Count(tenantID, leadID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data[leadKey(tenantID, leadID)])
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
