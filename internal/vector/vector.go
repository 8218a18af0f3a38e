// Package vector provides the cold-tier semantic index over interaction
// embeddings.
package vector

import (
	"context"

	"github.com/google/uuid"

	"github.com/capitalize-ai/followup-core/internal/model"
)

// Hit is one cold-tier retrieval result.
type Hit struct {
	MessageID int64
	Score     float32
	Content   string
	Summary   string
	Channel   string
}

// Index stores and retrieves interaction embeddings. Upsert is idempotent
// per message id, so a message is embedded at most once. Implementations
// must reject vectors whose dimension differs from the index dimension.
type Index interface {
	Upsert(ctx context.Context, emb *model.InteractionEmbedding) error
	// Query returns hits for one lead with similarity >= minScore (the
	// threshold itself is included), best first.
	Query(ctx context.Context, tenantID, leadID uuid.UUID, vec []float32, topK int, minScore float64) ([]Hit, error)
	// DeleteLead removes every embedding of the lead. Used by the GDPR wipe.
	DeleteLead(ctx context.Context, tenantID, leadID uuid.UUID) error
	Dim() int
}
