package vector

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/internal/model"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// Config holds qdrant connection configuration.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dim        int
}

type qdrantIndex struct {
	client *qdrant.Client
	cfg    Config
	log    *logger.Logger
}

// NewQdrant connects to qdrant and ensures the collection exists with a
// cosine distance and the configured dimension.
func NewQdrant(ctx context.Context, cfg Config, log *logger.Logger) (Index, error) {
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.APIKey != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	idx := &qdrantIndex{
		client: client,
		cfg:    cfg,
		log:    log.With("client", "QdrantIndex"),
	}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (q *qdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.cfg.Dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (q *qdrantIndex) Dim() int { return q.cfg.Dim }

func (q *qdrantIndex) Upsert(ctx context.Context, emb *model.InteractionEmbedding) error {
	if len(emb.Vector) != q.cfg.Dim {
		return coreerr.Newf(coreerr.KindEmbeddingDimMismatch,
			"expected %d got %d", q.cfg.Dim, len(emb.Vector))
	}

	payload := map[string]any{
		"tenant_id":        emb.TenantID.String(),
		"lead_id":          emb.LeadID.String(),
		"channel":          string(emb.Channel),
		"interaction_type": emb.InteractionType,
		"content":          emb.Content,
		"summary":          emb.Summary,
		"sentiment":        emb.Sentiment,
		"interaction_at":   emb.InteractionAt.Format("2006-01-02T15:04:05Z07:00"),
	}

	// Point id is the message id, making re-embedding a no-op upsert.
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDNum(uint64(emb.MessageID)),
				Vectors: qdrant.NewVectors(emb.Vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "qdrant upsert", err)
	}
	return nil
}

func (q *qdrantIndex) Query(ctx context.Context, tenantID, leadID uuid.UUID, vec []float32, topK int, minScore float64) ([]Hit, error) {
	if len(vec) != q.cfg.Dim {
		return nil, coreerr.Newf(coreerr.KindEmbeddingDimMismatch,
			"expected %d got %d", q.cfg.Dim, len(vec))
	}

	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		ScoreThreshold: qdrant.PtrOf(float32(minScore)),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID.String()),
				qdrant.NewMatch("lead_id", leadID.String()),
			},
		},
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "qdrant query", err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{
			MessageID: int64(p.GetId().GetNum()),
			Score:     p.GetScore(),
		}
		if payload := p.GetPayload(); payload != nil {
			hit.Content = payload["content"].GetStringValue()
			hit.Summary = payload["summary"].GetStringValue()
			hit.Channel = payload["channel"].GetStringValue()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (q *qdrantIndex) DeleteLead(ctx context.Context, tenantID, leadID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant_id", tenantID.String()),
				qdrant.NewMatch("lead_id", leadID.String()),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "qdrant delete", err)
	}
	return nil
}
