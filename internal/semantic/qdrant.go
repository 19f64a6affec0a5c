package semantic

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/nidhogg/hippocampus/internal/vectorstore"
	"go.uber.org/zap"
)

// QdrantIndex keeps active node centroids in a Qdrant collection.
type QdrantIndex struct {
	client     *vectorstore.Client
	collection string
	logger     *zap.Logger
}

// NewQdrantIndex ensures the collection exists with the given dimension.
func NewQdrantIndex(ctx context.Context, client *vectorstore.Client, collection string, dimension int, logger *zap.Logger) (*QdrantIndex, error) {
	if collection == "" {
		collection = "semantic_nodes"
	}
	if err := client.EnsureCollection(ctx, collection, uint64(dimension)); err != nil {
		return nil, err
	}
	logger.Info("qdrant semantic index ready",
		zap.String("collection", collection),
		zap.Int("dimension", dimension))
	return &QdrantIndex{client: client, collection: collection, logger: logger}, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, nodes []*model.SemanticNode) error {
	points := make([]vectorstore.Point, 0, len(nodes))
	for _, n := range nodes {
		points = append(points, vectorstore.Point{
			ID:     n.ID,
			Vector: n.Centroid,
			Payload: map[string]string{
				"label":              n.Label,
				"members":            strings.Join(n.Members, ","),
				"retrieval_strength": strconv.FormatFloat(n.RetrievalStrength, 'f', 4, 64),
				"degraded":           strconv.FormatBool(n.Degraded),
			},
		})
	}
	if err := q.client.Upsert(ctx, q.collection, points); err != nil {
		return fmt.Errorf("index semantic nodes: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Remove(ctx context.Context, ids []string) error {
	if err := q.client.Delete(ctx, q.collection, ids); err != nil {
		return fmt.Errorf("unindex semantic nodes: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Nearest(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	hits, err := q.client.Search(ctx, q.collection, vector, uint64(k))
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, Match{NodeID: h.ID, Score: h.Score})
	}
	return out, nil
}
