package semantic

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/nidhogg/hippocampus/internal/model"
)

// Match is a nearest-neighbor hit.
type Match struct {
	NodeID string  `json:"node_id"`
	Score  float32 `json:"score"`
}

// Index holds the centroids of active semantic nodes.
type Index interface {
	Upsert(ctx context.Context, nodes []*model.SemanticNode) error
	Remove(ctx context.Context, ids []string) error
	Nearest(ctx context.Context, vector []float32, k int) ([]Match, error)
}

// MemoryIndex is an in-process brute-force cosine index.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string][]float32)}
}

func (m *MemoryIndex) Upsert(_ context.Context, nodes []*model.SemanticNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.vectors[n.ID] = append([]float32(nil), n.Centroid...)
	}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.vectors, id)
	}
	return nil
}

// Nearest returns up to k nodes by descending cosine similarity, ties by ID.
func (m *MemoryIndex) Nearest(_ context.Context, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	m.mu.RLock()
	out := make([]Match, 0, len(m.vectors))
	for id, v := range m.vectors {
		if len(v) != len(vector) {
			continue
		}
		out = append(out, Match{NodeID: id, Score: float32(Cosine(vector, v))})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].NodeID < out[j].NodeID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Len returns the number of indexed nodes.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
