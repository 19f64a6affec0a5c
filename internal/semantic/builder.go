// Package semantic promotes captured connections into long-term semantic
// nodes and maintains their retrieval strength.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// Embedder produces representation vectors and reports placeholder use.
// *embedding.Resilient satisfies it.
type Embedder interface {
	EmbedWithStatus(ctx context.Context, texts []string) ([][]float32, bool, error)
	Dimension() int
}

// Config controls promotion, clustering and decay.
type Config struct {
	PromotionThreshold  float64 // minimum strength of a captured connection, default 0.6
	SimilarityThreshold float64 // cosine to join an existing node, default 0.8
	HalfLifeCycles      float64       // default 24
	CycleInterval       time.Duration // wall time of one decay cycle, default 1h
	Floor               float64       // archive below this retrieval strength, default 0.05
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		PromotionThreshold:  0.6,
		SimilarityThreshold: 0.8,
		HalfLifeCycles:      24,
		CycleInterval:       time.Hour,
		Floor:               0.05,
	}
}

// Input is everything one build reads. All of it comes from published snapshots.
type Input struct {
	Nodes    []*model.SemanticNode
	State    *consolidation.State
	Episodes []model.Episode
	Records  []model.RawRecord
}

// Result is the next active node set plus the nodes archived this run.
type Result struct {
	Nodes      []*model.SemanticNode `json:"nodes"`
	Archived   []*model.SemanticNode `json:"archived"`
	Promoted   int                   `json:"promoted"`
	Created    int                   `json:"created"`
	Reinforced int                   `json:"reinforced"`
	Decayed    int                   `json:"decayed"`
	Degraded   bool                  `json:"degraded"`
}

// Builder clusters promoted connections into semantic nodes.
type Builder struct {
	cfg      Config
	embedder Embedder
	index    Index
	logger   *zap.Logger
}

// NewBuilder creates a builder. A nil index uses an in-memory one.
func NewBuilder(cfg Config, embedder Embedder, index Index, logger *zap.Logger) *Builder {
	def := DefaultConfig()
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = def.PromotionThreshold
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.HalfLifeCycles <= 0 {
		cfg.HalfLifeCycles = def.HalfLifeCycles
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = def.CycleInterval
	}
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Builder{cfg: cfg, embedder: embedder, index: index, logger: logger}
}

// Build computes the next semantic node set. It does not touch the index;
// call Apply once the result is committed.
func (b *Builder) Build(ctx context.Context, in Input, now time.Time) (*Result, error) {
	res := &Result{}
	state := in.State
	if state == nil {
		state = consolidation.NewState()
	}

	nodes := make([]*model.SemanticNode, 0, len(in.Nodes))
	memberOf := make(map[string]*model.SemanticNode)
	for _, n := range in.Nodes {
		if n.Archived {
			continue
		}
		c := n.Clone()
		nodes = append(nodes, c)
		for _, m := range c.Members {
			memberOf[m] = c
		}
	}

	var candidates []*model.Connection
	for _, conn := range state.Active() {
		if conn.Tag != model.TagCaptured || conn.Strength < b.cfg.PromotionThreshold {
			continue
		}
		if _, ok := memberOf[conn.ID]; ok {
			continue
		}
		candidates = append(candidates, conn)
	}
	res.Promoted = len(candidates)

	reinforced := make(map[string]bool)
	if len(candidates) > 0 {
		texts := newTextSource(in.Episodes, in.Records)
		reprs := make([]string, len(candidates))
		for i, conn := range candidates {
			reprs[i] = texts.representation(conn)
		}
		vecs, degraded, err := b.embedder.EmbedWithStatus(ctx, reprs)
		if err != nil {
			return nil, fmt.Errorf("embed %d promoted connections: %w", len(candidates), err)
		}
		if len(vecs) != len(candidates) {
			return nil, fmt.Errorf("embed promoted connections: got %d vectors for %d texts", len(vecs), len(candidates))
		}
		res.Degraded = degraded

		for i, conn := range candidates {
			node := b.closest(nodes, vecs[i])
			if node == nil {
				node = &model.SemanticNode{
					ID:          uuid.NewString(),
					Label:       texts.label(conn),
					Centroid:    append([]float32(nil), vecs[i]...),
					CreatedAt:   now,
					EvaluatedAt: now,
				}
				nodes = append(nodes, node)
				res.Created++
			} else {
				addToCentroid(node.Centroid, vecs[i], len(node.Members)+1)
			}
			node.Members = append(node.Members, conn.ID)
			node.Degraded = node.Degraded || degraded
			memberOf[conn.ID] = node
			reinforced[node.ID] = true
		}
	}

	active := nodes[:0]
	for _, n := range nodes {
		if !reinforced[n.ID] && coActivatedSince(n, state) {
			reinforced[n.ID] = true
		}
		if reinforced[n.ID] {
			var sum float64
			for _, m := range n.Members {
				if conn, ok := state.Connections[m]; ok {
					sum += conn.Strength
				}
			}
			n.CumulativeStrength = sum
			n.RetrievalStrength = reinforcedStrength(sum)
			n.LastReinforced = now
			n.EvaluatedAt = now
			res.Reinforced++
		} else if cycles := b.elapsedCycles(n, now); cycles > 0 {
			n.RetrievalStrength *= decayFactor(b.cfg.HalfLifeCycles, cycles)
			n.EvaluatedAt = now
			res.Decayed++
		}

		if n.RetrievalStrength < b.cfg.Floor {
			archivedAt := now
			n.Archived = true
			n.ArchivedAt = &archivedAt
			res.Archived = append(res.Archived, n)
			b.logger.Info("semantic node archived",
				zap.String("node", n.ID),
				zap.String("label", n.Label),
				zap.Float64("retrieval_strength", n.RetrievalStrength))
			continue
		}
		active = append(active, n)
	}
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})
	res.Nodes = active

	if res.Degraded {
		b.logger.Warn("semantic nodes built from placeholder vectors",
			zap.Int("promoted", res.Promoted))
	}
	b.logger.Info("semantic network built",
		zap.Int("promoted", res.Promoted),
		zap.Int("created", res.Created),
		zap.Int("reinforced", res.Reinforced),
		zap.Int("decayed", res.Decayed),
		zap.Int("archived", len(res.Archived)),
		zap.Int("active", len(res.Nodes)))
	return res, nil
}

// Apply brings the index in line with a committed result.
func (b *Builder) Apply(ctx context.Context, res *Result) error {
	if err := b.index.Upsert(ctx, res.Nodes); err != nil {
		return err
	}
	ids := make([]string, 0, len(res.Archived))
	for _, n := range res.Archived {
		ids = append(ids, n.ID)
	}
	return b.index.Remove(ctx, ids)
}

// Nearest queries the active index by representation vector.
func (b *Builder) Nearest(ctx context.Context, vector []float32, k int) ([]Match, error) {
	return b.index.Nearest(ctx, vector, k)
}

// NearestText embeds text and queries the active index.
func (b *Builder) NearestText(ctx context.Context, text string, k int) ([]Match, error) {
	vecs, _, err := b.embedder.EmbedWithStatus(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return b.index.Nearest(ctx, vecs[0], k)
}

func (b *Builder) closest(nodes []*model.SemanticNode, v []float32) *model.SemanticNode {
	var best *model.SemanticNode
	var bestScore float64
	for _, n := range nodes {
		s := Cosine(n.Centroid, v)
		if s < b.cfg.SimilarityThreshold {
			continue
		}
		if best == nil || s > bestScore || (s == bestScore && n.ID < best.ID) {
			best, bestScore = n, s
		}
	}
	return best
}

// elapsedCycles is the number of decay cycles since the node's retrieval
// strength was last brought up to date. A node with no timestamps counts as
// one cycle old; a rerun at the same logical time counts as zero.
func (b *Builder) elapsedCycles(n *model.SemanticNode, now time.Time) float64 {
	ref := n.EvaluatedAt
	if ref.IsZero() {
		ref = n.LastReinforced
	}
	if ref.IsZero() {
		ref = n.CreatedAt
	}
	if ref.IsZero() {
		return 1
	}
	if !now.After(ref) {
		return 0
	}
	return float64(now.Sub(ref)) / float64(b.cfg.CycleInterval)
}

// addToCentroid folds v into a running mean over n members.
func addToCentroid(centroid, v []float32, n int) {
	for i := range centroid {
		centroid[i] += (v[i] - centroid[i]) / float32(n)
	}
}

// coActivatedSince reports whether any member fired after the node was last
// reinforced.
func coActivatedSince(n *model.SemanticNode, state *consolidation.State) bool {
	for _, m := range n.Members {
		if conn, ok := state.Connections[m]; ok && conn.LastCoActivated.After(n.LastReinforced) {
			return true
		}
	}
	return false
}

type textSource struct {
	episodes map[string]model.Episode
	records  map[string]model.RawRecord
}

func newTextSource(episodes []model.Episode, records []model.RawRecord) *textSource {
	t := &textSource{
		episodes: make(map[string]model.Episode, len(episodes)),
		records:  make(map[string]model.RawRecord, len(records)),
	}
	for _, ep := range episodes {
		t.episodes[ep.Key] = ep
	}
	for _, r := range records {
		t.records[r.ID] = r
	}
	return t
}

// representation is the goal labels plus member contents of both endpoints.
func (t *textSource) representation(conn *model.Connection) string {
	var sb strings.Builder
	for _, key := range []string{conn.Pre, conn.Post} {
		ep, ok := t.episodes[key]
		if !ok {
			sb.WriteString(goalOf(key))
			sb.WriteByte('\n')
			continue
		}
		sb.WriteString(ep.Goal)
		sb.WriteByte('\n')
		for _, id := range ep.Members {
			if r, ok := t.records[id]; ok && r.Content != "" {
				sb.WriteString(r.Content)
				sb.WriteByte('\n')
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func (t *textSource) label(conn *model.Connection) string {
	a, b := goalOf(conn.Pre), goalOf(conn.Post)
	if ep, ok := t.episodes[conn.Pre]; ok {
		a = ep.Goal
	}
	if ep, ok := t.episodes[conn.Post]; ok {
		b = ep.Goal
	}
	if a == b {
		return a
	}
	return a + " / " + b
}

// goalOf extracts the goal label from an episode key.
func goalOf(key string) string {
	if i := strings.LastIndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}
