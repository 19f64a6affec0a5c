package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"go.uber.org/zap"
)

// ActivationOpts controls spreading activation.
type ActivationOpts struct {
	MaxDepth    int     // max hops, default 3
	DecayFactor float64 // per-hop decay, default 0.7
	Threshold   float64 // min activation to recall, default 0.05
	MaxNodes    int     // max recalled episodes, default 50
}

// DefaultActivationOpts returns the defaults.
func DefaultActivationOpts() ActivationOpts {
	return ActivationOpts{
		MaxDepth:    3,
		DecayFactor: 0.7,
		Threshold:   0.05,
		MaxNodes:    50,
	}
}

func (o ActivationOpts) withDefaults() ActivationOpts {
	d := DefaultActivationOpts()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.DecayFactor <= 0 {
		o.DecayFactor = d.DecayFactor
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	return o
}

// Activated is an episode recalled by spreading activation.
type Activated struct {
	Key        string  `json:"key"`
	Activation float64 `json:"activation"`
}

// ActivationResult holds the output of one activation query.
type ActivationResult struct {
	Nodes    []Activated   `json:"nodes"`
	Duration time.Duration `json:"duration"`
}

// Activate spreads activation from the episodes matching triggers (episode
// key or goal substring) along unpruned synapses, weighting each path by the
// product of its strengths and decaying per hop.
func (s *Store) Activate(ctx context.Context, triggers []string, opts ActivationOpts) (*ActivationResult, error) {
	start := time.Now()
	opts = opts.withDefaults()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		UNWIND $triggers AS keyword
		MATCH (seed:Episode)
		WHERE seed.key = keyword OR seed.goal CONTAINS keyword
		WITH COLLECT(DISTINCT seed) AS seeds
		UNWIND seeds AS seed
		CALL {
			WITH seed, seeds
			MATCH path = (seed)-[:SYNAPSE*1..` + fmt.Sprint(opts.MaxDepth) + `]-(node:Episode)
			WHERE NOT node IN seeds
			  AND none(r IN relationships(path) WHERE r.pruned)
			WITH node, length(path) AS depth,
			     reduce(w = 1.0, r IN relationships(path) | w * r.strength) AS pathWeight
			RETURN node, $decay ^ toFloat(depth) * pathWeight AS activation
		}
		WITH node, MAX(activation) AS activation
		WHERE activation > $threshold
		RETURN node.key AS key, activation
		ORDER BY activation DESC, key ASC
		LIMIT $maxNodes`

	result, err := session.Run(ctx, query, map[string]any{
		"triggers":  triggers,
		"decay":     opts.DecayFactor,
		"threshold": opts.Threshold,
		"maxNodes":  int64(opts.MaxNodes),
	})
	if err != nil {
		return nil, fmt.Errorf("spreading activation: %w", err)
	}

	ar := &ActivationResult{Nodes: []Activated{}}
	for result.Next(ctx) {
		rec := result.Record()
		var a Activated
		if v, ok := rec.Get("key"); ok && v != nil {
			a.Key = v.(string)
		}
		if v, ok := rec.Get("activation"); ok && v != nil {
			a.Activation = v.(float64)
		}
		ar.Nodes = append(ar.Nodes, a)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("spreading activation: %w", err)
	}

	ar.Duration = time.Since(start)
	s.logger.Info("spreading activation complete",
		zap.Int("triggers", len(triggers)),
		zap.Int("recalled", len(ar.Nodes)),
		zap.Duration("duration", ar.Duration))
	return ar, nil
}

// Spread runs the same activation over an in-memory state. It is used when
// no graph database is configured.
func Spread(state *consolidation.State, triggers []string, opts ActivationOpts) *ActivationResult {
	start := time.Now()
	opts = opts.withDefaults()

	adj := make(map[string]map[string]float64)
	link := func(a, b string, w float64) {
		if adj[a] == nil {
			adj[a] = make(map[string]float64)
		}
		if w > adj[a][b] {
			adj[a][b] = w
		}
	}
	for _, c := range state.Active() {
		link(c.Pre, c.Post, c.Strength)
		link(c.Post, c.Pre, c.Strength)
	}

	seeds := make(map[string]bool)
	for key := range adj {
		for _, t := range triggers {
			if key == t || (t != "" && strings.Contains(goalOf(key), t)) {
				seeds[key] = true
			}
		}
	}

	best := make(map[string]float64)
	frontier := make(map[string]float64, len(seeds))
	for k := range seeds {
		frontier[k] = 1
	}
	decay := 1.0
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		decay *= opts.DecayFactor
		next := make(map[string]float64)
		for from, w := range frontier {
			for to, strength := range adj[from] {
				if p := w * strength; p > next[to] {
					next[to] = p
				}
			}
		}
		for node, w := range next {
			if seeds[node] {
				continue
			}
			if a := decay * w; a > best[node] {
				best[node] = a
			}
		}
		frontier = next
	}

	ar := &ActivationResult{Nodes: []Activated{}}
	for key, a := range best {
		if a > opts.Threshold {
			ar.Nodes = append(ar.Nodes, Activated{Key: key, Activation: a})
		}
	}
	sort.Slice(ar.Nodes, func(i, j int) bool {
		if ar.Nodes[i].Activation != ar.Nodes[j].Activation {
			return ar.Nodes[i].Activation > ar.Nodes[j].Activation
		}
		return ar.Nodes[i].Key < ar.Nodes[j].Key
	})
	if len(ar.Nodes) > opts.MaxNodes {
		ar.Nodes = ar.Nodes[:opts.MaxNodes]
	}
	ar.Duration = time.Since(start)
	return ar
}

func goalOf(key string) string {
	if i := strings.LastIndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}
