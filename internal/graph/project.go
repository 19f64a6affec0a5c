package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// ProjectConsolidation mirrors every connection of a committed state as a
// SYNAPSE relationship between Episode nodes.
func (s *Store) ProjectConsolidation(ctx context.Context, state *consolidation.State) error {
	rows := make([]map[string]any, 0, len(state.Connections))
	for _, c := range state.Sorted() {
		rows = append(rows, map[string]any{
			"id":             c.ID,
			"pre":            c.Pre,
			"post":           c.Post,
			"strength":       c.Strength,
			"theta":          c.Theta,
			"tag":            string(c.Tag),
			"tier":           string(c.Tier),
			"pruned":         c.Pruned,
			"co_activations": int64(c.CoActivations),
		})
	}
	err := s.write(ctx, `
		UNWIND $rows AS row
		MERGE (pre:Episode {key: row.pre})
		  ON CREATE SET pre.goal = last(split(row.pre, '|'))
		MERGE (post:Episode {key: row.post})
		  ON CREATE SET post.goal = last(split(row.post, '|'))
		MERGE (pre)-[r:SYNAPSE {id: row.id}]->(post)
		SET r.strength = row.strength, r.theta = row.theta, r.tag = row.tag,
		    r.tier = row.tier, r.pruned = row.pruned, r.co_activations = row.co_activations,
		    r.version = $version`,
		map[string]any{"rows": rows, "version": state.Version})
	if err != nil {
		return fmt.Errorf("project consolidation v%d: %w", state.Version, err)
	}
	s.logger.Info("graph mirror updated",
		zap.Int64("version", state.Version),
		zap.Int("connections", len(rows)))
	return nil
}

// ProjectSemantic mirrors semantic nodes as Concept nodes linked to the
// episodes their member connections join. Archived concepts are kept and
// flagged.
func (s *Store) ProjectSemantic(ctx context.Context, active, archived []*model.SemanticNode) error {
	rows := make([]map[string]any, 0, len(active)+len(archived))
	add := func(n *model.SemanticNode) {
		var episodes []string
		for _, m := range n.Members {
			pre, post, ok := strings.Cut(m, "->")
			if ok {
				episodes = append(episodes, pre, post)
			}
		}
		rows = append(rows, map[string]any{
			"id":                 n.ID,
			"label":              n.Label,
			"retrieval_strength": n.RetrievalStrength,
			"archived":           n.Archived,
			"episodes":           episodes,
		})
	}
	for _, n := range active {
		add(n)
	}
	for _, n := range archived {
		add(n)
	}
	err := s.write(ctx, `
		UNWIND $rows AS row
		MERGE (c:Concept {id: row.id})
		SET c.label = row.label, c.retrieval_strength = row.retrieval_strength,
		    c.archived = row.archived
		WITH c, row
		UNWIND row.episodes AS key
		MERGE (e:Episode {key: key})
		MERGE (c)-[:ABSTRACTS]->(e)`,
		map[string]any{"rows": rows})
	if err != nil {
		return fmt.Errorf("project semantic nodes: %w", err)
	}
	return nil
}

// write runs a single statement inside an explicit transaction.
func (s *Store) write(ctx context.Context, query string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	if _, err := tx.Run(ctx, query, params); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
