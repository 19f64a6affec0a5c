package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

const nodeColumns = `id::text, label, members, centroid, retrieval_strength, cumulative_strength,
	COALESCE(last_reinforced, 'epoch'::timestamptz), evaluated_at,
	degraded, created_at`

// SaveSemantic upserts the active nodes and moves archived ones into the
// archive table, in one transaction.
func (s *Postgres) SaveSemantic(ctx context.Context, active, archived []*model.SemanticNode) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return faults.Storage("begin tx", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, n := range active {
		members, _ := json.Marshal(nonNilSlice(n.Members))
		batch.Queue(`
			INSERT INTO semantic_nodes (id, label, members, centroid, retrieval_strength,
				cumulative_strength, last_reinforced, evaluated_at, degraded, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				label = EXCLUDED.label, members = EXCLUDED.members, centroid = EXCLUDED.centroid,
				retrieval_strength = EXCLUDED.retrieval_strength,
				cumulative_strength = EXCLUDED.cumulative_strength,
				last_reinforced = EXCLUDED.last_reinforced, evaluated_at = EXCLUDED.evaluated_at,
				degraded = EXCLUDED.degraded`,
			n.ID, n.Label, members, n.Centroid, n.RetrievalStrength, n.CumulativeStrength,
			n.LastReinforced, n.EvaluatedAt, n.Degraded, n.CreatedAt)
	}
	for _, n := range archived {
		members, _ := json.Marshal(nonNilSlice(n.Members))
		batch.Queue(`
			INSERT INTO semantic_archive (id, label, members, centroid, retrieval_strength,
				cumulative_strength, last_reinforced, evaluated_at, degraded, created_at, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			n.ID, n.Label, members, n.Centroid, n.RetrievalStrength, n.CumulativeStrength,
			n.LastReinforced, n.EvaluatedAt, n.Degraded, n.CreatedAt, n.ArchivedAt)
		batch.Queue(`DELETE FROM semantic_nodes WHERE id = $1`, n.ID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return faults.Storage(fmt.Sprintf("save %d semantic nodes", len(active)+len(archived)), err)
	}
	return faults.Storage("commit semantic nodes", tx.Commit(ctx))
}

// ActiveNodes returns the active semantic nodes ordered by creation.
func (s *Postgres) ActiveNodes(ctx context.Context) ([]*model.SemanticNode, error) {
	return s.queryNodes(ctx, false, `SELECT `+nodeColumns+` FROM semantic_nodes ORDER BY created_at, id`)
}

// ArchivedNodes returns the archive ordered by archive time.
func (s *Postgres) ArchivedNodes(ctx context.Context) ([]*model.SemanticNode, error) {
	return s.queryNodes(ctx, true, `SELECT `+nodeColumns+`, archived_at FROM semantic_archive ORDER BY archived_at, id`)
}

// NodesByMember returns the active nodes containing the connection.
func (s *Postgres) NodesByMember(ctx context.Context, connectionID string) ([]*model.SemanticNode, error) {
	return s.queryNodes(ctx, false,
		`SELECT `+nodeColumns+` FROM semantic_nodes WHERE members ? $1 ORDER BY created_at, id`, connectionID)
}

func (s *Postgres) queryNodes(ctx context.Context, archived bool, query string, args ...any) ([]*model.SemanticNode, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.Storage("query semantic nodes", err)
	}
	defer rows.Close()

	var out []*model.SemanticNode
	for rows.Next() {
		n := &model.SemanticNode{}
		var members []byte
		var evaluated *time.Time
		dest := []any{&n.ID, &n.Label, &members, &n.Centroid, &n.RetrievalStrength,
			&n.CumulativeStrength, &n.LastReinforced, &evaluated, &n.Degraded, &n.CreatedAt}
		if archived {
			dest = append(dest, &n.ArchivedAt)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, faults.Storage("scan semantic node", err)
		}
		if err := decodeColumn("semantic node "+n.ID+" members", members, &n.Members); err != nil {
			return nil, err
		}
		if evaluated != nil {
			n.EvaluatedAt = *evaluated
		}
		n.Archived = archived
		out = append(out, n)
	}
	return out, faults.Storage("query semantic nodes", rows.Err())
}
