package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// SaveEpisodes upserts the episode batch in one transaction. Episodes are
// never deleted.
func (s *Postgres) SaveEpisodes(ctx context.Context, episodes []model.Episode) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return faults.Storage("begin tx", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, ep := range episodes {
		members, _ := json.Marshal(nonNilSlice(ep.Members))
		levels, _ := json.Marshal(ep.Levels)
		topics, _ := json.Marshal(nonNilSlice(ep.Topics))
		batch.Queue(`
			INSERT INTO episodes (key, goal, members, levels, start_at, end_at, coherence, activity,
				topics, status, created_at, updated_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (key) DO UPDATE SET
				goal = EXCLUDED.goal, members = EXCLUDED.members, levels = EXCLUDED.levels,
				start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at,
				coherence = EXCLUDED.coherence, activity = EXCLUDED.activity,
				topics = EXCLUDED.topics, status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at, closed_at = EXCLUDED.closed_at`,
			ep.Key, ep.Goal, members, levels, ep.Start, ep.End, ep.Coherence, ep.Activity,
			topics, string(ep.Status), ep.CreatedAt, ep.UpdatedAt, ep.ClosedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return faults.Storage(fmt.Sprintf("save %d episodes", len(episodes)), err)
	}
	return faults.Storage("commit episodes", tx.Commit(ctx))
}

// OpenEpisodes returns every open episode ordered by start then key.
func (s *Postgres) OpenEpisodes(ctx context.Context) ([]model.Episode, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, goal, members, levels, start_at, end_at, coherence, activity, topics,
			status, created_at, updated_at, closed_at
		FROM episodes
		WHERE status = $1
		ORDER BY start_at ASC, key ASC`, string(model.EpisodeOpen))
	if err != nil {
		return nil, faults.Storage("open episodes", err)
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		var ep model.Episode
		var members, levels, topics []byte
		var status string
		if err := rows.Scan(&ep.Key, &ep.Goal, &members, &levels, &ep.Start, &ep.End, &ep.Coherence,
			&ep.Activity, &topics, &status, &ep.CreatedAt, &ep.UpdatedAt, &ep.ClosedAt); err != nil {
			return nil, faults.Storage("scan episode", err)
		}
		ep.Status = model.EpisodeStatus(status)
		if err := decodeColumn("episode "+ep.Key+" members", members, &ep.Members); err != nil {
			return nil, err
		}
		if err := decodeColumn("episode "+ep.Key+" levels", levels, &ep.Levels); err != nil {
			return nil, err
		}
		if err := decodeColumn("episode "+ep.Key+" topics", topics, &ep.Topics); err != nil {
			return nil, err
		}
		ep.Start, ep.End = ep.Start.UTC(), ep.End.UTC()
		out = append(out, ep)
	}
	return out, faults.Storage("open episodes", rows.Err())
}

// decodeColumn unmarshals a JSONB column. A row that does not decode is a
// storage failure, never an empty value.
func decodeColumn(what string, raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return faults.Storage("decode "+what, err)
	}
	return nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
