package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/model"
)

// SaveConsolidation upserts every connection and records the full state as
// snapshot State.Version, all in one transaction. Saving a version twice fails.
func (s *Postgres) SaveConsolidation(ctx context.Context, state *consolidation.State) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state v%d: %w", state.Version, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return faults.Storage("begin tx", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range state.Sorted() {
		batch.Queue(`
			INSERT INTO connections (id, pre, post, strength, co_activations, last_delta_ms,
				last_multiplier, last_co_activated, theta, activity_avg, tag, tagged_at, tag_clock,
				tag_expiry, tier, pruned, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (id) DO UPDATE SET
				strength = EXCLUDED.strength, co_activations = EXCLUDED.co_activations,
				last_delta_ms = EXCLUDED.last_delta_ms, last_multiplier = EXCLUDED.last_multiplier,
				last_co_activated = EXCLUDED.last_co_activated, theta = EXCLUDED.theta,
				activity_avg = EXCLUDED.activity_avg, tag = EXCLUDED.tag,
				tagged_at = EXCLUDED.tagged_at, tag_clock = EXCLUDED.tag_clock,
				tag_expiry = EXCLUDED.tag_expiry, tier = EXCLUDED.tier, pruned = EXCLUDED.pruned,
				updated_at = EXCLUDED.updated_at`,
			c.ID, c.Pre, c.Post, c.Strength, c.CoActivations, c.LastDeltaMs,
			c.LastMultiplier, c.LastCoActivated, c.Theta, c.ActivityAvg, string(c.Tag), c.TaggedAt, c.TagClock,
			c.TagExpiry, string(c.Tier), c.Pruned, c.CreatedAt, c.UpdatedAt)
	}
	batch.Queue(`INSERT INTO consolidation_snapshots (version, cycle_at, state) VALUES ($1, $2, $3)`,
		state.Version, state.CycleAt, snapshot)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return faults.Storage(fmt.Sprintf("save consolidation v%d", state.Version), err)
	}
	return faults.Storage("commit consolidation", tx.Commit(ctx))
}

// LatestState returns the newest snapshot, or an empty state when none exists.
func (s *Postgres) LatestState(ctx context.Context) (*consolidation.State, error) {
	st, err := s.loadState(ctx, `SELECT state FROM consolidation_snapshots ORDER BY version DESC LIMIT 1`)
	if errors.Is(err, ErrNotFound) {
		return consolidation.NewState(), nil
	}
	return st, err
}

// LoadSnapshot returns the state published as version.
func (s *Postgres) LoadSnapshot(ctx context.Context, version int64) (*consolidation.State, error) {
	return s.loadState(ctx, `SELECT state FROM consolidation_snapshots WHERE version = $1`, version)
}

func (s *Postgres) loadState(ctx context.Context, query string, args ...any) (*consolidation.State, error) {
	var raw []byte
	if err := s.db.QueryRow(ctx, query, args...).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, faults.Storage("load snapshot", err)
	}
	st := consolidation.NewState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if st.Connections == nil {
		st.Connections = make(map[string]*model.Connection)
	}
	return st, nil
}

// Neighborhood returns the connections incident to entity ordered by ID.
func (s *Postgres) Neighborhood(ctx context.Context, entity string) ([]*model.Connection, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, pre, post, strength, co_activations, last_delta_ms, last_multiplier,
			COALESCE(last_co_activated, 'epoch'::timestamptz), theta, activity_avg, tag, tagged_at,
			tag_clock, tag_expiry, tier, pruned, created_at, updated_at
		FROM connections
		WHERE pre = $1 OR post = $1
		ORDER BY id ASC`, entity)
	if err != nil {
		return nil, faults.Storage("neighborhood", err)
	}
	defer rows.Close()

	var out []*model.Connection
	for rows.Next() {
		var c model.Connection
		var tag, tier string
		if err := rows.Scan(&c.ID, &c.Pre, &c.Post, &c.Strength, &c.CoActivations, &c.LastDeltaMs,
			&c.LastMultiplier, &c.LastCoActivated, &c.Theta, &c.ActivityAvg, &tag, &c.TaggedAt,
			&c.TagClock, &c.TagExpiry, &tier, &c.Pruned, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, faults.Storage("scan connection", err)
		}
		c.Tag, c.Tier = model.TagState(tag), model.Tier(tier)
		out = append(out, &c)
	}
	return out, faults.Storage("neighborhood", rows.Err())
}
