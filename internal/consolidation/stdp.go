package consolidation

import (
	"sort"
	"time"

	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// activeEpisodes returns the episodes that fired since the previous cycle,
// deduplicated by key and ordered by start time.
func activeEpisodes(episodes []model.Episode, since time.Time) []model.Episode {
	seen := make(map[string]bool, len(episodes))
	var out []model.Episode
	for _, ep := range episodes {
		if len(ep.Members) == 0 || seen[ep.Key] {
			continue
		}
		if !since.IsZero() && !ep.End.After(since) {
			continue
		}
		seen[ep.Key] = true
		out = append(out, ep)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// stdp applies spike-timing-dependent plasticity to every pair of episodes
// that fired within the timing window of each other.
func (c *cycle) stdp(episodes []model.Episode) {
	active := activeEpisodes(episodes, c.prev)
	c.report.Episodes = len(active)
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			if c.cfg.ms(active[j].Start.Sub(active[i].Start)) > c.cfg.Window {
				break
			}
			c.coactivate(active[i], active[j])
		}
	}
}

// coactivate updates the connection between a and b, where a fired no later
// than b.
func (c *cycle) coactivate(a, b model.Episode) {
	conn, ok := c.state.Lookup(a.Key, b.Key)
	if ok && conn.Pruned {
		return
	}
	if !ok {
		conn = &model.Connection{
			ID:        model.ConnectionID(a.Key, b.Key),
			Pre:       a.Key,
			Post:      b.Key,
			Strength:  c.cfg.InitialStrength,
			Theta:     c.cfg.ThetaBase,
			Tag:       model.TagUntagged,
			CreatedAt: c.now,
		}
		c.state.Connections[conn.ID] = conn
		c.start[conn.ID] = conn.Strength
		c.report.Created++
	}

	pre, post := a, b
	if conn.Pre == b.Key {
		pre, post = b, a
	}
	delta := c.cfg.ms(post.Start.Sub(pre.Start))
	f := c.cfg.timingFactor(delta)

	// Pre fired first or together with post when the connection was created,
	// so only a negative delta reverses the order.
	var m float64
	if delta >= 0 && pre.Activity >= c.cfg.StrongActivity && post.Activity >= c.cfg.StrongActivity {
		m = 1 + (c.cfg.LTP-1)*f
	} else {
		m = 1 - (1-c.cfg.LTD)*f
	}

	before := conn.Strength
	conn.Strength = model.Clamp01(before * m)
	if m > 1 {
		c.gain[conn.ID] += conn.Strength - before
		c.report.Potentiated++
	} else if m < 1 {
		c.depressed[conn.ID] = true
		c.report.Depressed++
	}

	conn.CoActivations++
	conn.LastDeltaMs = delta
	conn.LastMultiplier = m
	conn.LastCoActivated = c.now
	conn.UpdatedAt = c.now
	c.activity[conn.ID] = (pre.Activity + post.Activity) / 2
	c.report.CoActivations++

	c.logger.Debug("co-activation",
		zap.String("connection", conn.ID),
		zap.Float64("delta_ms", delta),
		zap.Float64("multiplier", m),
		zap.Float64("strength", conn.Strength))
}
