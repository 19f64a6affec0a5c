package consolidation

import (
	"sort"

	"github.com/nidhogg/hippocampus/internal/model"
)

// tierFor maps a rank quantile to its tier and gain multiplier.
func (c Config) tierFor(q float64) (model.Tier, float64) {
	switch {
	case q < c.TopQuantile:
		return model.TierTop, c.TopGain
	case q < c.MiddleQuantile:
		return model.TierMiddle, c.MiddleGain
	default:
		return model.TierBottom, c.BottomGain
	}
}

// competition ranks connections that share a pre entity and scales each one's
// net gain for this cycle by its tier multiplier.
func (c *cycle) competition() {
	groups := make(map[string][]*model.Connection)
	var order []string
	for _, conn := range c.state.Active() {
		if _, ok := groups[conn.Pre]; !ok {
			order = append(order, conn.Pre)
		}
		groups[conn.Pre] = append(groups[conn.Pre], conn)
	}
	sort.Strings(order)

	for _, pre := range order {
		g := groups[pre]
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Strength != g[j].Strength {
				return g[i].Strength > g[j].Strength
			}
			return g[i].ID < g[j].ID
		})
		n := float64(len(g))
		for rank, conn := range g {
			tier, mult := c.cfg.tierFor(float64(rank) / n)
			conn.Tier = tier
			c.report.Tiers[tier]++
			start := c.start[conn.ID]
			if gain := conn.Strength - start; gain > 0 && mult != 1 {
				conn.Strength = model.Clamp01(start + gain*mult)
				conn.UpdatedAt = c.now
			}
		}
	}
}
