package consolidation

import (
	"math"

	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

type band struct {
	mean, sigma float64
	lo, hi      float64
	n           int
}

// neighborhoodBands computes the mean ± k·σ band of every node over conns.
func neighborhoodBands(conns []*model.Connection, k float64) map[string]band {
	members := make(map[string][]float64)
	for _, conn := range conns {
		members[conn.Pre] = append(members[conn.Pre], conn.Strength)
		members[conn.Post] = append(members[conn.Post], conn.Strength)
	}
	out := make(map[string]band, len(members))
	for node, vals := range members {
		var sum float64
		for _, v := range vals {
			sum += v
		}
		mean := sum / float64(len(vals))
		var sq float64
		for _, v := range vals {
			sq += (v - mean) * (v - mean)
		}
		sigma := math.Sqrt(sq / float64(len(vals)))
		out[node] = band{
			mean:  mean,
			sigma: sigma,
			lo:    mean - k*sigma,
			hi:    mean + k*sigma,
			n:     len(vals),
		}
	}
	return out
}

// homeostasis clips every active connection into the bands of both of its
// neighborhoods, then marks connections at or below the floor as pruned.
func (c *cycle) homeostasis() {
	active := c.state.Active()
	bands := neighborhoodBands(active, c.cfg.SigmaBound)

	for _, conn := range active {
		bp, bq := bands[conn.Pre], bands[conn.Post]
		lo, hi := math.Max(bp.lo, bq.lo), math.Min(bp.hi, bq.hi)
		if lo > hi {
			win, node := bp, conn.Pre
			if bq.n > bp.n {
				win, node = bq, conn.Post
			}
			lo, hi = win.lo, win.hi
			c.report.BandConflicts++
			c.logger.Warn("neighborhood bands disagree, using larger neighborhood",
				zap.String("connection", conn.ID),
				zap.String("neighborhood", node),
				zap.Int("size", win.n))
		}
		if s := model.Clamp(conn.Strength, lo, hi); s != conn.Strength {
			conn.Strength = s
			conn.UpdatedAt = c.now
			c.report.Clipped++
		}
	}

	for _, conn := range active {
		if conn.Strength <= c.cfg.PruneFloor {
			conn.Pruned = true
			conn.UpdatedAt = c.now
			c.report.Pruned++
			c.logger.Info("connection pruned",
				zap.String("connection", conn.ID),
				zap.Float64("strength", conn.Strength))
		}
	}
}
