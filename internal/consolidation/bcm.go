package consolidation

import (
	"math"

	"github.com/nidhogg/hippocampus/internal/model"
)

// bcm scales this cycle's potentiation by the sliding threshold and then
// moves the threshold with the connection's recent activity. Both the average
// and the threshold step scale with elapsed time, so a cycle with no elapsed
// time leaves them where they are.
func (c *cycle) bcm() {
	alpha := c.emaAlpha()
	step := math.Min(c.elapsedTaus(), 1)
	up, down := math.Pow(c.cfg.ThetaUp, step), math.Pow(c.cfg.ThetaDown, step)
	lo, hi := c.cfg.ThetaBounds()
	for _, conn := range c.state.Active() {
		if g := c.gain[conn.ID]; g > 0 && conn.Theta > 0 && conn.Strength < conn.Theta {
			scaled := g * conn.Strength / conn.Theta
			conn.Strength = model.Clamp01(conn.Strength - g + scaled)
			c.gain[conn.ID] = scaled
			c.report.Metaplastic++
		}

		sample := c.activity[conn.ID]
		conn.ActivityAvg = model.Clamp01(conn.ActivityAvg + alpha*(sample-conn.ActivityAvg))
		switch {
		case conn.ActivityAvg >= c.cfg.HighActivity:
			conn.Theta *= up
		case conn.ActivityAvg <= c.cfg.LowActivity:
			conn.Theta *= down
		}
		conn.Theta = model.Clamp(conn.Theta, lo, hi)
	}
}

// elapsedTaus is the time since the previous cycle in units of the BCM time
// constant. The first cycle counts as one full time constant.
func (c *cycle) elapsedTaus() float64 {
	if c.prev.IsZero() {
		return 1
	}
	elapsed := c.now.Sub(c.prev)
	if elapsed <= 0 {
		return 0
	}
	return elapsed.Seconds() / c.cfg.ThetaTau.Seconds()
}

// emaAlpha is the smoothing factor for the time elapsed since the previous cycle.
func (c *cycle) emaAlpha() float64 {
	return 1 - math.Exp(-c.elapsedTaus())
}
