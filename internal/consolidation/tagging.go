package consolidation

import (
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

// tagging sets, interrupts, expires and captures synaptic tags. Expiry is
// checked before capture so a tag never outlives MaxTagLifetime.
func (c *cycle) tagging() {
	for _, conn := range c.state.Active() {
		switch conn.Tag {
		case model.TagTagged:
			c.advanceTag(conn)
		case model.TagCaptured:
		default:
			if conn.CoActivations >= c.cfg.TagMinCoActivations && conn.Strength > c.cfg.TagThreshold {
				now := c.now
				clock := c.now
				expiry := c.now.Add(c.cfg.MaxTagLifetime)
				conn.Tag = model.TagTagged
				conn.TaggedAt = &now
				conn.TagClock = &clock
				conn.TagExpiry = &expiry
				conn.UpdatedAt = c.now
				c.report.Tagged++
			}
		}
	}
}

func (c *cycle) advanceTag(conn *model.Connection) {
	if conn.TagExpiry == nil || !c.now.Before(*conn.TagExpiry) {
		conn.Tag = model.TagUntagged
		conn.TaggedAt = nil
		conn.TagClock = nil
		conn.TagExpiry = nil
		conn.UpdatedAt = c.now
		c.report.Expired++
		c.logger.Debug("tag expired without capture", zap.String("connection", conn.ID))
		return
	}
	if c.depressed[conn.ID] {
		clock := c.now
		conn.TagClock = &clock
		conn.UpdatedAt = c.now
		c.report.Interrupted++
		return
	}
	if conn.TagClock != nil && c.now.Sub(*conn.TagClock) >= c.cfg.CaptureDelay {
		before := conn.Strength
		conn.Strength = model.Clamp01(before + c.cfg.LateBoost*(1-before))
		conn.Tag = model.TagCaptured
		conn.TagExpiry = nil
		conn.UpdatedAt = c.now
		c.report.Captured++
		c.logger.Debug("tag captured",
			zap.String("connection", conn.ID),
			zap.Float64("from", before),
			zap.Float64("to", conn.Strength))
	}
}
