package model

import (
	"math"
	"time"
)

// TagState is the synaptic tagging status of a connection.
type TagState string

const (
	TagUntagged TagState = "untagged"
	TagTagged   TagState = "tagged"
	TagCaptured TagState = "captured"
)

// Tier is the competition quantile a connection landed in during the last cycle.
type Tier string

const (
	TierNone   Tier = ""
	TierTop    Tier = "top"
	TierMiddle Tier = "middle"
	TierBottom Tier = "bottom"
)

// Connection is a synaptic link between two entities (episode keys).
// Pre is the entity that fired first when the connection was created.
type Connection struct {
	ID              string     `json:"id"`
	Pre             string     `json:"pre"`
	Post            string     `json:"post"`
	Strength        float64    `json:"strength"`
	CoActivations   int        `json:"co_activations"`
	LastDeltaMs     float64    `json:"last_delta_ms"`
	LastMultiplier  float64    `json:"last_multiplier"`
	LastCoActivated time.Time  `json:"last_co_activated"`
	Theta           float64    `json:"theta"`
	ActivityAvg     float64    `json:"activity_avg"`
	Tag             TagState   `json:"tag"`
	TaggedAt        *time.Time `json:"tagged_at,omitempty"`
	TagClock        *time.Time `json:"tag_clock,omitempty"`
	TagExpiry       *time.Time `json:"tag_expiry,omitempty"`
	Tier            Tier       `json:"tier,omitempty"`
	Pruned          bool       `json:"pruned"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ConnectionID returns the identity of the connection between pre and post.
func ConnectionID(pre, post string) string {
	return pre + "->" + post
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	out := *c
	out.TaggedAt = cloneTime(c.TaggedAt)
	out.TagClock = cloneTime(c.TagClock)
	out.TagExpiry = cloneTime(c.TagExpiry)
	return &out
}

// Touches reports whether the connection is incident to entity.
func (c *Connection) Touches(entity string) bool {
	return c.Pre == entity || c.Post == entity
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Clamp01 bounds v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp bounds v to [lo,hi]; NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
