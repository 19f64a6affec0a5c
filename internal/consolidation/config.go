// Package consolidation runs the per-cycle plasticity passes that strengthen,
// weaken, tag and normalize connections between episodes.
package consolidation

import (
	"math"
	"time"
)

// Config holds the plasticity constants. Zero fields take the defaults.
type Config struct {
	// STDP
	Window          float64       // timing window in ms-equivalents, default 40
	TimingUnit      time.Duration // wall time per ms-equivalent, default 1m
	LTP             float64       // peak potentiation multiplier, default 1.5
	LTD             float64       // peak depression multiplier, default 0.8
	InitialStrength float64       // strength at first co-activation, default 0.3
	StrongActivity  float64       // both ends must reach this for LTP, default 0.5

	// BCM
	ThetaBase    float64
	ThetaTau     time.Duration
	ThetaUp      float64
	ThetaDown    float64
	HighActivity float64
	LowActivity  float64
	ThetaMinMult float64
	ThetaMaxMult float64

	// Tagging and capture
	TagMinCoActivations int
	TagThreshold        float64
	CaptureDelay        time.Duration
	MaxTagLifetime      time.Duration
	LateBoost           float64

	// Homeostatic scaling
	SigmaBound float64
	PruneFloor float64

	// Competition
	TopQuantile    float64
	MiddleQuantile float64
	TopGain        float64
	MiddleGain     float64
	BottomGain     float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:          40,
		TimingUnit:      time.Minute,
		LTP:             1.5,
		LTD:             0.8,
		InitialStrength: 0.3,
		StrongActivity:  0.5,

		ThetaBase:    0.5,
		ThetaTau:     3600 * time.Second,
		ThetaUp:      1.2,
		ThetaDown:    0.8,
		HighActivity: 0.6,
		LowActivity:  0.2,
		ThetaMinMult: 0.5,
		ThetaMaxMult: 2,

		TagMinCoActivations: 3,
		TagThreshold:        0.5,
		CaptureDelay:        1800 * time.Second,
		MaxTagLifetime:      7200 * time.Second,
		LateBoost:           0.25,

		SigmaBound: 2,
		PruneFloor: 0.02,

		TopQuantile:    0.3,
		MiddleQuantile: 0.7,
		TopGain:        1.0,
		MiddleGain:     0.5,
		BottomGain:     0.2,
	}
}

// withDefaults fills every zero field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	setF := func(v *float64, def float64) {
		if *v <= 0 || math.IsNaN(*v) {
			*v = def
		}
	}
	setD := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	setF(&c.Window, d.Window)
	setD(&c.TimingUnit, d.TimingUnit)
	setF(&c.LTP, d.LTP)
	setF(&c.LTD, d.LTD)
	setF(&c.InitialStrength, d.InitialStrength)
	setF(&c.StrongActivity, d.StrongActivity)
	setF(&c.ThetaBase, d.ThetaBase)
	setD(&c.ThetaTau, d.ThetaTau)
	setF(&c.ThetaUp, d.ThetaUp)
	setF(&c.ThetaDown, d.ThetaDown)
	setF(&c.HighActivity, d.HighActivity)
	setF(&c.LowActivity, d.LowActivity)
	setF(&c.ThetaMinMult, d.ThetaMinMult)
	setF(&c.ThetaMaxMult, d.ThetaMaxMult)
	if c.TagMinCoActivations <= 0 {
		c.TagMinCoActivations = d.TagMinCoActivations
	}
	setF(&c.TagThreshold, d.TagThreshold)
	setD(&c.CaptureDelay, d.CaptureDelay)
	setD(&c.MaxTagLifetime, d.MaxTagLifetime)
	setF(&c.LateBoost, d.LateBoost)
	setF(&c.SigmaBound, d.SigmaBound)
	setF(&c.PruneFloor, d.PruneFloor)
	setF(&c.TopQuantile, d.TopQuantile)
	setF(&c.MiddleQuantile, d.MiddleQuantile)
	setF(&c.TopGain, d.TopGain)
	setF(&c.MiddleGain, d.MiddleGain)
	setF(&c.BottomGain, d.BottomGain)
	return c
}

// ThetaBounds returns the allowed range of the metaplasticity threshold.
func (c Config) ThetaBounds() (lo, hi float64) {
	return c.ThetaBase * c.ThetaMinMult, c.ThetaBase * c.ThetaMaxMult
}

// ms converts wall time into ms-equivalents.
func (c Config) ms(d time.Duration) float64 {
	return float64(d) / float64(c.TimingUnit)
}

// timingFactor weighs a timing delta. It peaks at half the window and is zero
// outside it.
func (c Config) timingFactor(delta float64) float64 {
	ad := math.Abs(delta)
	if ad > c.Window {
		return 0
	}
	d := ad - c.Window/2
	return math.Exp(-(d * d) / (2 * c.Window * c.Window))
}
