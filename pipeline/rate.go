/*
DESCRIPTION
  rate.go provides the sender's rate controller, which adapts the encoder's
  target bitrate and resolution to the transport's bandwidth estimate and
  loss.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pipeline

import (
	"github.com/ausocean/fjarsyn/transport"
)

// RateConfig holds the tuning of the rate controller. Zero fields take
// defaults from DefaultRateConfig.
type RateConfig struct {
	// Beta is the factor applied to the target when loss exceeds
	// LossThreshold.
	Beta          float64
	LossThreshold float64

	// AdditiveStep is added to the target, in bits per second, once the
	// estimate has exceeded the target by HeadroomMargin for
	// HeadroomIntervals consecutive intervals.
	AdditiveStep      float64
	HeadroomMargin    float64
	HeadroomIntervals int

	// DegradedReport is the number of consecutive degraded intervals after
	// which a degradation event is raised.
	DegradedReport int

	// StepDownIntervals is the number of consecutive degraded intervals
	// after which resolution is halved, and of healthy intervals after which
	// it is doubled again. MaxScale bounds the downscale divisor.
	StepDownIntervals int
	MaxScale          int
}

// DefaultRateConfig returns the default rate controller tuning.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		Beta:              0.85,
		LossThreshold:     0.1,
		AdditiveStep:      100000,
		HeadroomMargin:    0.1,
		HeadroomIntervals: 3,
		DegradedReport:    10,
		StepDownIntervals: 25,
		MaxScale:          4,
	}
}

func (c *RateConfig) defaults() {
	d := DefaultRateConfig()
	if c.Beta <= 0 || c.Beta >= 1 {
		c.Beta = d.Beta
	}
	if c.LossThreshold <= 0 {
		c.LossThreshold = d.LossThreshold
	}
	if c.AdditiveStep <= 0 {
		c.AdditiveStep = d.AdditiveStep
	}
	if c.HeadroomMargin <= 0 {
		c.HeadroomMargin = d.HeadroomMargin
	}
	if c.HeadroomIntervals <= 0 {
		c.HeadroomIntervals = d.HeadroomIntervals
	}
	if c.DegradedReport <= 0 {
		c.DegradedReport = d.DegradedReport
	}
	if c.StepDownIntervals <= 0 {
		c.StepDownIntervals = d.StepDownIntervals
	}
	if c.MaxScale < 1 {
		c.MaxScale = d.MaxScale
	}
}

// recoverMargin is the factor above the degraded bitrate the estimate must
// reach before a degraded session is considered healthy again.
const recoverMargin = 1.1

// rateController is an AIMD controller over the target bitrate. It is not
// safe for concurrent use.
type rateController struct {
	cfg      RateConfig
	min, max float64
	degrade  float64 // Degraded bitrate.

	target   float64
	headroom int    // Consecutive intervals with headroom.
	reports  uint64 // Reception reports seen at the last decrease.

	degraded bool
	run      int // Consecutive intervals in the current degraded or healthy condition.
	scale    int
}

// decision is the outcome of one control interval.
type decision struct {
	target   float64
	degraded bool // Whether the session is degraded.
	changed  bool // Whether degraded changed this interval.
	report   bool // Whether a degradation event is due.
	scale    int  // Downscale divisor.
}

func newRateController(cfg RateConfig, initial, min, max, degraded float64) *rateController {
	cfg.defaults()
	r := &rateController{cfg: cfg, min: min, max: max, degrade: degraded, scale: 1}
	r.target = clamp(initial, min, max)
	return r
}

// update runs one control interval over the transport statistics st. The
// target decreases once per loss report and is never left above a known
// estimate, even when that is below the minimum.
func (r *rateController) update(st transport.Stats) decision {
	est := st.Estimate
	switch {
	case st.Loss > r.cfg.LossThreshold:
		if st.Reports != r.reports {
			r.target *= r.cfg.Beta
			r.reports = st.Reports
		}
		r.headroom = 0
	case est >= r.target*(1+r.cfg.HeadroomMargin):
		r.headroom++
		if r.headroom >= r.cfg.HeadroomIntervals {
			r.target += r.cfg.AdditiveStep
			r.headroom = 0
		}
	default:
		r.headroom = 0
	}
	r.target = clamp(r.target, r.min, r.max)
	if est > 0 && r.target > est {
		r.target = est
	}

	d := decision{}
	bad := est < r.degrade || st.Stalled
	if r.degraded {
		bad = est < r.degrade*recoverMargin || st.Stalled
	}
	if bad != r.degraded {
		r.degraded = bad
		r.run = 0
		d.changed = true
	}
	r.run++

	switch {
	case r.degraded:
		if r.run == r.cfg.DegradedReport {
			d.report = true
		}
		if r.run%r.cfg.StepDownIntervals == 0 && r.scale < r.cfg.MaxScale {
			r.scale *= 2
		}
	case r.scale > 1 && r.run%r.cfg.StepDownIntervals == 0:
		r.scale /= 2
	}

	d.target = r.target
	d.degraded = r.degraded
	d.scale = r.scale
	return d
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}
