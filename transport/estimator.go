/*
DESCRIPTION
  estimator.go provides the bandwidth estimators of a session: a loss based
  estimator on the sending side, bounded by the receiver's estimate, and a
  delay based estimator on the receiving side whose result is fed back as
  REMB.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package transport

import (
	"math"
	"time"

	"github.com/ausocean/fjarsyn/protocol/packet"
)

// Loss based estimator constants.
const (
	lossLow      = 0.02 // Below this loss the estimate grows.
	lossHigh     = 0.10 // Above this loss the estimate shrinks.
	lossIncrease = 1.05
	rembLifetime = 2 * time.Second // Age beyond which a receiver estimate is ignored.
)

// lossEstimator tracks available bandwidth from reported loss.
type lossEstimator struct {
	min, max float64
	est      float64
	remb     float64
	rembAt   time.Time
}

func newLossEstimator(initial, min, max float64) *lossEstimator {
	return &lossEstimator{min: min, max: max, est: clamp(initial, min, max)}
}

// report applies a reception report's loss fraction.
func (e *lossEstimator) report(loss float64) {
	switch {
	case loss < lossLow:
		e.est *= lossIncrease
	case loss > lossHigh:
		e.est *= 1 - loss/2
	}
	e.est = clamp(e.est, e.min, e.max)
}

// receiverEstimate records a receiver estimated maximum bitrate.
func (e *lossEstimator) receiverEstimate(bps float64, now time.Time) {
	e.remb, e.rembAt = bps, now
}

// value returns the current estimate in bits per second.
func (e *lossEstimator) value(now time.Time) float64 {
	v := e.est
	if e.remb > 0 && now.Sub(e.rembAt) < rembLifetime {
		v = math.Min(v, e.remb)
	}
	return clamp(v, e.min, e.max)
}

// Delay based estimator constants.
const (
	overuseThreshold = 0.005 // Seconds of smoothed delay gradient signalling queue build-up.
	gradientGain     = 0.1
	overuseBackoff   = 0.85
	delayIncrease    = 1.05
)

// delayEstimator detects queue build-up on the path from the growth of
// one-way delay between access units, in the manner of a simplified
// delay based congestion controller.
type delayEstimator struct {
	have        bool
	au          uint32
	prevSend    uint32
	prevArrival time.Time
	gradient    float64 // Smoothed delay gradient in seconds.
	est         float64 // Zero until the first overuse.
}

// update records the first packet of each access unit.
func (e *delayEstimator) update(p *packet.Packet) {
	if e.have && p.AUSeq == e.au {
		return
	}
	if e.have {
		d := p.Arrival.Sub(e.prevArrival) - packet.SendTimeDelta(e.prevSend, p.SendTime)
		e.gradient += gradientGain * (d.Seconds() - e.gradient)
	}
	e.have = true
	e.au, e.prevSend, e.prevArrival = p.AUSeq, p.SendTime, p.Arrival
}

// estimate returns the bitrate to report given the measured goodput, or 0
// if the path shows no sign of congestion yet.
func (e *delayEstimator) estimate(goodput float64) float64 {
	switch {
	case e.gradient > overuseThreshold && goodput > 0:
		e.est = overuseBackoff * goodput
		// Start the next period from a clean slate.
		e.gradient = 0
	case e.est > 0:
		e.est *= delayIncrease
	}
	return e.est
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
