/*
DESCRIPTION
  stats.go provides ReceiveStats, which accumulates the statistics of a
  received RTP stream needed to form reception reports, following RFC 3550
  appendices A.1, A.3 and A.8.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rtcp

import (
	"math"
	"sync"
	"time"

	pion "github.com/pion/rtcp"
)

const (
	maxDropout   = 3000 // Largest forward sequence jump treated as loss.
	maxTotalLost = 0x7fffff
)

// ReceiveStats accumulates reception statistics for one RTP source. It is
// safe for concurrent use.
type ReceiveStats struct {
	mu        sync.Mutex
	clockRate float64

	init     bool
	base     time.Time // Arrival time of the first packet.
	baseSeq  uint32
	maxSeq   uint16
	cycles   uint32
	received uint32

	expectedPrior uint32
	receivedPrior uint32

	haveTransit bool
	transit     float64 // Previous relative transit time in clock units.
	jitter      float64 // Interarrival jitter in clock units.
}

// NewReceiveStats returns ReceiveStats for a stream with the given RTP clock
// rate in Hz.
func NewReceiveStats(clockRate int) *ReceiveStats {
	return &ReceiveStats{clockRate: float64(clockRate)}
}

// Update records the arrival of a packet with sequence number seq and RTP
// timestamp ts.
func (s *ReceiveStats) Update(seq uint16, ts uint32, arrival time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.init {
		s.init = true
		s.base = arrival
		s.baseSeq = uint32(seq)
		s.maxSeq = seq
	} else if delta := seq - s.maxSeq; delta != 0 && delta < maxDropout {
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
	}
	s.received++

	// Transit is only meaningful relative to other packets, so arrival is
	// measured from the first packet to keep values small.
	transit := arrival.Sub(s.base).Seconds()*s.clockRate - float64(ts)
	if s.haveTransit {
		d := math.Abs(transit - s.transit)
		s.jitter += (d - s.jitter) / 16
	}
	s.transit, s.haveTransit = transit, true
}

// ExtendedHighest returns the highest sequence number received extended by
// the count of sequence number cycles.
func (s *ReceiveStats) ExtendedHighest() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles | uint32(s.maxSeq)
}

// Received returns the number of packets received.
func (s *ReceiveStats) Received() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Jitter returns the current interarrival jitter estimate.
func (s *ReceiveStats) Jitter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.jitter / s.clockRate * float64(time.Second))
}

// Report returns a reception report for source ssrc covering the interval
// since the previous call. LastSenderReport and Delay are left for the
// caller to fill.
func (s *ReceiveStats) Report(ssrc uint32) pion.ReceptionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := pion.ReceptionReport{SSRC: ssrc}
	if !s.init {
		return r
	}

	ext := s.cycles | uint32(s.maxSeq)
	expected := ext - s.baseSeq + 1
	lost := int64(expected) - int64(s.received)
	switch {
	case lost < 0:
		lost = 0
	case lost > maxTotalLost:
		lost = maxTotalLost
	}

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior, s.receivedPrior = expected, s.received
	lostInterval := int64(expectedInterval) - int64(receivedInterval)
	if expectedInterval != 0 && lostInterval > 0 {
		r.FractionLost = uint8((lostInterval << 8) / int64(expectedInterval))
	}

	r.TotalLost = uint32(lost)
	r.LastSequenceNumber = ext
	r.Jitter = uint32(s.jitter)
	return r
}
