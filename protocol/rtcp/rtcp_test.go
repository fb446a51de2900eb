/*
DESCRIPTION
  rtcp_test.go tests feedback construction and parsing, NTP timestamps and
  reception statistics.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rtcp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	pion "github.com/pion/rtcp"
)

func TestCompoundRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 250000000, time.UTC)
	rr := pion.ReceptionReport{SSRC: 2, FractionLost: 25, TotalLost: 7, LastSequenceNumber: 70000, Jitter: 90}
	b, err := Marshal(
		SenderReport(1, now, 9000, 100, 120000),
		ReceiverReport(1, rr),
		KeyframeRequest(1, 2),
		Estimate(1, 2.5e6, 2),
		Ack(1, 5, 6, 1<<31),
	)
	if err != nil {
		t.Fatalf("could not marshal: %v", err)
	}

	f, err := Parse(b)
	if err != nil {
		t.Fatalf("could not parse: %v", err)
	}
	if f.Sender == nil {
		t.Fatal("sender info missing")
	}
	want := SenderInfo{NTP: NTP(now), RTPTime: 9000, PacketCount: 100, OctetCount: 120000}
	if !cmp.Equal(*f.Sender, want) {
		t.Errorf("sender info mismatch: %s", cmp.Diff(want, *f.Sender))
	}
	if !cmp.Equal(f.Reports, []pion.ReceptionReport{rr}) {
		t.Errorf("reports mismatch: %+v", f.Reports)
	}
	if !f.KeyframeRequest {
		t.Error("keyframe request missing")
	}
	// REMB carries a mantissa and exponent, so allow for rounding.
	if f.Estimate < 2.49e6 || f.Estimate > 2.51e6 {
		t.Errorf("unexpected estimate: %v", f.Estimate)
	}
	if !cmp.Equal(f.Acks, []uint32{5, 6, 1 << 31}) {
		t.Errorf("acks mismatch: %v", f.Acks)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := Parse([]byte{0x80, 200, 0, 1}); err == nil {
		t.Error("expected error for truncated packet")
	}
}

func TestRTT(t *testing.T) {
	sent := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	lsr := NTP(sent).Middle()
	dlsr := Delay(30 * time.Millisecond)

	rtt, ok := RTT(sent.Add(80*time.Millisecond), lsr, dlsr)
	if !ok {
		t.Fatal("rtt not available")
	}
	if rtt < 49*time.Millisecond || rtt > 51*time.Millisecond {
		t.Errorf("unexpected rtt: %v", rtt)
	}
	if _, ok := RTT(sent, 0, 0); ok {
		t.Error("rtt available without sender report")
	}
}

func TestReceiveStats(t *testing.T) {
	const clock = 90000
	s := NewReceiveStats(clock)
	base := time.Now()

	// Ten packets with sequence numbers crossing the wrap, two lost.
	var seq uint16 = 65530
	for i := 0; i < 10; i++ {
		if i == 3 || i == 7 {
			seq++
			continue
		}
		ts := uint32(i * 3000)
		s.Update(seq, ts, base.Add(time.Duration(i)*time.Second*3000/clock))
		seq++
	}

	r := s.Report(9)
	if r.SSRC != 9 {
		t.Errorf("unexpected ssrc: %d", r.SSRC)
	}
	if r.TotalLost != 2 {
		t.Errorf("unexpected total lost: got %d, want 2", r.TotalLost)
	}
	if want := uint32(1<<16 | 3); r.LastSequenceNumber != want {
		t.Errorf("unexpected extended sequence: got %d, want %d", r.LastSequenceNumber, want)
	}
	if want := uint8(2 * 256 / 10); r.FractionLost != want {
		t.Errorf("unexpected fraction lost: got %d, want %d", r.FractionLost, want)
	}
	if s.Jitter() > time.Millisecond {
		t.Errorf("unexpected jitter for evenly paced packets: %v", s.Jitter())
	}

	// No loss in the next interval.
	s.Update(seq, 30000, base.Add(10*time.Second*3000/clock))
	if r := s.Report(9); r.FractionLost != 0 || r.TotalLost != 2 {
		t.Errorf("unexpected second report: %+v", r)
	}
}

func TestReceiveStatsJitter(t *testing.T) {
	s := NewReceiveStats(1000)
	base := time.Now()
	for i := 0; i < 200; i++ {
		// Alternate arrivals 10ms early and late.
		off := 10 * time.Millisecond
		if i%2 == 0 {
			off = -off
		}
		s.Update(uint16(i), uint32(i*100), base.Add(time.Duration(i)*100*time.Millisecond+off))
	}
	if j := s.Jitter(); j < 15*time.Millisecond || j > 25*time.Millisecond {
		t.Errorf("unexpected jitter: %v", j)
	}
}
