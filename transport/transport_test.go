/*
DESCRIPTION
  transport_test.go tests connections, the simulated link, estimators and
  sessions.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/protocol/packet"
)

func TestUDPConn(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", a.LocalAddr().String())
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}
	defer b.Close()

	if err := a.WriteDatagram([]byte("early")); !errors.Is(err, ErrNoPeer) {
		t.Errorf("expected ErrNoPeer before peer is known, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.WriteDatagram([]byte("hello")); err != nil {
		t.Fatalf("could not write: %v", err)
	}
	got, err := a.ReadDatagram(ctx)
	if err != nil || string(got) != "hello" {
		t.Fatalf("unexpected read: %q, %v", got, err)
	}

	// a has now learnt b's address.
	if err := a.WriteDatagram([]byte("reply")); err != nil {
		t.Fatalf("could not reply: %v", err)
	}
	got, err = b.ReadDatagram(ctx)
	if err != nil || string(got) != "reply" {
		t.Fatalf("unexpected reply: %q, %v", got, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelShort()
	if _, err := b.ReadDatagram(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLinkLoss(t *testing.T) {
	const n = 2000
	l := NewLink(LinkConfig{Loss: 0.1, Seed: 1})
	for i := 0; i < n; i++ {
		l.A().WriteDatagram([]byte{byte(i)})
	}
	got := l.Delivered()
	if got+l.Dropped() != n {
		t.Errorf("delivered %d + dropped %d != %d", got, l.Dropped(), n)
	}
	if got < n*85/100 || got > n*95/100 {
		t.Errorf("unexpected delivery count for 10%% loss: %d", got)
	}

	l.SetDown(true)
	l.B().WriteDatagram([]byte{1})
	l.SetDown(false)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.A().ReadDatagram(ctx); err == nil {
		t.Error("datagram delivered during outage")
	}

	l.A().Close()
	if _, err := l.A().ReadDatagram(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := l.A().WriteDatagram(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on write, got %v", err)
	}
}

func TestLinkDelayReorders(t *testing.T) {
	l := NewLink(LinkConfig{Delay: 5 * time.Millisecond, Jitter: 20 * time.Millisecond, Seed: 3})
	const n = 50
	for i := 0; i < n; i++ {
		l.A().WriteDatagram([]byte{byte(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var reordered bool
	prev := -1
	for i := 0; i < n; i++ {
		b, err := l.B().ReadDatagram(ctx)
		if err != nil {
			t.Fatalf("could not read datagram %d: %v", i, err)
		}
		if int(b[0]) < prev {
			reordered = true
		}
		prev = int(b[0])
	}
	if !reordered {
		t.Error("expected jitter to reorder datagrams")
	}
}

func TestLinkRate(t *testing.T) {
	// 100 byte datagrams take 10ms each; 100ms of queue holds about ten.
	l := NewLink(LinkConfig{Rate: 10000, QueueDelay: 100 * time.Millisecond})
	const n = 30
	start := time.Now()
	for i := 0; i < n; i++ {
		l.A().WriteDatagram(make([]byte, 100))
	}
	queued := n - int(l.Dropped())
	if queued < 10 || queued > 13 {
		t.Fatalf("unexpected datagrams queued: %d", queued)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < queued; i++ {
		_, err := l.B().ReadDatagram(ctx)
		if err != nil {
			t.Fatalf("could not read datagram %d: %v", i, err)
		}
	}
	if d := time.Since(start); d < time.Duration(queued)*10*time.Millisecond-5*time.Millisecond {
		t.Errorf("%d datagrams delivered in %v, faster than capacity", queued, d)
	}

	// Lifting the limit delivers at once.
	l.SetRate(0)
	time.Sleep(50 * time.Millisecond)
	l.A().WriteDatagram([]byte{1})
	short, cancelShort := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancelShort()
	if _, err := l.B().ReadDatagram(short); err != nil {
		t.Errorf("datagram not delivered without rate limit: %v", err)
	}
}

func TestLossEstimator(t *testing.T) {
	e := newLossEstimator(1e6, 100e3, 2e6)
	now := time.Now()

	e.report(0)
	if v := e.value(now); v <= 1e6 {
		t.Errorf("estimate did not grow without loss: %v", v)
	}
	e.report(0.5)
	if v := e.value(now); v >= 1e6 {
		t.Errorf("estimate did not shrink under loss: %v", v)
	}
	for i := 0; i < 100; i++ {
		e.report(0)
	}
	if v := e.value(now); v != 2e6 {
		t.Errorf("estimate not clamped to maximum: %v", v)
	}

	e.receiverEstimate(500e3, now)
	if v := e.value(now); v != 500e3 {
		t.Errorf("estimate not bounded by receiver: %v", v)
	}
	if v := e.value(now.Add(2 * rembLifetime)); v != 2e6 {
		t.Errorf("stale receiver estimate still applied: %v", v)
	}
}

func TestDelayEstimator(t *testing.T) {
	var e delayEstimator
	base := time.Now()
	send := packet.AbsSendTime(base)

	// Evenly paced access units see no congestion.
	for i := 0; i < 10; i++ {
		d := time.Duration(i) * 10 * time.Millisecond
		e.update(&packet.Packet{AUSeq: uint32(i), SendTime: send + uint32(d*(1<<18)/time.Second), Arrival: base.Add(d)})
	}
	if est := e.estimate(1e6); est != 0 {
		t.Errorf("unexpected estimate without congestion: %v", est)
	}

	// Arrivals falling further behind their send times signal queue build-up.
	for i := 10; i < 40; i++ {
		d := time.Duration(i) * 10 * time.Millisecond
		queue := time.Duration(i-10) * 20 * time.Millisecond
		e.update(&packet.Packet{AUSeq: uint32(i), SendTime: send + uint32(d*(1<<18)/time.Second), Arrival: base.Add(d + queue)})
	}
	est := e.estimate(1e6)
	if want := overuseBackoff * 1e6; est < want-1 || est > want+1 {
		t.Errorf("unexpected estimate under congestion: got %v, want %v", est, want)
	}
	if next := e.estimate(1e6); next <= est {
		t.Errorf("estimate did not recover: %v", next)
	}
}

type sessionPair struct {
	link     *Link
	sender   *Session
	receiver *Session
	cancel   context.CancelFunc
	done     chan error
}

func newSessionPair(t *testing.T, lc LinkConfig, cfg SessionConfig) *sessionPair {
	t.Helper()
	l := NewLink(lc)
	cfg.ID = 1
	s, err := NewSession((*logging.TestLogger)(t), l.A(), cfg)
	if err != nil {
		t.Fatalf("could not create sender session: %v", err)
	}
	cfg.ID = 2
	r, err := NewSession((*logging.TestLogger)(t), l.B(), cfg)
	if err != nil {
		t.Fatalf("could not create receiver session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &sessionPair{link: l, sender: s, receiver: r, cancel: cancel, done: make(chan error, 2)}
	go func() { p.done <- s.Run(ctx) }()
	go func() { p.done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 2; i++ {
			<-p.done
		}
	})
	return p
}

func TestSessionExchange(t *testing.T) {
	p := newSessionPair(t, LinkConfig{Delay: 10 * time.Millisecond}, SessionConfig{ReportInterval: 20 * time.Millisecond})

	const n = 20
	for i := 0; i < n; i++ {
		p.sender.Send(&packet.Packet{AUSeq: uint32(i), Index: 0, Count: 1, PTS: time.Duration(i) * 33 * time.Millisecond, Payload: []byte{byte(i)}})
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case pkt := <-p.receiver.Packets():
			if pkt.SessionID != 1 || pkt.Arrival.IsZero() {
				t.Errorf("unexpected packet: %+v", pkt)
			}
		case <-timeout:
			t.Fatalf("received %d of %d packets", i, n)
		}
	}

	p.receiver.Ack(7)
	select {
	case seq := <-p.sender.Acks():
		if seq != 7 {
			t.Errorf("unexpected ack: %d", seq)
		}
	case <-time.After(time.Second):
		t.Fatal("ack not received")
	}

	if !p.receiver.RequestKeyframe() {
		t.Fatal("first keyframe request suppressed")
	}
	if p.receiver.RequestKeyframe() {
		t.Error("immediate second keyframe request not suppressed")
	}
	select {
	case <-p.sender.KeyframeRequests():
	case <-time.After(time.Second):
		t.Fatal("keyframe request not received")
	}

	// Wait for sender and receiver reports to yield a round trip time.
	deadline := time.Now().Add(2 * time.Second)
	for p.sender.Stats().RTT == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := p.sender.Stats()
	if st.RTT < 15*time.Millisecond || st.RTT > 200*time.Millisecond {
		t.Errorf("unexpected rtt for 20ms path: %v", st.RTT)
	}
	if st.PacketsSent != n || st.Estimate <= 0 {
		t.Errorf("unexpected sender stats: %+v", st)
	}
	if rs := p.receiver.Stats(); rs.PacketsReceived != n || rs.Stalled {
		t.Errorf("unexpected receiver stats: %+v", rs)
	}
}

func TestSessionUnreachable(t *testing.T) {
	p := newSessionPair(t, LinkConfig{}, SessionConfig{
		ReportInterval:     10 * time.Millisecond,
		StallTimeout:       50 * time.Millisecond,
		UnreachableTimeout: 300 * time.Millisecond,
	})

	// Keepalive reports flow while the link is up.
	time.Sleep(100 * time.Millisecond)
	if p.sender.Stats().Stalled {
		t.Fatal("stalled while link up")
	}

	p.link.SetDown(true)
	time.Sleep(150 * time.Millisecond)
	if !p.sender.Stats().Stalled {
		t.Error("not stalled during outage")
	}

	select {
	case err := <-p.sender.Failed():
		if !errors.Is(err, ErrUnreachable) {
			t.Errorf("expected ErrUnreachable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fail")
	}
}

func TestSessionStallRecovery(t *testing.T) {
	p := newSessionPair(t, LinkConfig{}, SessionConfig{
		ReportInterval:     10 * time.Millisecond,
		StallTimeout:       50 * time.Millisecond,
		UnreachableTimeout: 5 * time.Second,
	})

	p.link.SetDown(true)
	time.Sleep(150 * time.Millisecond)
	if !p.receiver.Stats().Stalled {
		t.Fatal("not stalled during outage")
	}
	p.link.SetDown(false)
	time.Sleep(150 * time.Millisecond)
	if p.receiver.Stats().Stalled {
		t.Error("still stalled after outage ended")
	}
}

func TestSessionRemoteRestart(t *testing.T) {
	l := NewLink(LinkConfig{})
	r, err := NewSession((*logging.TestLogger)(t), l.B(), SessionConfig{ID: 2, ReportInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("could not create session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	send := func(id uint32, counter uint16, seq uint32) {
		t.Helper()
		p := &packet.Packet{SessionID: id, Counter: counter, AUSeq: seq, Count: 1, Payload: []byte{1}}
		b, err := p.Marshal()
		if err != nil {
			t.Fatalf("could not marshal packet: %v", err)
		}
		err = l.A().WriteDatagram(b)
		if err != nil {
			t.Fatalf("could not write datagram: %v", err)
		}
	}
	recv := func() *packet.Packet {
		t.Helper()
		select {
		case p := <-r.Packets():
			return p
		case <-time.After(time.Second):
			t.Fatal("packet not received")
		}
		return nil
	}

	// A peer streams, restarts with a new id and sequence numbers, then a
	// straggler from its first session arrives.
	for i := 0; i < 5; i++ {
		send(10, uint16(1000+i), uint32(500+i))
		if p := recv(); p.SessionID != 10 {
			t.Errorf("unexpected session id %d", p.SessionID)
		}
	}
	for i := 0; i < 5; i++ {
		send(20, uint16(i), uint32(i))
		if p := recv(); p.SessionID != 20 || p.AUSeq != uint32(i) {
			t.Errorf("unexpected packet after restart: %+v", p)
		}
	}
	send(10, 1005, 505)
	send(20, 5, 5)
	if p := recv(); p.SessionID != 20 {
		t.Errorf("packet of replaced session delivered: %+v", p)
	}
	if st := r.Stats(); st.PacketsReceived != 11 {
		t.Errorf("unexpected packets received: %d", st.PacketsReceived)
	}
}
