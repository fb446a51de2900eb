/*
NAME
  session.go

DESCRIPTION
  session.go provides Session, which carries media packets and RTCP feedback
  between two peers over a Conn, keeping statistics of the path: round trip
  time, loss, jitter and an estimate of the available bandwidth.

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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ausocean/utils/bitrate"
	"github.com/ausocean/utils/logging"
	"github.com/ausocean/utils/pool"
	pion "github.com/pion/rtcp"
	"golang.org/x/sync/errgroup"

	"github.com/ausocean/fjarsyn/protocol/packet"
	"github.com/ausocean/fjarsyn/protocol/rtcp"
)

// Session defaults.
const (
	defaultMTU                = 1200
	defaultSendQueueLength    = 512
	defaultStallTimeout       = time.Second
	defaultUnreachableTimeout = 10 * time.Second
	defaultReportInterval     = 200 * time.Millisecond
	defaultMinBitrate         = 250e3
	defaultMaxBitrate         = 20e6
)

const (
	inboundQueueLen       = 1024
	ackQueueLen           = 64
	sendQueueTimeout      = 5 * time.Millisecond
	sendPollTimeout       = 50 * time.Millisecond
	minKeyframeRequestGap = 100 * time.Millisecond
	rttGain               = 0.125
)

// ErrUnreachable is returned by Run when nothing has been heard from the
// peer for the unreachable timeout.
var ErrUnreachable = errors.New("peer unreachable")

// SessionConfig holds the parameters of a Session. Zero fields take
// defaults.
type SessionConfig struct {
	ID                 uint32 // Local SSRC.
	MTU                uint
	InitialBitrate     float64
	MinBitrate         float64
	MaxBitrate         float64
	SendQueueLength    uint
	StallTimeout       time.Duration
	UnreachableTimeout time.Duration
	ReportInterval     time.Duration
}

func (c *SessionConfig) defaults() {
	if c.MTU == 0 {
		c.MTU = defaultMTU
	}
	if c.SendQueueLength == 0 {
		c.SendQueueLength = defaultSendQueueLength
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.UnreachableTimeout <= 0 {
		c.UnreachableTimeout = defaultUnreachableTimeout
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaultReportInterval
	}
	if c.MinBitrate <= 0 {
		c.MinBitrate = defaultMinBitrate
	}
	if c.MaxBitrate <= 0 {
		c.MaxBitrate = defaultMaxBitrate
	}
	if c.InitialBitrate <= 0 {
		c.InitialBitrate = c.MaxBitrate
	}
}

// Stats is a snapshot of session statistics.
type Stats struct {
	RTT             time.Duration
	Loss            float64 // Fraction of packets lost, as last reported by the peer.
	Reports         uint64  // Reception reports received from the peer.
	Estimate        float64 // Available bandwidth in bits per second.
	Jitter          time.Duration
	SentBitrate     int // Bits per second over the last report interval.
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsDropped  uint64 // Dropped from the send or inbound queue.
	PacketsInvalid  uint64 // Received datagrams failing to parse or checksum.
	Stalled         bool
}

// Session carries media packets and feedback between two peers. Send,
// RequestKeyframe, Ack and Stats may be called concurrently with Run.
type Session struct {
	log   logging.Logger
	cfg   SessionConfig
	conn  Conn
	sendq *pool.Buffer
	recv  *rtcp.ReceiveStats

	packets   chan *packet.Packet
	keyframes chan struct{}
	acks      chan uint32
	failed    chan error
	failOnce  sync.Once

	mu          sync.Mutex
	stats       Stats
	sent        bitrate.Calculator
	goodput     bitrate.Calculator
	loss        *lossEstimator
	delay       delayEstimator
	remote      uint32
	haveRemote  bool
	retired     uint32 // Remote session replaced by the current one.
	haveRetired bool
	lastSR      uint32
	lastSRAt    time.Time
	lastReceive time.Time
	lastPLI     time.Time
	rtpTime     uint32
}

// NewSession returns a Session over c.
func NewSession(l logging.Logger, c Conn, cfg SessionConfig) (*Session, error) {
	cfg.defaults()
	if cfg.MTU <= packet.Overhead {
		return nil, fmt.Errorf("mtu %d does not exceed packet overhead", cfg.MTU)
	}
	if cfg.MinBitrate > cfg.MaxBitrate {
		return nil, fmt.Errorf("minimum bitrate %v exceeds maximum %v", cfg.MinBitrate, cfg.MaxBitrate)
	}
	s := &Session{
		log:       l,
		cfg:       cfg,
		conn:      c,
		sendq:     pool.NewBuffer(int(cfg.SendQueueLength), int(cfg.MTU), sendQueueTimeout),
		recv:      rtcp.NewReceiveStats(packet.ClockRate),
		packets:   make(chan *packet.Packet, inboundQueueLen),
		keyframes: make(chan struct{}, 1),
		acks:      make(chan uint32, ackQueueLen),
		failed:    make(chan error, 1),
		loss:      newLossEstimator(cfg.InitialBitrate, cfg.MinBitrate, cfg.MaxBitrate),
	}
	s.stats.Estimate = s.loss.value(time.Now())
	return s, nil
}

// ID returns the local session identifier.
func (s *Session) ID() uint32 { return s.cfg.ID }

// Packets returns the channel of received media packets, stamped with their
// arrival time and in arrival order.
func (s *Session) Packets() <-chan *packet.Packet { return s.packets }

// KeyframeRequests returns a channel signalled when the peer asks for a
// keyframe.
func (s *Session) KeyframeRequests() <-chan struct{} { return s.keyframes }

// Acks returns the channel of access unit sequence numbers the peer has
// decoded.
func (s *Session) Acks() <-chan uint32 { return s.acks }

// Failed returns a channel that receives the error that ended Run.
func (s *Session) Failed() <-chan error { return s.failed }

// Run sends and receives until ctx is done, the Conn is closed or the peer
// becomes unreachable, in which case an error wrapping ErrUnreachable is
// returned.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	s.lastReceive = time.Now()
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sendLoop(ctx) })
	g.Go(func() error { return s.recvLoop(ctx) })
	g.Go(func() error { return s.controlLoop(ctx) })
	err := g.Wait()
	if err != nil {
		s.failOnce.Do(func() { s.failed <- err })
	}
	return err
}

// Close closes the underlying Conn.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Send queues p for sending, stamping its send time. It does not block; when
// the send queue is full the oldest queued packet is dropped.
func (s *Session) Send(p *packet.Packet) {
	p.SessionID = s.cfg.ID
	p.SendTime = packet.AbsSendTime(time.Now())
	b, err := p.Marshal()
	if err != nil {
		s.log.Error(pkg+"could not marshal packet", "error", err.Error())
		return
	}

	s.mu.Lock()
	s.rtpTime = uint32(p.PTS * packet.ClockRate / time.Second)
	s.mu.Unlock()

	_, err = s.sendq.Write(b)
	switch err {
	case nil:
		s.sendq.Flush()
	case pool.ErrDropped:
		s.sendq.Flush()
		s.log.Debug(pkg+"send queue full, dropped oldest packet")
		s.countDropped()
	default:
		s.log.Warning(pkg+"could not queue packet", "error", err.Error(), "size", len(b))
		s.countDropped()
	}
}

// RequestKeyframe asks the peer for a keyframe. Requests closer together
// than the round trip time, or 100ms if that is longer, are suppressed.
// It reports whether a request was sent.
func (s *Session) RequestKeyframe() bool {
	now := time.Now()
	s.mu.Lock()
	gap := max(s.stats.RTT, minKeyframeRequestGap)
	if !s.lastPLI.IsZero() && now.Sub(s.lastPLI) < gap {
		s.mu.Unlock()
		return false
	}
	s.lastPLI = now
	remote := s.remote
	s.mu.Unlock()

	s.writeRTCP(rtcp.KeyframeRequest(s.cfg.ID, remote))
	s.log.Debug(pkg+"requested keyframe")
	return true
}

// Ack tells the peer that access unit seq was decoded.
func (s *Session) Ack(seq uint32) {
	s.writeRTCP(rtcp.Ack(s.cfg.ID, seq))
}

// Stats returns a snapshot of the session statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Jitter = s.recv.Jitter()
	st.Estimate = s.loss.value(time.Now())
	return st
}

func (s *Session) countDropped() {
	s.mu.Lock()
	s.stats.PacketsDropped++
	s.mu.Unlock()
}

func (s *Session) writeRTCP(pkts ...pion.Packet) {
	b, err := rtcp.Marshal(pkts...)
	if err != nil {
		s.log.Error(pkg+"could not marshal rtcp", "error", err.Error())
		return
	}
	err = s.conn.WriteDatagram(b)
	if err != nil && !errors.Is(err, ErrNoPeer) {
		s.log.Debug(pkg+"could not write rtcp", "error", err.Error())
	}
}

func (s *Session) sendLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		chunk, err := s.sendq.Next(sendPollTimeout)
		switch err {
		case nil:
		case pool.ErrTimeout, io.EOF:
			continue
		default:
			s.log.Error(pkg+"unexpected send queue error", "error", err.Error())
			continue
		}

		n := len(chunk.Bytes())
		err = s.conn.WriteDatagram(chunk.Bytes())
		chunk.Close()
		switch {
		case errors.Is(err, ErrClosed):
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not send: %w", err)
		case err != nil:
			s.log.Debug(pkg+"could not write datagram", "error", err.Error())
			continue
		}

		s.mu.Lock()
		s.stats.PacketsSent++
		s.stats.BytesSent += uint64(n)
		s.sent.Report(n)
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) recvLoop(ctx context.Context) error {
	for {
		b, err := s.conn.ReadDatagram(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrClosed):
			return fmt.Errorf("could not receive: %w", err)
		case err != nil:
			s.log.Debug(pkg+"read error", "error", err.Error())
			continue
		}

		now := time.Now()
		s.mu.Lock()
		s.lastReceive = now
		s.stats.BytesReceived += uint64(len(b))
		s.mu.Unlock()

		if packet.IsRTCP(b) {
			s.handleRTCP(b, now)
			continue
		}

		p, err := packet.Unmarshal(b)
		if err != nil {
			s.log.Debug(pkg+"dropping invalid datagram", "error", err.Error())
			s.mu.Lock()
			s.stats.PacketsInvalid++
			s.mu.Unlock()
			continue
		}
		p.Arrival = now

		s.mu.Lock()
		if s.haveRetired && p.SessionID == s.retired {
			s.mu.Unlock()
			s.log.Debug(pkg+"dropping packet of replaced session", "id", p.SessionID)
			continue
		}
		if s.haveRemote && p.SessionID != s.remote {
			s.replaceRemote(p.SessionID)
		}
		s.remote, s.haveRemote = p.SessionID, true
		s.recv.Update(p.Counter, uint32(p.PTS*packet.ClockRate/time.Second), now)
		s.stats.PacketsReceived++
		s.goodput.Report(len(p.Payload))
		s.delay.update(p)
		s.mu.Unlock()

		select {
		case s.packets <- p:
		default:
			s.log.Warning(pkg+"inbound queue full, dropping packet", "seq", p.AUSeq)
			s.countDropped()
		}
	}
}

// replaceRemote starts the receive statistics afresh for a peer that has
// restarted with a new session id. s.mu must be held.
func (s *Session) replaceRemote(id uint32) {
	s.log.Info(pkg+"remote session changed", "from", s.remote, "to", id)
	s.retired, s.haveRetired = s.remote, true
	s.recv = rtcp.NewReceiveStats(packet.ClockRate)
	s.delay = delayEstimator{}
	s.lastSR, s.lastSRAt = 0, time.Time{}
}

func (s *Session) handleRTCP(b []byte, now time.Time) {
	f, err := rtcp.Parse(b)
	if err != nil {
		s.log.Debug(pkg+"dropping invalid rtcp", "error", err.Error())
		return
	}

	s.mu.Lock()
	if !s.haveRemote && f.SenderSSRC != 0 {
		s.remote, s.haveRemote = f.SenderSSRC, true
	}
	if f.Sender != nil {
		s.lastSR, s.lastSRAt = f.Sender.NTP.Middle(), now
	}
	for _, r := range f.Reports {
		if r.SSRC != s.cfg.ID {
			continue
		}
		s.stats.Loss = float64(r.FractionLost) / 256
		s.stats.Reports++
		s.loss.report(s.stats.Loss)
		rtt, ok := rtcp.RTT(now, r.LastSenderReport, r.Delay)
		if !ok {
			continue
		}
		if s.stats.RTT == 0 {
			s.stats.RTT = rtt
		} else {
			s.stats.RTT += time.Duration(rttGain * float64(rtt-s.stats.RTT))
		}
	}
	if f.Estimate > 0 {
		s.loss.receiverEstimate(f.Estimate, now)
	}
	s.mu.Unlock()

	if f.KeyframeRequest {
		select {
		case s.keyframes <- struct{}{}:
		default: // One request is already pending.
		}
	}
	for _, a := range f.Acks {
		select {
		case s.acks <- a:
		default:
			s.log.Debug(pkg+"ack queue full", "seq", a)
		}
	}
}

func (s *Session) controlLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.ReportInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			err := s.checkPeer(now)
			if err != nil {
				return err
			}
			s.report(now)
		}
	}
}

// checkPeer updates the stalled state and returns an error once the peer
// has been silent for the unreachable timeout.
func (s *Session) checkPeer(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	silent := now.Sub(s.lastReceive)
	stalled := silent > s.cfg.StallTimeout
	if stalled != s.stats.Stalled {
		if stalled {
			s.log.Warning(pkg+"transport stalled", "silent", silent.String())
		} else {
			s.log.Info(pkg+"transport recovered")
		}
		s.stats.Stalled = stalled
	}
	if silent > s.cfg.UnreachableTimeout {
		s.log.Error(pkg+"peer unreachable", "silent", silent.String())
		return fmt.Errorf("%w: nothing received for %v", ErrUnreachable, silent)
	}
	return nil
}

// report sends periodic feedback: a sender report once media has been sent,
// and a receiver report, which doubles as a keepalive, with a bandwidth
// estimate once congestion has been seen.
func (s *Session) report(now time.Time) {
	var pkts []pion.Packet
	s.mu.Lock()
	s.stats.SentBitrate = s.sent.Bitrate()
	if s.stats.PacketsSent > 0 {
		pkts = append(pkts, rtcp.SenderReport(s.cfg.ID, now, s.rtpTime, uint32(s.stats.PacketsSent), uint32(s.stats.BytesSent)))
	}
	rr := rtcp.ReceiverReport(s.cfg.ID)
	if s.haveRemote && s.stats.PacketsReceived > 0 {
		r := s.recv.Report(s.remote)
		if !s.lastSRAt.IsZero() {
			r.LastSenderReport = s.lastSR
			r.Delay = rtcp.Delay(now.Sub(s.lastSRAt))
		}
		rr.Reports = append(rr.Reports, r)
	}
	pkts = append(pkts, rr)
	if s.haveRemote && s.stats.PacketsReceived > 0 {
		if est := s.delay.estimate(float64(s.goodput.Bitrate())); est > 0 {
			pkts = append(pkts, rtcp.Estimate(s.cfg.ID, est, s.remote))
		}
	}
	s.mu.Unlock()

	s.writeRTCP(pkts...)
}
