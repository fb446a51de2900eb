/*
DESCRIPTION
  sender.go provides Sender, the pipeline that captures, encodes, packetizes
  and sends frames.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/device"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/protocol/packet"
	"github.com/ausocean/fjarsyn/signaling"
	"github.com/ausocean/fjarsyn/transport"
)

// Sender is the sending pipeline:
//
//	FrameSource -> Encoder -> Packetizer -> transport.Session
//
// Stages run concurrently, joined by bounded queues that drop their oldest
// item when full.
type Sender struct {
	*controller
	src device.FrameSource

	sess   *transport.Session
	enc    codec.Encoder
	pz     *packet.Packetizer
	rc     *rateController
	frames *queue[*media.Frame]
	units  *queue[*media.AccessUnit]

	force atomic.Bool // Whether the next frame is to be a keyframe.
	sent  atomic.Uint64

	rateMu   sync.Mutex
	target   float64 // Bits per second.
	estimate float64 // Estimate the target was derived from.
}

// NewSender returns a Sender capturing from src. The config is validated,
// with defaults applied to unset fields.
func NewSender(cfg config.Config, src device.FrameSource, opts ...Option) (*Sender, error) {
	if src == nil {
		return nil, errors.New("nil frame source")
	}
	c, err := newController(cfg, opts)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		controller: c,
		src:        src,
		frames:     newQueue[*media.Frame](int(c.cfg.QueueLength)),
		units:      newQueue[*media.AccessUnit](int(c.cfg.QueueLength)),
	}
	if s.opts.connect == nil {
		s.opts.connect = s.dial
	}
	return s, nil
}

// Sent returns the number of access units handed to the transport.
func (s *Sender) Sent() uint64 { return s.sent.Load() }

// Rate returns the current target bitrate and the bandwidth estimate it was
// derived from, both in bits per second.
func (s *Sender) Rate() (target, estimate float64) {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.target, s.estimate
}

// Start negotiates the session, starts capture and launches the pipeline's
// stages. It returns once the pipeline is streaming, or with a Terminated
// error if it could not be set up. The pipeline runs until ctx is done, Stop
// is called, or a fatal fault occurs.
func (s *Sender) Start(ctx context.Context) error {
	ctx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	err = s.setup(ctx)
	if err != nil {
		s.finish(err)
		return s.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSession(gctx, s.sess) })
	g.Go(func() error { return s.capture(gctx) })
	g.Go(func() error { return s.encode(gctx) })
	g.Go(func() error { return s.send(gctx) })
	g.Go(func() error { return s.feedback(gctx) })
	g.Go(func() error { return s.control(gctx) })
	s.setState(Streaming)
	go func() { s.finish(g.Wait()) }()
	return nil
}

func (s *Sender) params() codec.Params {
	return codec.Params{
		Width:            int(s.cfg.Width),
		Height:           int(s.cfg.Height),
		Bitrate:          int(s.cfg.Bitrate),
		FrameRate:        int(s.cfg.FrameRate),
		KeyframeInterval: int(s.cfg.KeyframeInterval),
		TileSize:         int(s.cfg.TileSize),
	}
}

func (s *Sender) setup(ctx context.Context) error {
	mtu := s.cfg.MTU
	if s.cfg.Transport == config.TransportQUIC && mtu > transport.MaxQUICDatagram {
		s.log.Warning(pkg+"mtu exceeds quic datagram limit, reducing", "mtu", mtu, "limit", transport.MaxQUICDatagram)
		mtu = transport.MaxQUICDatagram
	}

	p := s.params()
	local := signaling.Description{
		SessionID:        uuid.New().ID(),
		Width:            p.Width,
		Height:           p.Height,
		FrameRate:        s.cfg.FrameRate,
		Bitrate:          s.cfg.Bitrate,
		KeyframeInterval: s.cfg.KeyframeInterval,
		MTU:              mtu,
		Transport:        transportName(s.cfg.Transport),
		Address:          s.cfg.LocalAddress,
	}

	neg, err := s.negotiator(ctx, true)
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}
	s.log.Info(pkg+"negotiating session", "id", local.SessionID, "transport", local.Transport)
	remote, err := neg.Negotiate(ctx, local)
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}

	conn, err := s.opts.connect(ctx, local, remote)
	if err != nil {
		return terminate(ReasonPeerUnreachable, fmt.Errorf("could not open transport: %w", err))
	}
	s.sess, err = transport.NewSession(s.log, conn, transport.SessionConfig{
		ID:                 local.SessionID,
		MTU:                mtu,
		InitialBitrate:     float64(s.cfg.Bitrate),
		MinBitrate:         float64(s.cfg.MinBitrate),
		MaxBitrate:         float64(s.cfg.MaxBitrate),
		SendQueueLength:    s.cfg.SendQueueLength,
		StallTimeout:       s.cfg.StallTimeout,
		UnreachableTimeout: s.cfg.UnreachableTimeout,
	})
	if err != nil {
		conn.Close()
		return terminate(ReasonNegotiation, err)
	}
	s.onClose(func() { s.sess.Close() })
	s.setSession(s.sess, Session{ID: local.SessionID, Local: local, Remote: remote})

	s.enc, err = s.opts.encoder(s.log, p)
	if err != nil {
		return terminate(ReasonEncoderInit, err)
	}
	s.onClose(func() { s.enc.Close() })
	s.force.Store(true)

	s.pz, err = packet.NewPacketizer(local.SessionID, int(mtu))
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}
	s.rc = newRateController(s.opts.rate, float64(s.cfg.Bitrate), float64(s.cfg.MinBitrate), float64(s.cfg.MaxBitrate), float64(s.cfg.DegradedBitrate))

	// Defaults have been applied to the config, so errors from the source
	// are only logged.
	s.log.Debug(pkg+"configuring frame source", "source", s.src.Name())
	err = s.src.Set(s.cfg)
	if err != nil {
		s.log.Warning(pkg+"errors from configuring frame source", "errors", err.Error())
	}
	err = s.src.Start()
	if err != nil {
		return terminate(ReasonCaptureLost, fmt.Errorf("could not start %s: %w", s.src.Name(), err))
	}
	s.onClose(func() { s.src.Stop() })
	s.log.Info(pkg+"frame source started", "source", s.src.Name())
	return nil
}

// runSession runs sess, treating any failure as the loss of the peer.
func runSession(ctx context.Context, sess *transport.Session) error {
	err := sess.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return terminate(ReasonPeerUnreachable, err)
	}
	return nil
}

// capture reads frames from the source. A lost source is restarted with
// exponential backoff; after the configured number of consecutive failures
// the pipeline terminates.
func (s *Sender) capture(ctx context.Context) error {
	var failures uint
	for {
		f, err := s.src.NextFrame(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, device.ErrEndOfSource):
			s.log.Info(pkg+"frame source ended", "source", s.src.Name())
			return errEndOfStream
		case err != nil:
			s.fault(CaptureFault, err)
			failures++
			if failures > s.cfg.CaptureRetries {
				return terminate(ReasonCaptureLost, err)
			}
			err = s.restart(ctx, failures)
			if err != nil {
				s.log.Warning(pkg+"could not restart frame source", "attempt", failures, "error", err.Error())
			}
			continue
		}
		failures = 0

		if s.frames.put(f) {
			s.log.Debug(pkg+"frame queue full, dropped oldest frame", "pts", f.Timestamp.String())
		}
	}
}

// restart waits out the backoff for the given attempt and restarts the
// source. The next frame is forced to be a keyframe.
func (s *Sender) restart(ctx context.Context, attempt uint) error {
	wait := s.opts.retryBase << (attempt - 1)
	s.log.Info(pkg+"restarting frame source", "attempt", attempt, "wait", wait.String())
	err := s.src.Stop()
	if err != nil {
		s.log.Warning(pkg+"could not stop frame source", "error", err.Error())
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}

	s.force.Store(true)
	return s.src.Start()
}

func (s *Sender) encode(ctx context.Context) error {
	for {
		f, err := s.frames.get(ctx)
		if err != nil {
			return nil
		}
		au, err := s.enc.Encode(f, s.force.Swap(false))
		switch {
		case errors.Is(err, codec.ErrUnsupported):
			return terminate(ReasonEncoderInit, err)
		case err != nil:
			s.fault(EncodeFault, err)
			s.force.Store(true)
			continue
		}

		if s.units.put(au) {
			s.log.Debug(pkg+"access unit queue full, dropped oldest", "seq", au.Seq)
		}
	}
}

func (s *Sender) send(ctx context.Context) error {
	for {
		au, err := s.units.get(ctx)
		if err != nil {
			return nil
		}
		pkts, err := s.pz.Packetize(au)
		if err != nil {
			s.log.Error(pkg+"could not packetize access unit", "seq", au.Seq, "error", err.Error())
			s.force.Store(true)
			continue
		}
		for _, p := range pkts {
			s.sess.Send(p)
		}
		s.sent.Add(1)
	}
}

// feedback applies the receiver's keyframe requests and acknowledgements.
func (s *Sender) feedback(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sess.KeyframeRequests():
			s.log.Debug(pkg + "keyframe requested by peer")
			s.force.Store(true)
		case seq := <-s.sess.Acks():
			s.enc.Acknowledge(seq)
		}
	}
}

// control adapts the encoder to the transport every control interval.
func (s *Sender) control(ctx context.Context) error {
	t := time.NewTicker(s.cfg.ControlInterval)
	defer t.Stop()
	var stalled bool
	scale := 1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		st := s.sess.Stats()
		if stalled && !st.Stalled {
			s.log.Info(pkg + "transport recovered, forcing keyframe")
			s.force.Store(true)
		}
		stalled = st.Stalled

		d := s.rc.update(st)
		s.rateMu.Lock()
		s.target, s.estimate = d.target, st.Estimate
		s.rateMu.Unlock()
		s.enc.SetBitrate(int(d.target))
		if d.scale != scale {
			s.log.Info(pkg+"changing resolution", "divisor", d.scale)
			s.enc.SetScale(d.scale)
			scale = d.scale
		}
		if d.changed || d.report {
			s.health(d.degraded, d.report, st)
		}
	}
}
