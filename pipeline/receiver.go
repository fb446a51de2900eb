/*
DESCRIPTION
  receiver.go provides Receiver, the pipeline that reorders, reassembles and
  decodes received packets and renders the resulting frames.

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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/jitter"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/protocol/packet"
	"github.com/ausocean/fjarsyn/signaling"
	"github.com/ausocean/fjarsyn/transport"
)

// Receiver is the receiving pipeline:
//
//	transport.Session -> jitter.Buffer -> Depacketizer -> Decoder -> Sink
//
// Lost or undecodable access units are skipped and a keyframe is requested
// from the sender.
type Receiver struct {
	*controller
	sink Sink
	cert *transport.Certificate

	sess   *transport.Session
	dec    codec.Decoder
	jb     *jitter.Buffer
	dp     *packet.Depacketizer
	units  *queue[unit]
	frames *queue[*media.Frame]

	// Session ID of the sender, followed from received packets. Guarded by
	// the reorder goroutine.
	remote     uint32
	haveRemote bool

	decoded atomic.Uint64
	expired atomic.Uint64
}

// NewReceiver returns a Receiver rendering to sink. The config is validated,
// with defaults applied to unset fields.
func NewReceiver(cfg config.Config, sink Sink, opts ...Option) (*Receiver, error) {
	if sink == nil {
		return nil, errors.New("nil sink")
	}
	c, err := newController(cfg, opts)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		controller: c,
		sink:       sink,
		units:      newQueue[unit](int(c.cfg.QueueLength)),
		frames:     newQueue[*media.Frame](int(c.cfg.QueueLength)),
	}
	if r.opts.connect == nil {
		r.opts.connect = r.listen
	}
	return r, nil
}

// Decoded returns the number of access units decoded.
func (r *Receiver) Decoded() uint64 { return r.decoded.Load() }

// Expired returns the number of access units given up on by the jitter
// buffer.
func (r *Receiver) Expired() uint64 { return r.expired.Load() }

// Start negotiates the session and launches the pipeline's stages. It
// returns once the pipeline is streaming, or with a Terminated error if it
// could not be set up. The pipeline runs until ctx is done, Stop is called,
// or the sender becomes unreachable.
func (r *Receiver) Start(ctx context.Context) error {
	ctx, err := r.begin(ctx)
	if err != nil {
		return err
	}
	err = r.setup(ctx)
	if err != nil {
		r.finish(err)
		return r.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runSession(gctx, r.sess) })
	g.Go(func() error { return r.reorder(gctx) })
	g.Go(func() error { return r.decode(gctx) })
	g.Go(func() error { return r.render(gctx) })
	g.Go(func() error { return r.control(gctx) })
	r.setState(Streaming)
	go func() { r.finish(g.Wait()) }()
	return nil
}

func (r *Receiver) setup(ctx context.Context) error {
	local := signaling.Description{
		Transport: transportName(r.cfg.Transport),
		Address:   r.cfg.LocalAddress,
	}
	if r.cfg.Transport == config.TransportQUIC {
		cert, err := transport.GenerateCertificate(certValidity)
		if err != nil {
			return terminate(ReasonNegotiation, err)
		}
		r.cert = cert
		local.Fingerprint = cert.FingerprintHex()
	}

	neg, err := r.negotiator(ctx, false)
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}
	r.log.Info(pkg+"awaiting session", "transport", local.Transport, "address", local.Address)
	remote, err := neg.Negotiate(ctx, local)
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}
	if remote.SessionID != 0 {
		r.remote, r.haveRemote = remote.SessionID, true
		r.log.Info(pkg+"session offered", "id", remote.SessionID, "width", remote.Width, "height", remote.Height, "fps", remote.FrameRate)
	}

	conn, err := r.opts.connect(ctx, local, remote)
	if err != nil {
		return terminate(ReasonPeerUnreachable, fmt.Errorf("could not open transport: %w", err))
	}
	id := uuid.New().ID()
	r.sess, err = transport.NewSession(r.log, conn, transport.SessionConfig{
		ID:                 id,
		MTU:                r.cfg.MTU,
		MinBitrate:         float64(r.cfg.MinBitrate),
		MaxBitrate:         float64(r.cfg.MaxBitrate),
		SendQueueLength:    r.cfg.SendQueueLength,
		StallTimeout:       r.cfg.StallTimeout,
		UnreachableTimeout: r.cfg.UnreachableTimeout,
	})
	if err != nil {
		conn.Close()
		return terminate(ReasonNegotiation, err)
	}
	r.onClose(func() { r.sess.Close() })
	r.setSession(r.sess, Session{ID: id, Local: local, Remote: remote})

	r.jb, err = jitter.New(r.log, jitter.Config{MinDelay: r.cfg.JitterMinDelay, MaxDelay: r.cfg.JitterMaxDelay})
	if err != nil {
		return terminate(ReasonNegotiation, err)
	}
	r.dp = packet.NewDepacketizer(r.log)

	r.dec, err = r.opts.decoder(r.log)
	if err != nil {
		return terminate(ReasonEncoderInit, err)
	}
	r.onClose(func() { r.dec.Close() })
	return nil
}

// reorder passes received packets through the jitter buffer and reassembles
// the access units it releases.
func (r *Receiver) reorder(ctx context.Context) error {
	var (
		timer *time.Timer
		wake  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-r.sess.Packets():
			r.track(p.SessionID)
			r.jb.Push(p, p.Arrival)
		case <-wake:
		}

		r.release(time.Now())

		if timer != nil {
			timer.Stop()
		}
		wake = nil
		if d, ok := r.jb.NextDeadline(); ok {
			timer = time.NewTimer(time.Until(d))
			wake = timer.C
		}
	}
}

// track follows the sender's session ID. A new ID means the sender has
// restarted and its sequence numbers with it, so buffered packets and partial
// access units are discarded and a keyframe is requested.
func (r *Receiver) track(id uint32) {
	if r.haveRemote && id == r.remote {
		return
	}
	if r.haveRemote {
		r.log.Info(pkg+"sender session changed", "from", r.remote, "to", id)
		r.jb.Reset()
		r.dp = packet.NewDepacketizer(r.log)
		r.sess.RequestKeyframe()
	}
	r.remote, r.haveRemote = id, true
}

// release reassembles the access units leaving the jitter buffer at now.
func (r *Receiver) release(now time.Time) {
	for _, rel := range r.jb.Pop(now) {
		if rel.State == jitter.Expired {
			r.expired.Add(1)
			r.reassemblyFault(r.dp.Discard(rel.Seq))
			continue
		}
		for _, p := range rel.Packets {
			au, err := r.dp.Push(p)
			if err != nil {
				r.reassemblyFault(err)
				break
			}
			if au != nil && r.units.put(unit{au: au, session: r.remote}) {
				r.log.Debug(pkg+"access unit queue full, dropped oldest", "seq", au.Seq)
			}
		}
	}
}

func (r *Receiver) reassemblyFault(err error) {
	r.fault(ReassemblyFault, err)
	r.sess.RequestKeyframe()
}

// unit is a reassembled access unit and the sender session it belongs to.
type unit struct {
	au      *media.AccessUnit
	session uint32
}

// decode decodes access units in order. The decoder is replaced when the
// sender session changes, since its references are of the old session.
func (r *Receiver) decode(ctx context.Context) error {
	var (
		session uint32
		started bool
	)
	for {
		u, err := r.units.get(ctx)
		if err != nil {
			return nil
		}
		if started && u.session != session {
			err = r.resetDecoder()
			if err != nil {
				return err
			}
		}
		session, started = u.session, true

		au := u.au
		f, err := r.dec.Decode(au)
		if err != nil {
			r.fault(DecodeFault, err)
			r.sess.RequestKeyframe()
			continue
		}
		r.decoded.Add(1)
		r.sess.Ack(au.Seq)

		if r.frames.put(f) {
			r.log.Debug(pkg+"frame queue full, dropped oldest frame", "seq", au.Seq)
		}
	}
}

func (r *Receiver) resetDecoder() error {
	err := r.dec.Close()
	if err != nil {
		r.log.Warning(pkg+"could not close decoder", "error", err.Error())
	}
	dec, err := r.opts.decoder(r.log)
	if err != nil {
		return terminate(ReasonEncoderInit, err)
	}
	r.dec = dec
	return nil
}

func (r *Receiver) render(ctx context.Context) error {
	for {
		f, err := r.frames.get(ctx)
		if err != nil {
			return nil
		}
		err = r.sink.Render(f)
		if err != nil {
			r.log.Warning(pkg+"could not render frame", "pts", f.Timestamp.String(), "error", err.Error())
		}
	}
}

// control tracks the health of the session every control interval. A
// stalled transport degrades the session; on recovery a keyframe is
// requested.
func (r *Receiver) control(ctx context.Context) error {
	t := time.NewTicker(r.cfg.ControlInterval)
	defer t.Stop()
	var (
		stalled bool
		run     int
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		st := r.sess.Stats()
		changed := st.Stalled != stalled
		if changed {
			run = 0
			if !st.Stalled {
				r.log.Info(pkg + "transport recovered, requesting keyframe")
				r.sess.RequestKeyframe()
			}
		}
		stalled = st.Stalled
		run++
		report := stalled && run == r.opts.rate.DegradedReport
		if changed || report {
			r.health(stalled, report, st)
		}
	}
}
