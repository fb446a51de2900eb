/*
DESCRIPTION
  controller.go provides the lifecycle shared by the Sender and Receiver:
  state changes, events, fault reporting and orderly teardown.

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
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/codec/tile"
	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/signaling"
	"github.com/ausocean/fjarsyn/transport"
)

// eventQueue is the number of events buffered for the consumer of Events.
const eventQueue = 64

// defaultRetryBase is the delay before the first capture restart.
const defaultRetryBase = 100 * time.Millisecond

// certValidity is the lifetime of a generated QUIC certificate.
const certValidity = 24 * time.Hour

// Session describes a negotiated session.
type Session struct {
	ID     uint32 // Local session identifier.
	Local  signaling.Description
	Remote signaling.Description
}

// EncoderFunc returns an Encoder for the negotiated parameters.
type EncoderFunc func(l logging.Logger, p codec.Params) (codec.Encoder, error)

// DecoderFunc returns a Decoder.
type DecoderFunc func(l logging.Logger) (codec.Decoder, error)

// ConnFunc opens the transport of a negotiated session.
type ConnFunc func(ctx context.Context, local, remote signaling.Description) (transport.Conn, error)

type options struct {
	negotiator Negotiator
	connect    ConnFunc
	encoder    EncoderFunc
	decoder    DecoderFunc
	rate       RateConfig
	retryBase  time.Duration
}

// Option is a functional option for a Sender or Receiver.
type Option func(*options) error

// WithNegotiator sets the Negotiator used to agree the session. By default
// the signaling relay at the config's SignalingURL is used, or the session
// is set up statically from the config if that is empty.
func WithNegotiator(n Negotiator) Option {
	return func(o *options) error {
		if n == nil {
			return errors.New("nil negotiator")
		}
		o.negotiator = n
		return nil
	}
}

// WithConn sets the function opening the transport. By default a UDP or
// QUIC connection is opened according to the config's Transport.
func WithConn(fn ConnFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("nil conn func")
		}
		o.connect = fn
		return nil
	}
}

// WithEncoder sets the function creating the Sender's encoder.
func WithEncoder(fn EncoderFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("nil encoder func")
		}
		o.encoder = fn
		return nil
	}
}

// WithDecoder sets the function creating the Receiver's decoder.
func WithDecoder(fn DecoderFunc) Option {
	return func(o *options) error {
		if fn == nil {
			return errors.New("nil decoder func")
		}
		o.decoder = fn
		return nil
	}
}

// WithRateConfig sets the tuning of the Sender's rate controller.
func WithRateConfig(c RateConfig) Option {
	return func(o *options) error {
		o.rate = c
		return nil
	}
}

// WithRetryBase sets the delay before the first capture restart. Each
// further attempt doubles it.
func WithRetryBase(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("invalid retry base: %v", d)
		}
		o.retryBase = d
		return nil
	}
}

func defaultEncoder(l logging.Logger, p codec.Params) (codec.Encoder, error) {
	return tile.NewEncoder(l, p)
}

func defaultDecoder(l logging.Logger) (codec.Decoder, error) {
	return tile.NewDecoder(l), nil
}

// controller holds the lifecycle of a pipeline.
type controller struct {
	log  logging.Logger
	cfg  config.Config
	opts options

	events     chan Event
	done       chan struct{}
	finishOnce sync.Once

	mu       sync.Mutex
	state    State
	stopping bool
	closed   bool // Whether events has been closed.
	cancel   context.CancelFunc
	err      *Terminated
	sess     *transport.Session
	info     Session
	cleanup  []func()
}

func newController(cfg config.Config, opts []Option) (*controller, error) {
	if cfg.Logger == nil {
		return nil, errors.New("config has no logger")
	}
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Logger.SetLevel(cfg.LogLevel)

	c := &controller{
		log:    cfg.Logger,
		cfg:    cfg,
		events: make(chan Event, eventQueue),
		done:   make(chan struct{}),
		opts: options{
			encoder:   defaultEncoder,
			decoder:   defaultDecoder,
			rate:      DefaultRateConfig(),
			retryBase: defaultRetryBase,
		},
	}
	for i, opt := range opts {
		err := opt(&c.opts)
		if err != nil {
			return nil, fmt.Errorf("could not apply option %d: %w", i, err)
		}
	}
	c.opts.rate.defaults()
	return c, nil
}

// State returns the current state.
func (c *controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the channel of pipeline events. It is closed after the
// EventTerminated event. Events are dropped if the channel is not drained.
func (c *controller) Events() <-chan Event { return c.events }

// Done returns a channel closed once the pipeline has reached Closed.
func (c *controller) Done() <-chan struct{} { return c.done }

// Err returns the error the pipeline terminated with, or nil if it has not
// terminated.
func (c *controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Session returns the negotiated session. It is zero until the pipeline has
// left Connecting.
func (c *controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Stats returns the transport statistics of the session.
func (c *controller) Stats() transport.Stats {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return transport.Stats{}
	}
	return sess.Stats()
}

// Stop stops the pipeline and waits for it to close. It may be called more
// than once and from any goroutine.
func (c *controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case Idle:
		c.stopping = true
		c.mu.Unlock()
		c.finish(nil)
		return
	case Closed:
		c.mu.Unlock()
		c.log.Debug(pkg + "stop called but pipeline isn't running")
		return
	}
	c.stopping = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Info(pkg + "stopping pipeline")
	cancel()
	<-c.done
}

// begin moves the pipeline from Idle to Connecting and returns the context
// governing its lifetime.
func (c *controller) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		c.log.Warning(pkg + "start called but pipeline has already been started")
		return nil, errors.New("pipeline already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.state = Connecting
	c.mu.Unlock()
	c.log.Info(pkg+"state changed", "from", Idle.String(), "to", Connecting.String())
	c.emit(Event{Kind: EventState, State: Connecting})
	return ctx, nil
}

// onClose registers fn to be run when the pipeline closes. Functions run in
// reverse order of registration.
func (c *controller) onClose(fn func()) {
	c.mu.Lock()
	c.cleanup = append(c.cleanup, fn)
	c.mu.Unlock()
}

func (c *controller) setSession(s *transport.Session, info Session) {
	c.mu.Lock()
	c.sess, c.info = s, info
	c.mu.Unlock()
}

func (c *controller) setState(s State) {
	c.mu.Lock()
	old := c.state
	if old == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.log.Info(pkg+"state changed", "from", old.String(), "to", s.String())
	c.emit(Event{Kind: EventState, State: s})
}

func (c *controller) emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Debug(pkg+"event queue full, dropping event", "kind", int(e.Kind))
	}
}

// fault reports a recoverable fault.
func (c *controller) fault(kind FaultKind, err error) {
	c.log.Warning(pkg+"fault", "kind", kind.String(), "error", err.Error())
	c.emit(Event{Kind: EventFault, Fault: &Fault{Kind: kind, Err: err}})
}

// health moves between Streaming and Degraded, and raises a degradation
// event when report is set.
func (c *controller) health(degraded, report bool, st transport.Stats) {
	if c.State() >= Closing {
		return
	}
	if degraded {
		c.setState(Degraded)
	} else {
		c.setState(Streaming)
	}
	if report {
		c.log.Warning(pkg+"session degraded", "estimate", int(st.Estimate), "loss", st.Loss, "rtt", st.RTT.String())
		c.emit(Event{Kind: EventDegradation, Stats: st})
	}
}

// finish closes the pipeline after it ended with err.
func (c *controller) finish(err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		stopping := c.stopping
		cleanup := c.cleanup
		c.mu.Unlock()

		t := classify(err, stopping)
		c.setState(Closing)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		if t.Reason == ReasonStopped {
			c.log.Info(pkg + "pipeline stopped")
		} else {
			c.log.Error(pkg+"pipeline terminated", "reason", t.Reason.String(), "error", t.Error())
		}

		c.mu.Lock()
		c.err = t
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		c.setState(Closed)
		c.emit(Event{Kind: EventTerminated, Err: t})

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
		close(c.done)
	})
}

// classify returns the Terminated error for a pipeline that ended with err.
func classify(err error, stopping bool) *Terminated {
	var t *Terminated
	switch {
	case stopping, err == nil, errors.Is(err, context.Canceled), errors.Is(err, errEndOfStream):
		return &Terminated{Reason: ReasonStopped}
	case errors.As(err, &t):
		return t
	default:
		// Stages wrap their fatal errors, so only the transport remains.
		return &Terminated{Reason: ReasonPeerUnreachable, Err: err}
	}
}
