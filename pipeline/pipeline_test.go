/*
DESCRIPTION
  pipeline_test.go runs sender and receiver pipelines against each other
  over a simulated link.

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
	"testing"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/codec/tile"
	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/device"
	"github.com/ausocean/fjarsyn/device/synthetic"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/signaling"
	"github.com/ausocean/fjarsyn/transport"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		Logger:             (*logging.TestLogger)(t),
		LogLevel:           logging.Debug,
		Input:              config.InputSynthetic,
		Width:              64,
		Height:             64,
		FrameRate:          120,
		Bitrate:            4000000,
		TileSize:           64,
		MTU:                16000,
		QueueLength:        4,
		JitterMinDelay:     20 * time.Millisecond,
		JitterMaxDelay:     200 * time.Millisecond,
		StallTimeout:       300 * time.Millisecond,
		UnreachableTimeout: 800 * time.Millisecond,
		ControlInterval:    20 * time.Millisecond,
		CaptureRetries:     2,
	}
}

// linkConn returns a ConnFunc handing out c.
func linkConn(c transport.Conn) ConnFunc {
	return func(context.Context, signaling.Description, signaling.Description) (transport.Conn, error) {
		return c, nil
	}
}

// countingSink counts rendered frames.
type countingSink struct{ n atomic.Int64 }

func (s *countingSink) Render(f *media.Frame) error {
	s.n.Add(1)
	return f.Validate()
}

type harness struct {
	link   *transport.Link
	sender *Sender
	recv   *Receiver
	sink   *countingSink
}

// newHarness starts a receiver and a sender capturing from src, joined by a
// link with conditions lc.
func newHarness(t *testing.T, lc transport.LinkConfig, src device.FrameSource, opts ...Option) *harness {
	t.Helper()
	return newHarnessConfig(t, testConfig(t), lc, src, opts...)
}

// newHarnessConfig is newHarness with both pipelines configured by cfg.
func newHarnessConfig(t *testing.T, cfg config.Config, lc transport.LinkConfig, src device.FrameSource, opts ...Option) *harness {
	t.Helper()
	h := &harness{link: transport.NewLink(lc), sink: &countingSink{}}

	var err error
	h.recv, err = NewReceiver(cfg, h.sink, WithNegotiator(Static{}), WithConn(linkConn(h.link.B())))
	if err != nil {
		t.Fatalf("could not create receiver: %v", err)
	}
	t.Cleanup(h.recv.Stop)

	opts = append([]Option{WithNegotiator(Static{}), WithConn(linkConn(h.link.A())), WithRetryBase(10 * time.Millisecond)}, opts...)
	h.sender, err = NewSender(cfg, src, opts...)
	if err != nil {
		t.Fatalf("could not create sender: %v", err)
	}
	t.Cleanup(h.sender.Stop)

	ctx := context.Background()
	err = h.recv.Start(ctx)
	if err != nil {
		t.Fatalf("could not start receiver: %v", err)
	}
	err = h.sender.Start(ctx)
	if err != nil {
		t.Fatalf("could not start sender: %v", err)
	}
	return h
}

func newSource(t *testing.T, opts ...synthetic.Option) *synthetic.Source {
	t.Helper()
	src, err := synthetic.New((*logging.TestLogger)(t), opts...)
	if err != nil {
		t.Fatalf("could not create source: %v", err)
	}
	return src
}

// waitDone waits for p to close and returns its termination reason.
func waitDone(t *testing.T, p interface {
	Done() <-chan struct{}
	Err() error
}, timeout time.Duration) *Terminated {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(timeout):
		t.Fatalf("pipeline did not close within %v", timeout)
	}
	var term *Terminated
	if !errors.As(p.Err(), &term) {
		t.Fatalf("expected Terminated error, got %v", p.Err())
	}
	return term
}

// collect drains the events of a closed pipeline.
func collect(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestStreamUnderLoss(t *testing.T) {
	h := newHarness(t, transport.LinkConfig{Loss: 0.02, Delay: 5 * time.Millisecond, Jitter: 5 * time.Millisecond, Seed: 1}, newSource(t))

	time.Sleep(2 * time.Second)
	h.sender.Stop()
	// Let packets in flight arrive.
	time.Sleep(300 * time.Millisecond)
	h.recv.Stop()

	sent, decoded := h.sender.Sent(), h.recv.Decoded()
	if sent < 100 {
		t.Fatalf("only %d access units sent", sent)
	}
	ratio := float64(decoded) / float64(sent)
	t.Logf("sent %d, decoded %d, expired %d, rendered %d", sent, decoded, h.recv.Expired(), h.sink.n.Load())
	if ratio < 0.95 {
		t.Errorf("decoded %d of %d access units (%.1f%%), want at least 95%%", decoded, sent, 100*ratio)
	}
	if h.sink.n.Load() == 0 {
		t.Error("no frames rendered")
	}
	if term := waitDone(t, h.sender, time.Second); term.Reason != ReasonStopped {
		t.Errorf("unexpected sender termination: %v", term)
	}
}

func TestPartition(t *testing.T) {
	h := newHarness(t, transport.LinkConfig{Delay: 5 * time.Millisecond}, newSource(t))

	time.Sleep(200 * time.Millisecond)
	if s := h.sender.State(); s != Streaming {
		t.Fatalf("sender in state %v before partition", s)
	}
	h.link.SetDown(true)

	term := waitDone(t, h.sender, 3*time.Second)
	if term.Reason != ReasonPeerUnreachable || !errors.Is(term, transport.ErrUnreachable) {
		t.Errorf("unexpected termination: %v", term)
	}
	if s := h.sender.State(); s != Closed {
		t.Errorf("sender in state %v after termination", s)
	}

	var states []State
	var last Event
	for _, e := range collect(h.sender.Events()) {
		if e.Kind == EventState {
			states = append(states, e.State)
		}
		last = e
	}
	want := []State{Connecting, Streaming, Degraded, Closing, Closed}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("unexpected state changes: got %v, want %v", states, want)
	}
	if last.Kind != EventTerminated || last.Err == nil || last.Err.Reason != ReasonPeerUnreachable {
		t.Errorf("unexpected final event: %+v", last)
	}

	if term := waitDone(t, h.recv, 3*time.Second); term.Reason != ReasonPeerUnreachable {
		t.Errorf("unexpected receiver termination: %v", term)
	}
}

func TestCaptureRecovery(t *testing.T) {
	src := newSource(t)
	h := newHarness(t, transport.LinkConfig{}, src)

	time.Sleep(100 * time.Millisecond)
	src.Lose()
	time.Sleep(100 * time.Millisecond)
	before := h.sender.Sent()
	time.Sleep(200 * time.Millisecond)
	if after := h.sender.Sent(); after <= before {
		t.Errorf("no access units sent after capture restart: %d then %d", before, after)
	}
	if s := h.sender.State(); s != Streaming {
		t.Errorf("sender in state %v after capture restart", s)
	}
}

// failingSource is a synthetic source that can be made to fail permanently.
type failingSource struct {
	*synthetic.Source
	broken atomic.Bool
	starts atomic.Int32
}

func (s *failingSource) Start() error {
	s.starts.Add(1)
	if s.broken.Load() {
		return errors.New("display gone")
	}
	return s.Source.Start()
}

func (s *failingSource) NextFrame(ctx context.Context) (*media.Frame, error) {
	if s.broken.Load() {
		return nil, fmt.Errorf("display gone: %w", device.ErrSourceLost)
	}
	return s.Source.NextFrame(ctx)
}

func TestCaptureLost(t *testing.T) {
	src := &failingSource{Source: newSource(t)}
	h := newHarness(t, transport.LinkConfig{}, src)

	time.Sleep(100 * time.Millisecond)
	src.broken.Store(true)

	term := waitDone(t, h.sender, 2*time.Second)
	if term.Reason != ReasonCaptureLost || !errors.Is(term, device.ErrSourceLost) {
		t.Errorf("unexpected termination: %v", term)
	}
	// The initial start and one restart per tolerated failure.
	if n := src.starts.Load(); n != 3 {
		t.Errorf("source started %d times, want 3", n)
	}

	var faults int
	for _, e := range collect(h.sender.Events()) {
		if e.Kind == EventFault && e.Fault.Kind == CaptureFault {
			faults++
		}
	}
	if faults != 3 {
		t.Errorf("got %d capture faults, want 3", faults)
	}
}

func TestEndOfSource(t *testing.T) {
	h := newHarness(t, transport.LinkConfig{}, newSource(t, synthetic.WithLimit(10)))
	term := waitDone(t, h.sender, 2*time.Second)
	if term.Reason != ReasonStopped {
		t.Errorf("unexpected termination: %v", term)
	}
}

func TestStartFailures(t *testing.T) {
	errNoPeer := errors.New("no peer answered")
	tests := []struct {
		name string
		opt  Option
		want Reason
	}{
		{
			name: "negotiation",
			opt: WithNegotiator(negotiatorFunc(func(context.Context, signaling.Description) (signaling.Description, error) {
				return signaling.Description{}, errNoPeer
			})),
			want: ReasonNegotiation,
		},
		{
			name: "transport mismatch",
			opt:  WithNegotiator(Static{Remote: signaling.Description{Transport: signaling.TransportQUIC}}),
			want: ReasonNegotiation,
		},
		{
			name: "encoder",
			opt: WithEncoder(func(logging.Logger, codec.Params) (codec.Encoder, error) {
				return nil, codec.ErrUnsupported
			}),
			want: ReasonEncoderInit,
		},
		{
			name: "transport",
			opt: WithConn(func(context.Context, signaling.Description, signaling.Description) (transport.Conn, error) {
				return nil, transport.ErrNoPeer
			}),
			want: ReasonPeerUnreachable,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			link := transport.NewLink(transport.LinkConfig{})
			s, err := NewSender(testConfig(t), newSource(t), WithConn(linkConn(link.A())), test.opt)
			if err != nil {
				t.Fatalf("could not create sender: %v", err)
			}
			err = s.Start(context.Background())
			var term *Terminated
			if !errors.As(err, &term) || term.Reason != test.want {
				t.Fatalf("Start() = %v, want reason %v", err, test.want)
			}
			if s.State() != Closed {
				t.Errorf("state %v after failed start", s.State())
			}
		})
	}
}

type negotiatorFunc func(context.Context, signaling.Description) (signaling.Description, error)

func (fn negotiatorFunc) Negotiate(ctx context.Context, d signaling.Description) (signaling.Description, error) {
	return fn(ctx, d)
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t, transport.LinkConfig{}, newSource(t))
	time.Sleep(50 * time.Millisecond)

	if err := h.sender.Start(context.Background()); err == nil {
		t.Error("expected error starting a running pipeline")
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sender.Stop()
		}()
	}
	wg.Wait()
	h.sender.Stop()
	if s := h.sender.State(); s != Closed {
		t.Errorf("state %v after stop", s)
	}
	if term := waitDone(t, h.sender, time.Second); term.Reason != ReasonStopped {
		t.Errorf("unexpected termination: %v", term)
	}

	// A pipeline stopped before starting closes without error.
	s, err := NewSender(testConfig(t), newSource(t))
	if err != nil {
		t.Fatalf("could not create sender: %v", err)
	}
	s.Stop()
	if s.State() != Closed {
		t.Errorf("state %v after stop before start", s.State())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("expected error starting a stopped pipeline")
	}
}

func TestStopDuringNegotiation(t *testing.T) {
	block := negotiatorFunc(func(ctx context.Context, _ signaling.Description) (signaling.Description, error) {
		<-ctx.Done()
		return signaling.Description{}, ctx.Err()
	})
	s, err := NewSender(testConfig(t), newSource(t), WithNegotiator(block))
	if err != nil {
		t.Fatalf("could not create sender: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for s.State() != Connecting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	err = <-errc
	var term *Terminated
	if !errors.As(err, &term) || term.Reason != ReasonStopped {
		t.Errorf("Start() = %v, want stopped", err)
	}
}

// keyframeRecorder records when the sender forces keyframes.
type keyframeRecorder struct {
	codec.Encoder
	mu     sync.Mutex
	forced []time.Time
}

func (r *keyframeRecorder) Encode(f *media.Frame, forceKeyframe bool) (*media.AccessUnit, error) {
	if forceKeyframe {
		r.mu.Lock()
		r.forced = append(r.forced, time.Now())
		r.mu.Unlock()
	}
	return r.Encoder.Encode(f, forceKeyframe)
}

// forcedSince returns whether a keyframe was forced in [t, t+d].
func (r *keyframeRecorder) forcedSince(t time.Time, d time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.forced {
		if !f.Before(t) && f.Sub(t) <= d {
			return true
		}
	}
	return false
}

func (r *keyframeRecorder) option() Option {
	return WithEncoder(func(l logging.Logger, p codec.Params) (codec.Encoder, error) {
		enc, err := tile.NewEncoder(l, p)
		if err != nil {
			return nil, err
		}
		r.Encoder = enc
		return r, nil
	})
}

func TestLossBurstForcesKeyframe(t *testing.T) {
	rec := &keyframeRecorder{}
	h := newHarness(t, transport.LinkConfig{Delay: 5 * time.Millisecond, Seed: 2}, newSource(t), rec.option())

	time.Sleep(300 * time.Millisecond)
	burst := time.Now()
	h.link.SetLoss(0.5)
	time.Sleep(100 * time.Millisecond)
	h.link.SetLoss(0)
	time.Sleep(time.Second)

	if h.recv.Expired() == 0 {
		t.Fatal("no access units expired during loss burst")
	}
	if !rec.forcedSince(burst, time.Second) {
		t.Error("no keyframe forced within 1s of loss burst")
	}
	if s := h.sender.State(); s == Closed {
		t.Errorf("sender closed after loss burst: %v", h.sender.Err())
	}
}

func TestShortPartitionRecovers(t *testing.T) {
	rec := &keyframeRecorder{}
	h := newHarness(t, transport.LinkConfig{Delay: 5 * time.Millisecond}, newSource(t), rec.option())

	time.Sleep(300 * time.Millisecond)
	h.link.SetDown(true)
	// Longer than StallTimeout, shorter than UnreachableTimeout.
	time.Sleep(500 * time.Millisecond)
	resumed := time.Now()
	h.link.SetDown(false)

	deadline := time.Now().Add(2 * time.Second)
	for h.sender.State() != Streaming && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s := h.sender.State(); s != Streaming {
		t.Fatalf("sender in state %v after link resumed", s)
	}
	if !rec.forcedSince(resumed, time.Second) {
		t.Error("no keyframe forced after link resumed")
	}
	if err := h.sender.Err(); err != nil {
		t.Errorf("sender terminated: %v", err)
	}

	h.sender.Stop()
	var degraded bool
	for _, e := range collect(h.sender.Events()) {
		if e.Kind == EventState && e.State == Degraded {
			degraded = true
		}
	}
	if !degraded {
		t.Error("sender was not degraded while the link was down")
	}
}

// TestStreamWithDelay checks that long round trips, which delay
// acknowledgements by many frames, do not leave the receiver without the
// references the sender codes against.
func TestStreamWithDelay(t *testing.T) {
	tests := []struct {
		name     string
		fps      uint
		lc       transport.LinkConfig
		duration time.Duration
		minRatio float64
	}{
		{
			name:     "30fps lossy",
			fps:      30,
			lc:       transport.LinkConfig{Loss: 0.02, Delay: 100 * time.Millisecond, Seed: 3},
			duration: 5 * time.Second,
			minRatio: 0.93,
		},
		{
			name:     "120fps",
			fps:      120,
			lc:       transport.LinkConfig{Delay: 150 * time.Millisecond},
			duration: 3 * time.Second,
			minRatio: 0.98,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.FrameRate = test.fps
			h := newHarnessConfig(t, cfg, test.lc, newSource(t))

			time.Sleep(test.duration)
			h.sender.Stop()
			// Let packets in flight and in the jitter buffer arrive.
			time.Sleep(600 * time.Millisecond)
			h.recv.Stop()

			sent, decoded := h.sender.Sent(), h.recv.Decoded()
			t.Logf("sent %d, decoded %d, expired %d", sent, decoded, h.recv.Expired())
			if sent < uint64(test.fps) {
				t.Fatalf("only %d access units sent", sent)
			}
			ratio := float64(decoded) / float64(sent)
			if ratio < test.minRatio {
				t.Errorf("decoded %d of %d access units (%.1f%%), want at least %.0f%%", decoded, sent, 100*ratio, 100*test.minRatio)
			}
		})
	}
}

// TestSenderRestart checks that a receiver follows a sender that restarts
// with a new session at the same address.
func TestSenderRestart(t *testing.T) {
	h := newHarness(t, transport.LinkConfig{Delay: 5 * time.Millisecond}, newSource(t))

	time.Sleep(500 * time.Millisecond)
	h.sender.Stop()
	first := h.sender.Session().ID
	before := h.recv.Decoded()
	if before == 0 {
		t.Fatal("nothing decoded from first sender")
	}

	s, err := NewSender(testConfig(t), newSource(t), WithNegotiator(Static{}), WithConn(linkConn(h.link.ReopenA())), WithRetryBase(10*time.Millisecond))
	if err != nil {
		t.Fatalf("could not create sender: %v", err)
	}
	t.Cleanup(s.Stop)
	err = s.Start(context.Background())
	if err != nil {
		t.Fatalf("could not start sender: %v", err)
	}
	if s.Session().ID == first {
		t.Fatalf("restarted sender reused session %d", first)
	}

	time.Sleep(time.Second)
	s.Stop()
	time.Sleep(300 * time.Millisecond)

	sent, decoded := s.Sent(), h.recv.Decoded()-before
	t.Logf("second sender sent %d, decoded %d", sent, decoded)
	if sent < 60 {
		t.Fatalf("only %d access units sent", sent)
	}
	if decoded < sent*9/10 {
		t.Errorf("decoded %d of %d access units from restarted sender", decoded, sent)
	}
	if st := h.recv.State(); st == Closed {
		t.Errorf("receiver closed: %v", h.recv.Err())
	}
}

// TestBandwidthDrop halves the link capacity under a running stream and
// checks that the target never exceeds the estimate and that the estimate
// falls to the new capacity.
func TestBandwidthDrop(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinBitrate = 100000
	cfg.DegradedBitrate = 50000
	h := newHarnessConfig(t, cfg, transport.LinkConfig{Delay: 10 * time.Millisecond}, newSource(t))

	time.Sleep(1500 * time.Millisecond)
	sent := h.sender.Stats().SentBitrate
	if sent < 2*int(cfg.MinBitrate) {
		t.Fatalf("sending only %d bit/s", sent)
	}
	capacity := float64(sent) / 2
	h.link.SetRate(sent / 16)

	const intervals = 150
	converged := -1
	tick := time.NewTicker(cfg.ControlInterval)
	defer tick.Stop()
	for i := 0; i < intervals; i++ {
		<-tick.C
		target, est := h.sender.Rate()
		if est > 0 && target > est+1 {
			t.Errorf("interval %d: target %.0f above estimate %.0f", i, target, est)
		}
		if converged < 0 && est > 0 && est <= 1.3*capacity {
			converged = i
		}
	}
	t.Logf("sent %d bit/s before drop, capacity %.0f, converged after %d intervals", sent, capacity, converged)
	if converged < 0 {
		t.Errorf("estimate not within 30%% of capacity %.0f after %d intervals", capacity, intervals)
	}
}

// TestStartStopRace stops pipelines while they start and checks that each
// ends up closed.
func TestStartStopRace(t *testing.T) {
	block := negotiatorFunc(func(ctx context.Context, _ signaling.Description) (signaling.Description, error) {
		<-ctx.Done()
		return signaling.Description{}, ctx.Err()
	})
	for i := 0; i < 50; i++ {
		s, err := NewSender(testConfig(t), newSource(t), WithNegotiator(block))
		if err != nil {
			t.Fatalf("could not create sender: %v", err)
		}
		errc := make(chan error, 1)
		go func() { errc <- s.Start(context.Background()) }()
		s.Stop()

		select {
		case <-errc:
		case <-time.After(time.Second):
			t.Fatalf("run %d: Start did not return after Stop", i)
		}
		waitDone(t, s, time.Second)
		if st := s.State(); st != Closed {
			t.Fatalf("run %d: state %v after stop", i, st)
		}
	}
}
