/*
DESCRIPTION
  link.go provides Link, an in-memory pair of Conns with configurable loss,
  delay, reordering and outage, for exercising sessions and pipelines under
  controlled network conditions.

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
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// linkQueueLen is the number of undelivered datagrams each end holds before
// dropping.
const linkQueueLen = 4096

// defaultQueueDelay is the queueing a rate limited link allows before it
// drops datagrams.
const defaultQueueDelay = 200 * time.Millisecond

// LinkConfig describes the conditions of a simulated link. Conditions apply
// in both directions.
type LinkConfig struct {
	Loss   float64       // Probability a datagram is dropped.
	Delay  time.Duration // Base one-way delay.
	Jitter time.Duration // Uniform extra delay; datagrams may be reordered by it.
	Seed   int64         // Seed for loss and jitter decisions.

	// Rate is the capacity in bytes per second; zero is unlimited. Datagrams
	// beyond capacity queue, and are dropped once the queue holds more than
	// QueueDelay of transmission.
	Rate       int
	QueueDelay time.Duration
}

// Link is a simulated network path between two Conns.
type Link struct {
	mu   sync.Mutex
	cfg  LinkConfig
	rand *rand.Rand
	down bool

	a, b *LinkConn

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewLink returns a new Link with conditions cfg.
func NewLink(cfg LinkConfig) *Link {
	if cfg.QueueDelay <= 0 {
		cfg.QueueDelay = defaultQueueDelay
	}
	l := &Link{cfg: cfg, rand: rand.New(rand.NewSource(cfg.Seed))}
	l.a = newLinkConn(l)
	l.b = newLinkConn(l)
	l.a.peer.Store(l.b)
	l.b.peer.Store(l.a)
	return l
}

// A returns one end of the link.
func (l *Link) A() *LinkConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.a
}

// B returns the other end of the link.
func (l *Link) B() *LinkConn { return l.b }

// ReopenA replaces the A end with a new conn, as a peer restarting at the
// same address would have. Datagrams to A are delivered to the new conn.
func (l *Link) ReopenA() *LinkConn {
	c := newLinkConn(l)
	c.peer.Store(l.b)
	l.b.peer.Store(c)
	l.mu.Lock()
	l.a = c
	l.mu.Unlock()
	return c
}

// SetDown starts or ends an outage in which every datagram is dropped.
func (l *Link) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

// SetLoss changes the loss probability.
func (l *Link) SetLoss(p float64) {
	l.mu.Lock()
	l.cfg.Loss = p
	l.mu.Unlock()
}

// SetRate changes the capacity in bytes per second. Zero is unlimited.
func (l *Link) SetRate(bytes int) {
	l.mu.Lock()
	l.cfg.Rate = bytes
	l.mu.Unlock()
}

// Delivered returns the number of datagrams delivered.
func (l *Link) Delivered() uint64 { return l.delivered.Load() }

// Dropped returns the number of datagrams dropped by loss, outage or a full
// receive queue.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// schedule decides the fate of a datagram of n bytes sent from c, returning
// its delay and whether it is to be delivered.
func (l *Link) schedule(c *LinkConn, n int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down || l.rand.Float64() < l.cfg.Loss {
		return 0, false
	}
	d := l.cfg.Delay
	if l.cfg.Jitter > 0 {
		d += time.Duration(l.rand.Int63n(int64(l.cfg.Jitter)))
	}
	if l.cfg.Rate > 0 {
		now := time.Now()
		start := now
		if c.busy.After(now) {
			start = c.busy
		}
		if start.Sub(now) > l.cfg.QueueDelay {
			return 0, false
		}
		c.busy = start.Add(time.Duration(float64(n) / float64(l.cfg.Rate) * float64(time.Second)))
		d += c.busy.Sub(now)
	}
	return d, true
}

// LinkConn is one end of a Link.
type LinkConn struct {
	link *Link
	peer atomic.Pointer[LinkConn]
	in   chan []byte
	busy time.Time // End of transmission of the last datagram queued; guarded by link.mu.

	once   sync.Once
	done   chan struct{}
	closed atomic.Bool
}

func newLinkConn(l *Link) *LinkConn {
	return &LinkConn{link: l, in: make(chan []byte, linkQueueLen), done: make(chan struct{})}
}

// WriteDatagram implements Conn.
func (c *LinkConn) WriteDatagram(b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	d, ok := c.link.schedule(c, len(b))
	if !ok {
		c.link.dropped.Add(1)
		return nil
	}
	b = append([]byte(nil), b...)
	peer := c.peer.Load()
	if d == 0 {
		peer.deliver(b)
		return nil
	}
	time.AfterFunc(d, func() { peer.deliver(b) })
	return nil
}

func (c *LinkConn) deliver(b []byte) {
	if c.closed.Load() {
		c.link.dropped.Add(1)
		return
	}
	select {
	case c.in <- b:
		c.link.delivered.Add(1)
	default:
		c.link.dropped.Add(1)
	}
}

// ReadDatagram implements Conn.
func (c *LinkConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Conn.
func (c *LinkConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
