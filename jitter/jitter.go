/*
NAME
  jitter.go

DESCRIPTION
  jitter.go provides Buffer, a jitter buffer that collects the fragments of
  access units as they arrive and releases them in sequence order, expiring
  access units whose fragments do not all arrive within an adaptive delay.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package jitter provides a jitter buffer for access unit fragments.
package jitter

import (
	"fmt"
	"sort"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/gammazero/deque"
	"gonum.org/v1/gonum/stat"

	"github.com/ausocean/fjarsyn/protocol/packet"
)

// Used to indicate package in logging.
const pkg = "jitter: "

// Config defaults.
const (
	defaultMinDelay   = 20 * time.Millisecond
	defaultMaxDelay   = 2000 * time.Millisecond
	defaultQuantile   = 0.95
	defaultMultiplier = 1.5
	defaultWindow     = 256
)

// maxEntries bounds the access units held. Beyond it the oldest is expired.
const maxEntries = 1024

// minSamples is the number of transit samples needed before the delay adapts.
const minSamples = 8

// State is the state of an access unit in the buffer.
type State int

// Access unit states.
const (
	Pending State = iota
	Complete
	Released
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Released:
		return "released"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the parameters of a Buffer. Zero fields take defaults.
type Config struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	Quantile   float64 // Quantile of transit deviation the delay covers.
	Multiplier float64 // Scale applied to the quantile.
	Window     int     // Number of transit samples considered.
}

// Release is an access unit leaving the buffer, either with all of its
// fragments or as an expiry notice.
type Release struct {
	Seq     uint32
	State   State            // Released or Expired.
	Packets []*packet.Packet // Fragments in index order; nil if expired.
	Got     int              // Fragments received.
	Count   int              // Fragments expected; 0 if none were received.
}

type entry struct {
	packets  []*packet.Packet
	got      int
	first    time.Time
	deadline time.Time
	state    State
}

// Buffer is a jitter buffer. It is not safe for concurrent use.
type Buffer struct {
	log logging.Logger
	cfg Config

	entries  map[uint32]*entry
	next     uint32 // Sequence number of the next access unit to release.
	started  bool
	released bool      // Whether anything has left the buffer.
	forced   []Release // Expiries made to bound the buffer, returned by the next Pop.
	forcedAt time.Time

	delay    time.Duration
	base     time.Time            // Arrival of the first fragment; transit times are relative to it.
	transits deque.Deque[float64] // Transit times in seconds, oldest first.
	sorted   []float64
}

// New returns a new Buffer.
func New(l logging.Logger, cfg Config) (*Buffer, error) {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MinDelay > cfg.MaxDelay {
		return nil, fmt.Errorf("minimum delay %v exceeds maximum %v", cfg.MinDelay, cfg.MaxDelay)
	}
	if cfg.Quantile <= 0 || cfg.Quantile > 1 {
		cfg.Quantile = defaultQuantile
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Buffer{
		log:     l,
		cfg:     cfg,
		entries: make(map[uint32]*entry),
		delay:   cfg.MinDelay,
	}, nil
}

// Delay returns the current playout delay.
func (b *Buffer) Delay() time.Duration { return b.delay }

// Len returns the number of access units held.
func (b *Buffer) Len() int { return len(b.entries) }

// before reports whether sequence number a precedes b, allowing for
// wrap-around.
func before(a, b uint32) bool { return int32(a-b) < 0 }

// Push adds a fragment that arrived at now. It reports whether the fragment
// was accepted; duplicates, fragments of access units already released or
// expired, and fragments inconsistent with earlier ones are dropped.
func (b *Buffer) Push(p *packet.Packet, now time.Time) bool {
	switch {
	case !b.started:
		b.next, b.started, b.base = p.AUSeq, true, now
	case before(p.AUSeq, b.next) && !b.released:
		// Nothing has left yet, so an earlier access unit can still be
		// waited for.
		b.next = p.AUSeq
	case before(p.AUSeq, b.next):
		b.log.Debug(pkg+"dropping late fragment", "seq", p.AUSeq, "next", b.next)
		return false
	}
	if p.Count == 0 || p.Index >= p.Count {
		b.log.Warning(pkg+"dropping malformed fragment", "seq", p.AUSeq, "index", p.Index, "count", p.Count)
		return false
	}

	e, ok := b.entries[p.AUSeq]
	if !ok {
		if len(b.entries) >= maxEntries {
			b.log.Warning(pkg+"buffer full, expiring oldest", "next", b.next)
			b.forceNext(now)
		}
		b.adapt()
		e = &entry{packets: make([]*packet.Packet, p.Count), first: now, deadline: now.Add(b.delay)}
		b.entries[p.AUSeq] = e
	}
	if int(p.Count) != len(e.packets) {
		b.log.Warning(pkg+"dropping fragment with inconsistent count", "seq", p.AUSeq, "count", p.Count, "want", len(e.packets))
		return false
	}
	if e.packets[p.Index] != nil {
		return false
	}
	e.packets[p.Index] = p
	e.got++
	if e.got == len(e.packets) {
		e.state = Complete
	}
	b.observe(now.Sub(b.base).Seconds() - p.PTS.Seconds())
	return true
}

// Pop returns the access units ready to leave the buffer at now, in sequence
// order. A complete access unit is released as soon as all before it have
// left. An access unit that is not complete by its deadline is expired;
// the deadline of one with no fragments at all runs from the first arrival
// of any later access unit.
func (b *Buffer) Pop(now time.Time) []Release {
	out := b.forced
	b.forced = nil
	for b.started {
		e := b.entries[b.next]
		if e != nil && e.state == Complete {
			out = append(out, Release{Seq: b.next, State: Released, Packets: e.packets, Got: e.got, Count: len(e.packets)})
			b.advance()
			continue
		}
		deadline, ok := b.deadline(e)
		if !ok || now.Before(deadline) {
			break
		}
		out = append(out, b.expire(e))
		b.advance()
	}
	return out
}

// NextDeadline returns the time at which Pop next has something to return,
// or false if that depends on further arrivals.
func (b *Buffer) NextDeadline() (time.Time, bool) {
	if len(b.forced) != 0 {
		return b.forcedAt, true
	}
	if !b.started {
		return time.Time{}, false
	}
	e := b.entries[b.next]
	if e != nil && e.state == Complete {
		return e.first, true
	}
	return b.deadline(e)
}

// deadline returns the deadline for the access unit at the release point
// with entry e, which is nil if no fragment of it has arrived.
func (b *Buffer) deadline(e *entry) (time.Time, bool) {
	if e != nil {
		return e.deadline, true
	}
	var first time.Time
	for seq, l := range b.entries {
		if before(b.next, seq) && (first.IsZero() || l.first.Before(first)) {
			first = l.first
		}
	}
	if first.IsZero() {
		return time.Time{}, false
	}
	return first.Add(b.delay), true
}

func (b *Buffer) expire(e *entry) Release {
	r := Release{Seq: b.next, State: Expired}
	if e != nil {
		r.Got, r.Count = e.got, len(e.packets)
	}
	b.log.Debug(pkg+"access unit expired", "seq", r.Seq, "got", r.Got, "count", r.Count)
	return r
}

func (b *Buffer) advance() {
	delete(b.entries, b.next)
	b.next++
	b.released = true
}

// forceNext expires the access unit at the release point regardless of its
// deadline. The expiry is returned by the next call to Pop.
func (b *Buffer) forceNext(now time.Time) {
	if len(b.forced) == 0 {
		b.forcedAt = now
	}
	b.forced = append(b.forced, b.expire(b.entries[b.next]))
	b.advance()
}

// Reset discards everything held, returning b to its state after New. It
// is used when the sender's session changes and sequence numbers restart.
func (b *Buffer) Reset() {
	clear(b.entries)
	b.next, b.started, b.released = 0, false, false
	b.forced = nil
	b.delay = b.cfg.MinDelay
	b.transits.Clear()
}

// observe records a transit time sample.
func (b *Buffer) observe(transit float64) {
	b.transits.PushBack(transit)
	for b.transits.Len() > b.cfg.Window {
		b.transits.PopFront()
	}
}

// adapt recomputes the delay from the window of transit times. Deviations
// are measured from the smallest transit in the window, so the sender and
// receiver clocks need not agree.
func (b *Buffer) adapt() {
	n := b.transits.Len()
	if n < minSamples {
		return
	}
	b.sorted = b.sorted[:0]
	for i := 0; i < n; i++ {
		b.sorted = append(b.sorted, b.transits.At(i))
	}
	sort.Float64s(b.sorted)
	lo := b.sorted[0]
	for i := range b.sorted {
		b.sorted[i] -= lo
	}
	q := stat.Quantile(b.cfg.Quantile, stat.Empirical, b.sorted, nil)
	d := time.Duration(b.cfg.Multiplier * q * float64(time.Second))
	b.delay = max(b.cfg.MinDelay, min(d, b.cfg.MaxDelay))
}
