/*
DESCRIPTION
  jitter_test.go tests release ordering, expiry and delay adaptation of the
  jitter buffer.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package jitter

import (
	"testing"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/fjarsyn/protocol/packet"
)

const frameInterval = 40 * time.Millisecond

func frag(seq uint32, index, count uint16) *packet.Packet {
	return &packet.Packet{AUSeq: seq, Index: index, Count: count, PTS: time.Duration(seq) * frameInterval}
}

func newBuffer(t *testing.T, min, max time.Duration) *Buffer {
	t.Helper()
	b, err := New((*logging.TestLogger)(t), Config{MinDelay: min, MaxDelay: max})
	if err != nil {
		t.Fatalf("could not create buffer: %v", err)
	}
	return b
}

type summary struct {
	Seq   uint32
	State State
}

func summarise(rs []Release) []summary {
	var s []summary
	for _, r := range rs {
		s = append(s, summary{r.Seq, r.State})
	}
	return s
}

func TestInOrderRelease(t *testing.T) {
	b := newBuffer(t, 50*time.Millisecond, time.Second)
	now := time.Now()

	// Access unit 2 completes before 1.
	b.Push(frag(1, 0, 2), now)
	b.Push(frag(2, 0, 1), now)
	if got := b.Pop(now); len(got) != 0 {
		t.Fatalf("released ahead of incomplete access unit: %v", summarise(got))
	}
	b.Push(frag(1, 1, 2), now.Add(10*time.Millisecond))

	got := b.Pop(now.Add(10 * time.Millisecond))
	want := []summary{{1, Released}, {2, Released}}
	if !cmp.Equal(summarise(got), want) {
		t.Fatalf("unexpected releases: %v", summarise(got))
	}
	for i, p := range got[0].Packets {
		if int(p.Index) != i {
			t.Errorf("fragment %d out of order", i)
		}
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty: %d", b.Len())
	}
}

func TestExpiry(t *testing.T) {
	const delay = 50 * time.Millisecond
	b := newBuffer(t, delay, delay)
	now := time.Now()

	b.Push(frag(1, 0, 3), now)
	b.Push(frag(1, 1, 3), now)
	b.Push(frag(2, 0, 1), now.Add(5*time.Millisecond))

	if d, ok := b.NextDeadline(); !ok || !d.Equal(now.Add(delay)) {
		t.Errorf("unexpected deadline: %v, %v", d, ok)
	}
	if got := b.Pop(now.Add(delay - time.Millisecond)); len(got) != 0 {
		t.Fatalf("released before deadline: %v", summarise(got))
	}

	got := b.Pop(now.Add(delay))
	want := []summary{{1, Expired}, {2, Released}}
	if !cmp.Equal(summarise(got), want) {
		t.Fatalf("unexpected releases: %v", summarise(got))
	}
	if got[0].Got != 2 || got[0].Count != 3 || got[0].Packets != nil {
		t.Errorf("unexpected expiry notice: %+v", got[0])
	}

	// A fragment of an expired access unit is late.
	if b.Push(frag(1, 2, 3), now.Add(delay)) {
		t.Error("late fragment accepted")
	}
}

func TestMissingAccessUnit(t *testing.T) {
	const delay = 50 * time.Millisecond
	b := newBuffer(t, delay, delay)
	now := time.Now()

	b.Push(frag(1, 0, 1), now)
	if got := b.Pop(now); !cmp.Equal(summarise(got), []summary{{1, Released}}) {
		t.Fatalf("unexpected releases: %v", summarise(got))
	}
	if _, ok := b.NextDeadline(); ok {
		t.Error("deadline without pending access units")
	}

	// Nothing of 2 arrives; its deadline runs from the arrival of 3.
	at := now.Add(20 * time.Millisecond)
	b.Push(frag(3, 0, 1), at)
	if d, ok := b.NextDeadline(); !ok || !d.Equal(at.Add(delay)) {
		t.Errorf("unexpected deadline: %v, %v", d, ok)
	}
	got := b.Pop(at.Add(delay))
	want := []summary{{2, Expired}, {3, Released}}
	if !cmp.Equal(summarise(got), want) {
		t.Fatalf("unexpected releases: %v", summarise(got))
	}
	if got[0].Count != 0 {
		t.Errorf("unexpected count for missing access unit: %d", got[0].Count)
	}
}

func TestDuplicatesAndReorderedStart(t *testing.T) {
	b := newBuffer(t, 20*time.Millisecond, time.Second)
	now := time.Now()

	// The first arrival is not the first access unit sent.
	b.Push(frag(5, 0, 1), now)
	b.Push(frag(4, 0, 1), now)
	if b.Push(frag(4, 0, 1), now) {
		t.Error("duplicate accepted")
	}
	if b.Push(&packet.Packet{AUSeq: 6, Index: 2, Count: 2}, now) {
		t.Error("malformed fragment accepted")
	}
	b.Push(frag(6, 0, 2), now)
	if b.Push(frag(6, 1, 3), now) {
		t.Error("fragment with inconsistent count accepted")
	}

	got := b.Pop(now)
	want := []summary{{4, Released}, {5, Released}}
	if !cmp.Equal(summarise(got), want) {
		t.Errorf("unexpected releases: %v", summarise(got))
	}
}

func TestSequenceWrap(t *testing.T) {
	b := newBuffer(t, 20*time.Millisecond, time.Second)
	now := time.Now()
	seqs := []uint32{1<<32 - 2, 1<<32 - 1, 0, 1}
	for _, s := range seqs {
		b.Push(frag(s, 0, 1), now)
	}
	var got []uint32
	for _, r := range b.Pop(now) {
		got = append(got, r.Seq)
	}
	if !cmp.Equal(got, seqs) {
		t.Errorf("unexpected release order: %v", got)
	}
}

func TestAdaptiveDelay(t *testing.T) {
	const min, max = 20 * time.Millisecond, 500 * time.Millisecond
	b := newBuffer(t, min, max)
	now := time.Now()

	// Steady arrivals keep the delay at its minimum.
	for i := uint32(0); i < 50; i++ {
		at := now.Add(time.Duration(i) * frameInterval)
		b.Push(frag(i, 0, 1), at)
		b.Pop(at)
	}
	if b.Delay() != min {
		t.Errorf("unexpected delay for steady arrivals: %v", b.Delay())
	}

	// Arrivals varying by up to 100ms raise it.
	for i := uint32(50); i < 300; i++ {
		at := now.Add(time.Duration(i)*frameInterval + time.Duration(i%5)*25*time.Millisecond)
		b.Push(frag(i, 0, 1), at)
		b.Pop(at)
	}
	if d := b.Delay(); d < 100*time.Millisecond || d > max {
		t.Errorf("unexpected delay for jittery arrivals: %v", d)
	}

	// Wild arrivals are clamped.
	for i := uint32(300); i < 600; i++ {
		at := now.Add(time.Duration(i)*frameInterval + time.Duration(i%2)*2*time.Second)
		b.Push(frag(i, 0, 1), at)
	}
	if b.Delay() != max {
		t.Errorf("delay not clamped: %v", b.Delay())
	}
}

func TestNewInvalid(t *testing.T) {
	_, err := New((*logging.TestLogger)(t), Config{MinDelay: time.Second, MaxDelay: time.Millisecond})
	if err == nil {
		t.Error("expected error for minimum delay above maximum")
	}
}

func TestFullBufferExpiry(t *testing.T) {
	b := newBuffer(t, time.Second, time.Second)
	now := time.Now()

	// Incomplete access units fill the buffer; one more forces the oldest
	// out well before its deadline.
	for i := uint32(0); i <= maxEntries; i++ {
		b.Push(frag(i, 0, 2), now)
	}
	if b.Len() != maxEntries {
		t.Errorf("unexpected length: %d", b.Len())
	}
	if d, ok := b.NextDeadline(); !ok || !d.Equal(now) {
		t.Errorf("unexpected deadline after forced expiry: %v, %v", d, ok)
	}

	got := b.Pop(now)
	if !cmp.Equal(summarise(got), []summary{{0, Expired}}) {
		t.Fatalf("unexpected releases: %v", summarise(got))
	}
	if got[0].Got != 1 || got[0].Count != 2 {
		t.Errorf("unexpected expiry notice: %+v", got[0])
	}
	if got := b.Pop(now); len(got) != 0 {
		t.Errorf("forced expiry returned twice: %v", summarise(got))
	}
}

func TestReset(t *testing.T) {
	b := newBuffer(t, 20*time.Millisecond, time.Second)
	now := time.Now()
	for i := uint32(100); i < 103; i++ {
		b.Push(frag(i, 0, 1), now)
	}
	b.Pop(now)

	// Sequence numbers restart; without a reset these would be late.
	b.Reset()
	if b.Len() != 0 {
		t.Errorf("buffer not empty after reset: %d", b.Len())
	}
	for i := uint32(0); i < 3; i++ {
		if !b.Push(frag(i, 0, 1), now) {
			t.Errorf("fragment %d rejected after reset", i)
		}
	}
	want := []summary{{0, Released}, {1, Released}, {2, Released}}
	if got := b.Pop(now); !cmp.Equal(summarise(got), want) {
		t.Errorf("unexpected releases: %v", summarise(got))
	}
}
