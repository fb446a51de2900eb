/*
DESCRIPTION
  depacketizer.go provides Depacketizer, which reassembles access units from
  their fragments.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package packet

import (
	"errors"
	"fmt"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "packet: "

// maxPartial bounds the number of access units under reassembly.
const maxPartial = 64

// ErrIncomplete is wrapped by ReassemblyErrors for access units discarded
// with fragments missing.
var ErrIncomplete = errors.New("incomplete access unit")

// ReassemblyError describes an access unit that could not be reassembled.
type ReassemblyError struct {
	Seq   uint32
	Got   int // Fragments received.
	Count int // Fragments expected; 0 if none were received.
	Err   error
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("access unit %d: %v (%d of %d fragments)", e.Seq, e.Err, e.Got, e.Count)
}

func (e *ReassemblyError) Unwrap() error { return e.Err }

type assembly struct {
	frags [][]byte
	have  []bool
	got   int
	first *Packet
}

// Depacketizer reassembles access units. It does not reorder; ordering is
// the jitter buffer's concern.
type Depacketizer struct {
	log     logging.Logger
	partial map[uint32]*assembly
	order   []uint32 // Sequence numbers in partial, oldest first.
}

// NewDepacketizer returns a new Depacketizer.
func NewDepacketizer(l logging.Logger) *Depacketizer {
	return &Depacketizer{log: l, partial: make(map[uint32]*assembly)}
}

// Push adds a fragment. When the fragment completes its access unit the
// reassembled unit is returned, byte-identical to the packetized one.
// Duplicate fragments are ignored. A fragment whose count disagrees with
// earlier fragments of the same unit is an error.
func (d *Depacketizer) Push(p *Packet) (*media.AccessUnit, error) {
	if p.Count == 0 || p.Index >= p.Count {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, p.Index, p.Count)
	}

	a, ok := d.partial[p.AUSeq]
	if !ok {
		if len(d.order) == maxPartial {
			old := d.order[0]
			d.log.Warning(pkg+"evicting stale partial access unit", "seq", old)
			d.remove(old)
		}
		a = &assembly{frags: make([][]byte, p.Count), have: make([]bool, p.Count), first: p}
		d.partial[p.AUSeq] = a
		d.order = append(d.order, p.AUSeq)
	}
	if int(p.Count) != len(a.frags) {
		return nil, fmt.Errorf("%w: access unit %d fragment count changed from %d to %d", ErrMalformed, p.AUSeq, len(a.frags), p.Count)
	}
	if a.have[p.Index] {
		return nil, nil
	}
	a.have[p.Index] = true
	a.frags[p.Index] = p.Payload
	a.got++
	if a.got < len(a.frags) {
		return nil, nil
	}

	d.remove(p.AUSeq)
	n := 0
	for _, f := range a.frags {
		n += len(f)
	}
	payload := make([]byte, 0, n)
	for _, f := range a.frags {
		payload = append(payload, f...)
	}
	return &media.AccessUnit{
		Seq:      a.first.AUSeq,
		Ref:      a.first.Ref,
		PTS:      a.first.PTS,
		Keyframe: a.first.Keyframe,
		Size:     n,
		Payload:  payload,
	}, nil
}

// Discard drops any partial state for seq, returning a ReassemblyError
// wrapping ErrIncomplete that describes what was missing.
func (d *Depacketizer) Discard(seq uint32) error {
	e := &ReassemblyError{Seq: seq, Err: ErrIncomplete}
	if a, ok := d.partial[seq]; ok {
		e.Got, e.Count = a.got, len(a.frags)
		d.remove(seq)
	}
	return e
}

// Pending returns the number of access units under reassembly.
func (d *Depacketizer) Pending() int { return len(d.partial) }

func (d *Depacketizer) remove(seq uint32) {
	delete(d.partial, seq)
	for i, s := range d.order {
		if s == seq {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}
