/*
DESCRIPTION
  packetizer.go provides Packetizer, which splits access units into packets
  no larger than the path MTU.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package packet

import (
	"fmt"
	"math"

	"github.com/ausocean/fjarsyn/media"
)

// Packetizer fragments access units for one session. It keeps the session
// packet counter, which only increases.
type Packetizer struct {
	ssrc    uint32
	maxSize int    // Maximum payload bytes per packet.
	count   uint64 // Packets produced.
}

// NewPacketizer returns a Packetizer for session ssrc producing datagrams of
// at most mtu bytes.
func NewPacketizer(ssrc uint32, mtu int) (*Packetizer, error) {
	if mtu <= Overhead {
		return nil, fmt.Errorf("mtu %d does not exceed packet overhead %d", mtu, Overhead)
	}
	return &Packetizer{ssrc: ssrc, maxSize: mtu - Overhead}, nil
}

// Packetize splits au into fragments numbered 0 to n-1, the last marked
// terminal. The fragment count is fixed here and carried by every fragment.
// Payloads alias au.Payload.
func (p *Packetizer) Packetize(au *media.AccessUnit) ([]*Packet, error) {
	n := (len(au.Payload) + p.maxSize - 1) / p.maxSize
	if n == 0 {
		n = 1
	}
	if n > math.MaxUint16 {
		return nil, fmt.Errorf("access unit %d of %d bytes needs too many fragments", au.Seq, len(au.Payload))
	}

	pkts := make([]*Packet, n)
	buf := au.Payload
	for i := range pkts {
		l := min(p.maxSize, len(buf))
		pkts[i] = &Packet{
			SessionID: p.ssrc,
			Counter:   p.nxtCounter(),
			AUSeq:     au.Seq,
			Ref:       au.Ref,
			Index:     uint16(i),
			Count:     uint16(n),
			Keyframe:  au.Keyframe,
			PTS:       au.PTS,
			Payload:   buf[:l],
		}
		buf = buf[l:]
	}
	return pkts, nil
}

// Count returns the number of packets produced so far.
func (p *Packetizer) Count() uint64 { return p.count }

// nxtCounter gets the next packet counter value.
func (p *Packetizer) nxtCounter() uint16 {
	p.count++
	return uint16(p.count - 1)
}
