/*
DESCRIPTION
  packet.go provides Packet, a datagram carrying one fragment of an access
  unit, and its wire format. Packets are RTP packets whose one-byte header
  extensions carry the fragment description, a payload checksum and the
  send time.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package packet provides fragmentation of access units into bounded size
// datagrams and their reassembly.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/pion/rtp"
)

// RTP constants.
const (
	PayloadType = 96    // Dynamic payload type used for access unit fragments.
	ClockRate   = 90000 // Hz.
)

// Header extension identifiers.
const (
	extFragment = 1
	extChecksum = 2
	extSendTime = 3
)

// Sizes of header extension payloads.
const (
	fragmentSize = 13
	checksumSize = 4
	sendTimeSize = 3
)

// Overhead is the number of bytes a marshalled packet adds to its payload.
// It is the fixed RTP header, the extension header and the padded one-byte
// extensions.
const Overhead = 12 + 4 + 24

const flagKeyframe = 0x01

var (
	// ErrChecksum is returned by Unmarshal when the payload does not match
	// its checksum.
	ErrChecksum = errors.New("payload checksum mismatch")

	// ErrMalformed is returned by Unmarshal for datagrams that are not
	// fragments of an access unit.
	ErrMalformed = errors.New("malformed packet")
)

// Packet is one fragment of an access unit.
type Packet struct {
	SessionID uint32 // RTP SSRC.
	Counter   uint16 // RTP sequence number; low bits of the session packet count.
	AUSeq     uint32
	Ref       uint32
	Index     uint16
	Count     uint16
	Keyframe  bool
	PTS       time.Duration
	SendTime  uint32 // 24 bit 6.18 fixed point seconds, set when sent.
	Payload   []byte

	// Arrival is the local receive time. It is not marshalled.
	Arrival time.Time
}

// Terminal reports whether p is the last fragment of its access unit.
func (p *Packet) Terminal() bool { return p.Index == p.Count-1 }

// Marshal returns the wire form of p.
func (p *Packet) Marshal() ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         p.Terminal(),
			PayloadType:    PayloadType,
			SequenceNumber: p.Counter,
			Timestamp:      uint32(p.PTS * ClockRate / time.Second),
			SSRC:           p.SessionID,
		},
		Payload: p.Payload,
	}

	frag := make([]byte, fragmentSize)
	binary.BigEndian.PutUint32(frag[0:4], p.AUSeq)
	binary.BigEndian.PutUint16(frag[4:6], p.Index)
	binary.BigEndian.PutUint16(frag[6:8], p.Count)
	if p.Keyframe {
		frag[8] = flagKeyframe
	}
	binary.BigEndian.PutUint32(frag[9:13], p.Ref)

	sum := make([]byte, checksumSize)
	binary.BigEndian.PutUint32(sum, crc32.ChecksumIEEE(p.Payload))

	st := []byte{byte(p.SendTime >> 16), byte(p.SendTime >> 8), byte(p.SendTime)}

	for _, e := range []struct {
		id      uint8
		payload []byte
	}{
		{extFragment, frag},
		{extChecksum, sum},
		{extSendTime, st},
	} {
		err := pkt.Header.SetExtension(e.id, e.payload)
		if err != nil {
			return nil, fmt.Errorf("could not set header extension %d: %w", e.id, err)
		}
	}
	return pkt.Marshal()
}

// Unmarshal parses a datagram written by Marshal. The payload is copied so
// b may be reused. A payload that fails its checksum returns ErrChecksum.
func Unmarshal(b []byte) (*Packet, error) {
	var pkt rtp.Packet
	err := pkt.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if pkt.PayloadType != PayloadType {
		return nil, fmt.Errorf("%w: payload type %d", ErrMalformed, pkt.PayloadType)
	}

	frag := pkt.GetExtension(extFragment)
	sum := pkt.GetExtension(extChecksum)
	st := pkt.GetExtension(extSendTime)
	if len(frag) != fragmentSize || len(sum) != checksumSize || len(st) != sendTimeSize {
		return nil, fmt.Errorf("%w: missing header extension", ErrMalformed)
	}

	if binary.BigEndian.Uint32(sum) != crc32.ChecksumIEEE(pkt.Payload) {
		return nil, ErrChecksum
	}

	p := &Packet{
		SessionID: pkt.SSRC,
		Counter:   pkt.SequenceNumber,
		AUSeq:     binary.BigEndian.Uint32(frag[0:4]),
		Index:     binary.BigEndian.Uint16(frag[4:6]),
		Count:     binary.BigEndian.Uint16(frag[6:8]),
		Keyframe:  frag[8]&flagKeyframe != 0,
		Ref:       binary.BigEndian.Uint32(frag[9:13]),
		PTS:       time.Duration(pkt.Timestamp) * time.Second / ClockRate,
		SendTime:  uint32(st[0])<<16 | uint32(st[1])<<8 | uint32(st[2]),
		Payload:   append([]byte(nil), pkt.Payload...),
	}
	if p.Count == 0 || p.Index >= p.Count {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, p.Index, p.Count)
	}
	if pkt.Marker != p.Terminal() {
		return nil, fmt.Errorf("%w: marker does not match fragment position", ErrMalformed)
	}
	return p, nil
}

// IsRTCP reports whether the datagram b is an RTCP packet rather than a
// media packet, by the packet type ranges of RFC 5761.
func IsRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

// AbsSendTime returns t as a 24 bit 6.18 fixed point number of seconds, as
// used by the abs-send-time header extension.
func AbsSendTime(t time.Time) uint32 {
	secs := uint64(t.Unix()) & 0x3f
	frac := uint64(t.Nanosecond()) << 18 / uint64(time.Second)
	return uint32(secs<<18|frac) & 0xffffff
}

// SendTimeDelta returns b - a for two AbsSendTime values, allowing for
// wrap-around every 64 seconds.
func SendTimeDelta(a, b uint32) time.Duration {
	d := int32(b-a) << 8 >> 8 // Sign extend the 24 bit difference.
	return time.Duration(d) * time.Second >> 18
}
