/*
DESCRIPTION
  bitstream.go provides writing and parsing of the tile codec bitstream. An
  access unit payload is a fixed header followed by a list of JPEG coded
  tiles.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package tile

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Bitstream constants.
const (
	magic       = 0x4654 // "FT"
	version     = 1
	headerSize  = 12
	blockHeader = 8

	flagKeyframe = 0x01
)

// Bitstream errors.
var (
	errShortHeader = errors.New("payload shorter than header")
	errBadMagic    = errors.New("bad magic")
	errBadVersion  = errors.New("unsupported bitstream version")
	errShortBlock  = errors.New("block extends past payload")
	errBadTile     = errors.New("tile position outside frame")
	errTrailing    = errors.New("trailing bytes after last block")
)

// header is the fixed header of a tile access unit.
type header struct {
	keyframe bool
	width    int
	height   int
	tile     int
	blocks   int
}

// block is one coded tile. x and y are tile column and row.
type block struct {
	x, y int
	data []byte
}

func (h header) cols() int { return (h.width + h.tile - 1) / h.tile }
func (h header) rows() int { return (h.height + h.tile - 1) / h.tile }

func (h header) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], magic)
	b[2] = version
	b[3] = 0
	if h.keyframe {
		b[3] |= flagKeyframe
	}
	binary.BigEndian.PutUint16(b[4:6], uint16(h.width))
	binary.BigEndian.PutUint16(b[6:8], uint16(h.height))
	binary.BigEndian.PutUint16(b[8:10], uint16(h.tile))
	binary.BigEndian.PutUint16(b[10:12], uint16(h.blocks))
}

// marshal writes h and blocks into a single payload.
func marshal(h header, blocks []block) []byte {
	n := headerSize
	for _, b := range blocks {
		n += blockHeader + len(b.data)
	}
	buf := make([]byte, n)
	h.blocks = len(blocks)
	h.put(buf)

	off := headerSize
	for _, b := range blocks {
		binary.BigEndian.PutUint16(buf[off:], uint16(b.x))
		binary.BigEndian.PutUint16(buf[off+2:], uint16(b.y))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(len(b.data)))
		off += blockHeader
		off += copy(buf[off:], b.data)
	}
	return buf
}

// parse reads a payload written by marshal. Block data aliases p.
func parse(p []byte) (header, []block, error) {
	var h header
	if len(p) < headerSize {
		return h, nil, errShortHeader
	}
	if binary.BigEndian.Uint16(p[0:2]) != magic {
		return h, nil, errBadMagic
	}
	if p[2] != version {
		return h, nil, errors.Wrapf(errBadVersion, "version %d", p[2])
	}
	h.keyframe = p[3]&flagKeyframe != 0
	h.width = int(binary.BigEndian.Uint16(p[4:6]))
	h.height = int(binary.BigEndian.Uint16(p[6:8]))
	h.tile = int(binary.BigEndian.Uint16(p[8:10]))
	h.blocks = int(binary.BigEndian.Uint16(p[10:12]))
	if h.width == 0 || h.height == 0 || h.tile == 0 {
		return h, nil, errors.Errorf("invalid dimensions %dx%d tile %d", h.width, h.height, h.tile)
	}

	blocks := make([]block, 0, h.blocks)
	off := headerSize
	for i := 0; i < h.blocks; i++ {
		if len(p)-off < blockHeader {
			return h, nil, errors.Wrapf(errShortBlock, "block %d header", i)
		}
		b := block{
			x: int(binary.BigEndian.Uint16(p[off:])),
			y: int(binary.BigEndian.Uint16(p[off+2:])),
		}
		n := int(binary.BigEndian.Uint32(p[off+4:]))
		off += blockHeader
		if n > len(p)-off {
			return h, nil, errors.Wrapf(errShortBlock, "block %d data", i)
		}
		if b.x >= h.cols() || b.y >= h.rows() {
			return h, nil, errors.Wrapf(errBadTile, "block %d at %d,%d", i, b.x, b.y)
		}
		b.data = p[off : off+n]
		off += n
		blocks = append(blocks, b)
	}
	if off != len(p) {
		return h, nil, errTrailing
	}
	return h, blocks, nil
}
