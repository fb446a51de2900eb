/*
DESCRIPTION
  decoder.go provides the tile Decoder, which reconstructs frames from tile
  access units using a history of previously decoded pictures.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package tile

import (
	"fmt"
	"image"
	"sync"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// decoderHistory covers the largest encoder history plus the pinned
// pictures, so that a picture an encoder holds when it is acknowledged is
// still held here when a delta first references it.
const decoderHistory = maxEncoderHistory + 4

// Decoder is a codec.Decoder for the tile codec. Besides its history it
// keeps the newest keyframe and the reference of the newest delta, which an
// encoder may continue to code against indefinitely.
type Decoder struct {
	log     logging.Logger
	mu      sync.Mutex
	refs    *history
	lastKey *picture
	lastRef *picture
}

// NewDecoder returns a new Decoder.
func NewDecoder(l logging.Logger) *Decoder {
	return &Decoder{log: l, refs: newHistory(decoderHistory)}
}

// Decode reconstructs the frame carried by au. Deltas are applied to a copy
// of the referenced picture; if that picture is not held, or the payload is
// corrupt, an error wrapping codec.ErrDecode is returned and nothing is
// stored.
func (d *Decoder) Decode(au *media.AccessUnit) (*media.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, blocks, err := parse(au.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: seq %d: %v", codec.ErrDecode, au.Seq, err)
	}
	if h.keyframe != au.Keyframe {
		return nil, fmt.Errorf("%w: seq %d: keyframe flag mismatch", codec.ErrDecode, au.Seq)
	}

	var (
		recon *image.RGBA
		ref   *picture
	)
	if h.keyframe {
		recon = image.NewRGBA(image.Rect(0, 0, h.width, h.height))
	} else {
		ref = d.refs.get(au.Ref)
		if ref == nil {
			return nil, fmt.Errorf("%w: seq %d: missing reference %d", codec.ErrDecode, au.Seq, au.Ref)
		}
		if ref.recon.Rect.Dx() != h.width || ref.recon.Rect.Dy() != h.height {
			return nil, fmt.Errorf("%w: seq %d: reference %d size mismatch", codec.ErrDecode, au.Seq, au.Ref)
		}
		recon = clone(ref.recon)
	}

	for _, b := range blocks {
		r := tileRect(b.x, b.y, h.tile, h.width, h.height)
		err = drawTile(recon, r, b.data)
		if err != nil {
			return nil, fmt.Errorf("%w: seq %d: %v", codec.ErrDecode, au.Seq, err)
		}
	}

	pic := &picture{seq: au.Seq, recon: recon}
	d.lastRef = ref
	d.refs.add(pic, d.lastKey, d.lastRef)
	if h.keyframe {
		d.lastKey = pic
	}
	d.log.Debug(pkg+"decoded access unit", "seq", au.Seq, "ref", au.Ref, "keyframe", h.keyframe, "tiles", len(blocks))

	// The stored picture is never modified, so the frame may share it.
	return media.FromRGBA(recon, au.PTS), nil
}

// Close releases the reference history.
func (d *Decoder) Close() error {
	d.mu.Lock()
	d.refs.reset()
	d.lastKey, d.lastRef = nil, nil
	d.mu.Unlock()
	return nil
}
