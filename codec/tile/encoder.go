/*
DESCRIPTION
  encoder.go provides the tile Encoder, which codes frames as keyframes or
  deltas against a reference the receiver has acknowledged, and adapts JPEG
  quality to meet a target bitrate.

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
	"time"

	"github.com/ausocean/fjarsyn/codec"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "tile: "

// Encoder defaults and limits.
const (
	DefaultTileSize     = 64
	minEncoderHistory   = 8
	maxEncoderHistory   = 32
	historyMargin       = 4 // Pictures kept beyond the acknowledgement delay.
	defaultFrameRate    = 30
	maxDimension        = 1<<16 - 1
	rateSmoothing       = 0.2  // EWMA weight of the newest frame size.
	intervalSmoothing   = 0.1  // EWMA weight of the newest frame interval.
	overshootThreshold  = 1.1  // Quality drops above this fraction of target.
	undershootThreshold = 0.75 // Quality rises below this fraction of target.
)

// Encoder is a codec.Encoder for screen content.
type Encoder struct {
	log logging.Logger

	mu          sync.Mutex
	tile        int
	bitrate     int
	keyInterval int
	scale       int
	force       bool

	seq      uint32 // Sequence number of the next access unit.
	sinceKey int    // Frames since the last keyframe.
	width    int
	height   int
	refs     *history
	acked    *picture // Newest acknowledged picture since lastKey; pinned in refs.
	lastKey  *picture // Newest keyframe; pinned in refs.

	quality  int
	avgBytes float64       // Smoothed access unit size.
	interval float64       // Smoothed frame interval in seconds.
	lastPTS  time.Duration // PTS of the previous frame.
	havePTS  bool
}

// NewEncoder returns a new Encoder for p. Zero valued fields of p take
// defaults; an invalid tile size returns codec.ErrUnsupported.
func NewEncoder(l logging.Logger, p codec.Params) (*Encoder, error) {
	if p.TileSize == 0 {
		p.TileSize = DefaultTileSize
	}
	if p.TileSize < 8 || p.TileSize > maxDimension {
		return nil, fmt.Errorf("tile size %d: %w", p.TileSize, codec.ErrUnsupported)
	}
	if p.Width > maxDimension || p.Height > maxDimension || p.Width < 0 || p.Height < 0 {
		return nil, fmt.Errorf("frame size %dx%d: %w", p.Width, p.Height, codec.ErrUnsupported)
	}
	if p.FrameRate <= 0 {
		p.FrameRate = defaultFrameRate
	}
	if p.KeyframeInterval <= 0 {
		p.KeyframeInterval = 10 * p.FrameRate
	}
	return &Encoder{
		log:         l,
		tile:        p.TileSize,
		bitrate:     p.Bitrate,
		keyInterval: p.KeyframeInterval,
		scale:       1,
		refs:        newHistory(minEncoderHistory),
		quality:     defaultQuality,
		interval:    1 / float64(p.FrameRate),
	}, nil
}

// SetBitrate sets the target bitrate in bits per second. Zero disables rate
// control.
func (e *Encoder) SetBitrate(bps int) {
	e.mu.Lock()
	e.bitrate = bps
	e.mu.Unlock()
}

// SetKeyframeInterval sets the maximum number of frames between keyframes.
func (e *Encoder) SetKeyframeInterval(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.keyInterval = n
	e.mu.Unlock()
}

// SetScale sets the downscale divisor applied to frames before coding.
func (e *Encoder) SetScale(div int) {
	if div < 1 {
		div = 1
	}
	e.mu.Lock()
	e.scale = div
	e.mu.Unlock()
}

// Acknowledge records that the receiver holds the picture seq. Only newer
// acknowledgements replace the current reference, and none older than the
// newest keyframe. The history grows to cover the delay, in frames, between
// coding a picture and its acknowledgement, up to maxEncoderHistory.
func (e *Encoder) Acknowledge(seq uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lag := int(int32(e.seq - seq))
	if n := min(lag+historyMargin, maxEncoderHistory); n > e.refs.size {
		e.log.Debug(pkg+"growing reference history", "size", n, "lag", lag)
		e.refs.size = n
	}

	p := e.refs.get(seq)
	if p == nil {
		return
	}
	if e.lastKey != nil && int32(seq-e.lastKey.seq) < 0 {
		return
	}
	if e.acked == nil || int32(seq-e.acked.seq) > 0 {
		e.acked = p
	}
}

// Quality returns the JPEG quality currently used for tiles.
func (e *Encoder) Quality() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

// Close releases the reference history.
func (e *Encoder) Close() error {
	e.mu.Lock()
	e.refs.reset()
	e.acked, e.lastKey = nil, nil
	e.mu.Unlock()
	return nil
}

// Encode codes f. A keyframe is produced when forced, when the keyframe
// interval has elapsed, when the output size changes, or when no reference
// is available. Otherwise a delta is coded against the newest acknowledged
// picture, or the newest keyframe if nothing has been acknowledged since it.
// On failure the frame is dropped and the next frame is a keyframe.
func (e *Encoder) Encode(f *media.Frame, forceKeyframe bool) (*media.AccessUnit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := f.Validate()
	if err != nil {
		e.force = true
		return nil, fmt.Errorf("%w: %v", codec.ErrEncode, err)
	}

	img := downscale(f.RGBA(), e.scale)
	if img.Rect.Min != (image.Point{}) {
		img = clone(img)
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w > maxDimension || h > maxDimension {
		e.force = true
		return nil, fmt.Errorf("%w: frame %dx%d too large", codec.ErrEncode, w, h)
	}

	if w != e.width || h != e.height {
		e.log.Info(pkg+"output size changed", "width", w, "height", h)
		e.width, e.height = w, h
		e.refs.reset()
		e.acked, e.lastKey = nil, nil
	}

	ref := e.reference()
	key := forceKeyframe || e.force || ref == nil || e.sinceKey+1 >= e.keyInterval
	if key {
		ref = nil
	}

	hdr := header{keyframe: key, width: w, height: h, tile: e.tile}
	var recon *image.RGBA
	if key {
		recon = image.NewRGBA(img.Rect)
	} else {
		recon = clone(ref.recon)
	}

	var blocks []block
	for y := 0; y < hdr.rows(); y++ {
		for x := 0; x < hdr.cols(); x++ {
			r := tileRect(x, y, e.tile, w, h)
			if !key && !changed(img, ref.src, r) {
				continue
			}
			data, err := encodeTile(img, r, e.quality)
			if err != nil {
				e.force = true
				return nil, fmt.Errorf("%w: %v", codec.ErrEncode, err)
			}
			err = drawTile(recon, r, data)
			if err != nil {
				e.force = true
				return nil, fmt.Errorf("%w: %v", codec.ErrEncode, err)
			}
			blocks = append(blocks, block{x: x, y: y, data: data})
		}
	}

	payload := marshal(hdr, blocks)
	au := &media.AccessUnit{
		Seq:      e.seq,
		Ref:      e.seq,
		PTS:      f.Timestamp,
		Keyframe: key,
		Width:    w,
		Height:   h,
		Size:     len(payload),
		Payload:  payload,
	}
	if !key {
		au.Ref = ref.seq
	}

	pic := &picture{seq: e.seq, src: img, recon: recon}
	e.refs.add(pic, e.acked, e.lastKey)
	if key {
		e.lastKey, e.acked = pic, nil
		e.sinceKey = 0
		e.force = false
	} else {
		e.sinceKey++
	}
	e.seq++

	e.control(au)
	return au, nil
}

// reference returns the picture the next delta would be coded against.
func (e *Encoder) reference() *picture {
	if e.acked != nil {
		return e.acked
	}
	return e.lastKey
}

// control updates the smoothed frame size and interval and adjusts tile
// quality so that the mean output rate trends to the target bitrate.
func (e *Encoder) control(au *media.AccessUnit) {
	if e.havePTS {
		if d := (au.PTS - e.lastPTS).Seconds(); d > 0 {
			e.interval += intervalSmoothing * (d - e.interval)
		}
	}
	e.lastPTS, e.havePTS = au.PTS, true

	e.avgBytes += rateSmoothing * (float64(au.Size) - e.avgBytes)
	if e.bitrate <= 0 {
		return
	}

	target := float64(e.bitrate) / 8 * e.interval
	switch {
	case e.avgBytes > target*overshootThreshold && e.quality > minQuality:
		step := 2
		if e.avgBytes > 2*target {
			step = 8
		}
		e.quality = max(minQuality, e.quality-step)
	case e.avgBytes < target*undershootThreshold && e.quality < maxQuality:
		e.quality++
	}
}
