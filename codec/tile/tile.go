/*
DESCRIPTION
  tile.go provides the tile grid operations shared by the tile encoder and
  decoder: change detection, JPEG coding of single tiles, reconstruction and
  the bounded history of reference pictures.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package tile provides a screen content codec. Frames are split into square
// tiles; a keyframe carries every tile and a delta carries only the tiles
// that changed since a reference picture. Each tile is JPEG coded at a
// quality chosen by rate control.
package tile

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/pkg/errors"
)

// Quality bounds for JPEG coded tiles.
const (
	minQuality     = 10
	maxQuality     = 95
	defaultQuality = 75
)

var errTileSize = errors.New("decoded tile size does not match tile position")

// tileRect returns the pixel rectangle of tile (x, y) clipped to w by h.
func tileRect(x, y, size, w, h int) image.Rectangle {
	return image.Rect(x*size, y*size, x*size+size, y*size+size).Intersect(image.Rect(0, 0, w, h))
}

// changed reports whether rect differs between a and b, which must have the
// same bounds.
func changed(a, b *image.RGBA, rect image.Rectangle) bool {
	n := rect.Dx() * 4
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		ai := a.PixOffset(rect.Min.X, y)
		bi := b.PixOffset(rect.Min.X, y)
		if !bytes.Equal(a.Pix[ai:ai+n], b.Pix[bi:bi+n]) {
			return true
		}
	}
	return false
}

// encodeTile JPEG codes the rect region of img.
func encodeTile(img *image.RGBA, rect image.Rectangle, quality int) ([]byte, error) {
	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img.SubImage(rect), &jpeg.Options{Quality: quality})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode tile")
	}
	return buf.Bytes(), nil
}

// drawTile decodes a JPEG tile and draws it into dst at rect.
func drawTile(dst *image.RGBA, rect image.Rectangle, data []byte) error {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "could not decode tile")
	}
	if src.Bounds().Dx() != rect.Dx() || src.Bounds().Dy() != rect.Dy() {
		return errors.Wrapf(errTileSize, "got %v want %v", src.Bounds().Size(), rect.Size())
	}
	draw.Draw(dst, rect, src, src.Bounds().Min, draw.Src)
	return nil
}

// clone returns a copy of img with bounds starting at the origin.
func clone(img *image.RGBA) *image.RGBA {
	c := image.NewRGBA(image.Rect(0, 0, img.Rect.Dx(), img.Rect.Dy()))
	draw.Draw(c, c.Rect, img, img.Rect.Min, draw.Src)
	return c
}

// downscale box filters img by div in each dimension.
func downscale(img *image.RGBA, div int) *image.RGBA {
	if div <= 1 {
		return img
	}
	w, h := img.Rect.Dx()/div, img.Rect.Dy()/div
	if w == 0 || h == 0 {
		return img
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	area := div * div
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [4]int
			for dy := 0; dy < div; dy++ {
				i := img.PixOffset(img.Rect.Min.X+x*div, img.Rect.Min.Y+y*div+dy)
				for dx := 0; dx < div; dx++ {
					for c := 0; c < 4; c++ {
						sum[c] += int(img.Pix[i+dx*4+c])
					}
				}
			}
			o := out.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				out.Pix[o+c] = uint8(sum[c] / area)
			}
		}
	}
	return out
}

// picture is a reference held in a history. src is the frame as captured and
// is only kept by encoders for change detection. recon is the picture as
// the decoder reconstructs it.
type picture struct {
	seq   uint32
	src   *image.RGBA
	recon *image.RGBA
}

// history is a bounded set of reference pictures keyed by sequence number.
// Adding beyond capacity evicts the oldest picture that is not pinned.
type history struct {
	size int
	pics []*picture
}

func newHistory(size int) *history {
	return &history{size: size}
}

func (h *history) add(p *picture, pinned ...*picture) {
	if len(h.pics) == h.size {
		evict := 0
		for i, q := range h.pics {
			if !contains(pinned, q) {
				evict = i
				break
			}
		}
		h.pics = append(h.pics[:evict], h.pics[evict+1:]...)
	}
	h.pics = append(h.pics, p)
}

func contains(pics []*picture, p *picture) bool {
	for _, q := range pics {
		if q == p {
			return true
		}
	}
	return false
}

func (h *history) get(seq uint32) *picture {
	for _, p := range h.pics {
		if p.seq == seq {
			return p
		}
	}
	return nil
}

func (h *history) reset() { h.pics = h.pics[:0] }
