/*
DESCRIPTION
  frame.go provides Frame, a single captured image of a display surface, and
  the pixel formats a Frame may be stored in.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package media provides the data types that flow through a screen sharing
// pipeline: raw frames and encoded access units.
package media

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"
)

// PixelFormat describes the memory layout of a Frame's pixels.
type PixelFormat uint8

// Supported pixel formats.
const (
	RGBA8  PixelFormat = iota // 8 bits per channel, R G B A order.
	BGRA8                     // 8 bits per channel, B G R A order.
	RGBA16                    // 16 bits per channel big endian, R G B A order.
)

// BytesPerPixel returns the number of bytes a single pixel occupies.
func (f PixelFormat) BytesPerPixel() int {
	if f == RGBA16 {
		return 8
	}
	return 4
}

func (f PixelFormat) String() string {
	switch f {
	case RGBA8:
		return "RGBA8"
	case BGRA8:
		return "BGRA8"
	case RGBA16:
		return "RGBA16"
	default:
		return fmt.Sprintf("PixelFormat(%d)", uint8(f))
	}
}

// ParsePixelFormat returns the PixelFormat named by s, ignoring case.
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToUpper(s) {
	case "RGBA8":
		return RGBA8, nil
	case "BGRA8":
		return BGRA8, nil
	case "RGBA16":
		return RGBA16, nil
	default:
		return 0, fmt.Errorf("unknown pixel format: %s", s)
	}
}

var errShortFrame = errors.New("pixel buffer too short for frame dimensions")

// Frame is one captured image. A Frame must not be modified once it has been
// handed to an encoder.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Stride    int // Bytes between vertically adjacent pixels.
	Format    PixelFormat
	Timestamp time.Duration // Capture time relative to the start of the source.
}

// NewFrame returns a zeroed frame of the given dimensions and format.
func NewFrame(w, h int, f PixelFormat, ts time.Duration) *Frame {
	stride := w * f.BytesPerPixel()
	return &Frame{
		Pix:       make([]byte, stride*h),
		Width:     w,
		Height:    h,
		Stride:    stride,
		Format:    f,
		Timestamp: ts,
	}
}

// FromRGBA wraps an RGBA image as a Frame without copying its pixels.
func FromRGBA(img *image.RGBA, ts time.Duration) *Frame {
	b := img.Bounds()
	return &Frame{
		Pix:       img.Pix,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Stride:    img.Stride,
		Format:    RGBA8,
		Timestamp: ts,
	}
}

// Convert returns img as a Frame in format f. RGBA8 frames share img's pixel
// buffer.
func Convert(img *image.RGBA, f PixelFormat, ts time.Duration) *Frame {
	if f == RGBA8 {
		return FromRGBA(img, ts)
	}

	b := img.Bounds()
	out := NewFrame(b.Dx(), b.Dy(), f, ts)
	bpp := f.BytesPerPixel()
	for y := 0; y < out.Height; y++ {
		src := img.Pix[y*img.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < out.Width; x++ {
			s := src[x*4 : x*4+4]
			d := dst[x*bpp:]
			switch f {
			case BGRA8:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			case RGBA16:
				for i := 0; i < 4; i++ {
					d[2*i], d[2*i+1] = s[i], s[i]
				}
			}
		}
	}
	return out
}

// Validate checks that the frame dimensions are positive and the pixel buffer
// holds them.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Stride < f.Width*f.Format.BytesPerPixel() {
		return fmt.Errorf("stride %d less than row size", f.Stride)
	}
	if len(f.Pix) < f.Stride*(f.Height-1)+f.Width*f.Format.BytesPerPixel() {
		return errShortFrame
	}
	return nil
}

// RGBA returns the frame as an 8-bit RGBA image. RGBA8 frames share their
// pixel buffer with the returned image; other formats are converted.
func (f *Frame) RGBA() *image.RGBA {
	r := image.Rect(0, 0, f.Width, f.Height)
	if f.Format == RGBA8 {
		return &image.RGBA{Pix: f.Pix, Stride: f.Stride, Rect: r}
	}

	img := image.NewRGBA(r)
	bpp := f.Format.BytesPerPixel()
	for y := 0; y < f.Height; y++ {
		src := f.Pix[y*f.Stride:]
		dst := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			s := src[x*bpp:]
			d := dst[x*4 : x*4+4]
			switch f.Format {
			case BGRA8:
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			case RGBA16:
				// Keep the most significant byte of each channel.
				d[0], d[1], d[2], d[3] = s[0], s[2], s[4], s[6]
			}
		}
	}
	return img
}
