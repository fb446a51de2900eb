/*
DESCRIPTION
  codec.go provides the encoder and decoder capabilities used by the pipeline
  and the faults they report.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package codec describes the video encoder and decoder capabilities used by
// a screen sharing pipeline.
package codec

import (
	"errors"

	"github.com/ausocean/fjarsyn/media"
)

var (
	// ErrUnsupported is returned when an encoder or decoder cannot be
	// initialised for the requested parameters. It is fatal to a session.
	ErrUnsupported = errors.New("unsupported codec parameters")

	// ErrEncode is wrapped by errors from a single failed encode. The frame is
	// dropped and the next frame is forced to be a keyframe.
	ErrEncode = errors.New("encode failed")

	// ErrDecode is wrapped by errors from a single failed decode, including a
	// delta whose reference is missing. A keyframe should be requested.
	ErrDecode = errors.New("decode failed")
)

// Params are the negotiated encoding parameters of a session.
type Params struct {
	Width            int
	Height           int
	Bitrate          int // Target bitrate in bits per second.
	FrameRate        int // Nominal frame rate used for initial rate control.
	KeyframeInterval int // Maximum frames between keyframes.
	TileSize         int
}

// Encoder turns frames into access units.
type Encoder interface {
	// Encode encodes f. If forceKeyframe is true, or the encoder cannot code a
	// delta against a reference the receiver holds, a keyframe is produced.
	Encode(f *media.Frame, forceKeyframe bool) (*media.AccessUnit, error)

	// SetBitrate sets the target bitrate in bits per second. Output size
	// trends to the target over a rolling window.
	SetBitrate(bps int)

	// SetKeyframeInterval sets the maximum number of frames between keyframes.
	SetKeyframeInterval(n int)

	// SetScale sets an output downscale divisor; 1 is native resolution.
	// A change in output size forces a keyframe.
	SetScale(div int)

	// Acknowledge records that the receiver decoded the access unit seq,
	// making it available as a reference for deltas.
	Acknowledge(seq uint32)

	// Close releases the encoder.
	Close() error
}

// Decoder turns access units back into frames.
type Decoder interface {
	// Decode decodes au. A delta whose reference is not held returns an error
	// wrapping ErrDecode and no frame.
	Decode(au *media.AccessUnit) (*media.Frame, error)

	// Close releases the decoder.
	Close() error
}
