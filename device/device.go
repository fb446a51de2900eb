/*
DESCRIPTION
  device.go provides FrameSource, an interface that describes a configurable
  video frame source that can be started and stopped from which frames may
  be obtained.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package device provides an interface and implementations for frame sources
// that can be started and stopped from which raw frames can be obtained.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/media"
)

// ErrEndOfSource is returned by NextFrame when the source has no more frames.
var ErrEndOfSource = errors.New("end of source")

// ErrSourceLost is wrapped by errors returned from NextFrame when capture has
// been lost in a way that may be recovered by restarting the source, for
// example the captured display being disconnected.
var ErrSourceLost = errors.New("source lost")

// ErrNotRunning is returned by NextFrame when the source has not been started.
var ErrNotRunning = errors.New("source not running")

// FrameSource describes a configurable source of raw frames.
type FrameSource interface {
	// Name returns the name of the FrameSource.
	Name() string

	// Set allows for configuration of the FrameSource using a Config struct.
	// All, some or none of the fields of the Config struct may be used for
	// configuration by an implementation. An implementation should specify
	// what fields are considered.
	Set(c config.Config) error

	// Start will start the FrameSource capturing; after which NextFrame may
	// be called.
	Start() error

	// Stop will stop the FrameSource from capturing. NextFrame calls blocked
	// at this point return.
	Stop() error

	// IsRunning is used to determine if the source is running.
	IsRunning() bool

	// NextFrame blocks until a frame is available, ctx is done or the source
	// is stopped. Frames are delivered at the source's native cadence, which
	// may be irregular.
	NextFrame(ctx context.Context) (*media.Frame, error)
}

// MultiError implements the built in error interface. MultiError is used here
// to collect multi errors during validation of configuration parameters for
// FrameSources.
type MultiError []error

func (me MultiError) Error() string {
	if len(me) == 0 {
		panic("device: invalid use of MultiError")
	}
	return fmt.Sprintf("%v", []error(me))
}
