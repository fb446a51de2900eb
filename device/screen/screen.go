/*
DESCRIPTION
  screen.go provides an implementation of the FrameSource interface that
  captures a desktop display.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package screen provides a FrameSource capturing a desktop display.
package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/device"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "screen: "

// Configuration defaults.
const (
	defaultFrameRate    = 30
	defaultDisplayIndex = 0
)

// refreshInterval is the longest period an unchanged screen goes without a
// frame being emitted.
const refreshInterval = time.Second

// Configuration field errors.
var (
	errBadFrameRate = errors.New("frame rate bad or unset, defaulting")
	errBadDisplay   = errors.New("display index bad, defaulting")
	errNoDisplay    = errors.New("no active displays")
)

// Capturer captures a region of the desktop. It is satisfied by the
// screenshot package and replaced in tests.
type Capturer interface {
	NumDisplays() int
	Bounds(display int) image.Rectangle
	Capture(r image.Rectangle) (*image.RGBA, error)
}

type desktop struct{}

func (desktop) NumDisplays() int                               { return screenshot.NumActiveDisplays() }
func (desktop) Bounds(i int) image.Rectangle                   { return screenshot.GetDisplayBounds(i) }
func (desktop) Capture(r image.Rectangle) (*image.RGBA, error) { return screenshot.CaptureRect(r) }

// Screen is a FrameSource capturing one display. Frames are only emitted when
// the screen content changes, or at least once every refreshInterval.
type Screen struct {
	log logging.Logger
	cap Capturer
	cfg config.Config

	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
	start     time.Time
	bounds    image.Rectangle
	prev      []byte
	lastEmit  time.Time
	next      time.Time
}

// New returns a new Screen capturing the desktop.
func New(l logging.Logger) *Screen {
	return NewWithCapturer(l, desktop{})
}

// NewWithCapturer returns a new Screen using c to capture.
func NewWithCapturer(l logging.Logger, c Capturer) *Screen {
	return &Screen{log: l, cap: c}
}

// Name returns the name of the device.
func (s *Screen) Name() string { return "Screen" }

// Set validates the DisplayIndex, FrameRate and PixelFormat fields of c. If
// fields are not valid, an error is added to the MultiError and a default
// value is used.
func (s *Screen) Set(c config.Config) error {
	var errs device.MultiError
	if !media.ValidFramerate(c.FrameRate) {
		errs = append(errs, errBadFrameRate)
		c.FrameRate = defaultFrameRate
	}

	n := s.cap.NumDisplays()
	if n == 0 {
		return errNoDisplay
	}
	if int(c.DisplayIndex) >= n {
		errs = append(errs, errBadDisplay)
		c.DisplayIndex = defaultDisplayIndex
	}

	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
	if len(errs) != 0 {
		return errs
	}
	return nil
}

// Start begins capture of the configured display.
func (s *Screen) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if s.cfg.FrameRate == 0 {
		return errors.New("screen not configured")
	}
	idx := int(s.cfg.DisplayIndex)
	if idx >= s.cap.NumDisplays() {
		return fmt.Errorf("display %d unavailable: %w", idx, device.ErrSourceLost)
	}
	b := s.cap.Bounds(idx)
	if b.Empty() {
		return fmt.Errorf("display %d has zero bounds: %w", idx, device.ErrSourceLost)
	}

	s.bounds = b
	s.prev = nil
	s.start = time.Now()
	s.next = s.start
	s.done = make(chan struct{})
	s.isRunning = true
	s.log.Info(pkg+"started capture", "display", idx, "width", b.Dx(), "height", b.Dy())
	return nil
}

// Stop stops capture.
func (s *Screen) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil
	}
	s.isRunning = false
	close(s.done)
	s.log.Info(pkg + "stopped capture")
	return nil
}

// IsRunning is used to determine if the screen is being captured.
func (s *Screen) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// NextFrame waits for the next capture tick and returns the display content
// if it changed. A display that disappears or fails to capture is reported
// as device.ErrSourceLost.
func (s *Screen) NextFrame(ctx context.Context) (*media.Frame, error) {
	interval := media.FrameInterval(s.cfg.FrameRate)
	for {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return nil, device.ErrNotRunning
		}
		wait := time.Until(s.next)
		s.next = s.next.Add(interval)
		if wait < -interval {
			// Capture fell behind; don't try to catch up.
			s.next = time.Now().Add(interval)
		}
		done := s.done
		s.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-done:
				t.Stop()
				return nil, device.ErrNotRunning
			case <-t.C:
			}
		}

		f, err := s.capture()
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
}

// capture grabs the display and returns a frame, or nil if the content is
// unchanged and a refresh is not yet due.
func (s *Screen) capture() (*media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(s.cfg.DisplayIndex)
	if idx >= s.cap.NumDisplays() {
		return nil, fmt.Errorf("display %d disconnected: %w", idx, device.ErrSourceLost)
	}
	if b := s.cap.Bounds(idx); !b.Eq(s.bounds) {
		s.log.Info(pkg+"display bounds changed", "width", b.Dx(), "height", b.Dy())
		s.bounds = b
		s.prev = nil
	}

	img, err := s.cap.Capture(s.bounds)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %v: %w", err, device.ErrSourceLost)
	}

	now := time.Now()
	if s.prev != nil && bytes.Equal(s.prev, img.Pix) && now.Sub(s.lastEmit) < refreshInterval {
		return nil, nil
	}
	s.prev = img.Pix
	s.lastEmit = now
	return media.Convert(img, s.cfg.PixelFormat, now.Sub(s.start)), nil
}
