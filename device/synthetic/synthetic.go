/*
DESCRIPTION
  synthetic.go provides an implementation of the FrameSource interface that
  generates a moving test pattern. It is used for testing pipelines without a
  display and supports injection of source loss.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package synthetic provides a FrameSource producing a deterministic moving
// test pattern.
package synthetic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/device"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Used to indicate package in logging.
const pkg = "synthetic: "

// Configuration defaults.
const (
	defaultWidth     = 320
	defaultHeight    = 240
	defaultFrameRate = 30
)

// Pattern constants.
const (
	boxSize = 32
	boxStep = 4
)

// Configuration field errors.
var (
	errBadWidth     = errors.New("width bad or unset, defaulting")
	errBadHeight    = errors.New("height bad or unset, defaulting")
	errBadFrameRate = errors.New("frame rate bad or unset, defaulting")
)

// Option is a functional option for a Source.
type Option func(*Source) error

// WithLimit makes the source end after n frames.
func WithLimit(n int) Option {
	return func(s *Source) error {
		if n < 0 {
			return fmt.Errorf("invalid frame limit: %d", n)
		}
		s.limit = n
		return nil
	}
}

// WithoutPacing makes NextFrame return immediately rather than waiting for
// the frame interval. Timestamps still advance by the nominal interval.
func WithoutPacing() Option {
	return func(s *Source) error {
		s.unpaced = true
		return nil
	}
}

// Source is a FrameSource producing a box moving across a gradient.
type Source struct {
	log      logging.Logger
	cfg      config.Config
	limit    int
	unpaced  bool
	interval time.Duration

	mu        sync.Mutex
	isRunning bool
	lost      bool
	n         int
	next      time.Time
	done      chan struct{}
}

// New returns a new Source.
func New(l logging.Logger, opts ...Option) (*Source, error) {
	s := &Source{log: l}
	for i, opt := range opts {
		err := opt(s)
		if err != nil {
			return nil, fmt.Errorf("could not apply option %d: %w", i, err)
		}
	}
	return s, nil
}

// Name returns the name of the source.
func (s *Source) Name() string { return "Synthetic" }

// Set validates the Width, Height, FrameRate and PixelFormat fields of c. If
// fields are not valid, an error is added to the MultiError and a default
// value is used.
func (s *Source) Set(c config.Config) error {
	var errs device.MultiError
	if c.Width == 0 {
		errs = append(errs, errBadWidth)
		c.Width = defaultWidth
	}

	if c.Height == 0 {
		errs = append(errs, errBadHeight)
		c.Height = defaultHeight
	}

	if !media.ValidFramerate(c.FrameRate) {
		errs = append(errs, errBadFrameRate)
		c.FrameRate = defaultFrameRate
	}

	s.mu.Lock()
	s.cfg = c
	s.interval = media.FrameInterval(c.FrameRate)
	s.mu.Unlock()
	if len(errs) != 0 {
		return errs
	}
	return nil
}

// Start starts the source. Starting a lost source recovers it.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if s.interval == 0 {
		return errors.New("source not configured")
	}
	s.isRunning = true
	s.lost = false
	s.next = time.Now()
	s.done = make(chan struct{})
	s.log.Info(pkg+"started", "width", s.cfg.Width, "height", s.cfg.Height, "fps", s.cfg.FrameRate)
	return nil
}

// Stop stops the source.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil
	}
	s.isRunning = false
	close(s.done)
	s.log.Info(pkg + "stopped")
	return nil
}

// IsRunning is used to determine if the source is running.
func (s *Source) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Lose simulates loss of the captured surface. NextFrame returns an error
// wrapping device.ErrSourceLost until the source is restarted.
func (s *Source) Lose() {
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
}

// NextFrame returns the next frame of the pattern.
func (s *Source) NextFrame(ctx context.Context) (*media.Frame, error) {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil, device.ErrNotRunning
	}
	if s.lost {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic surface gone: %w", device.ErrSourceLost)
	}
	if s.limit != 0 && s.n >= s.limit {
		s.mu.Unlock()
		return nil, device.ErrEndOfSource
	}
	wait := time.Until(s.next)
	s.next = s.next.Add(s.interval)
	n := s.n
	s.n++
	done := s.done
	cfg := s.cfg
	s.mu.Unlock()

	if !s.unpaced && wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, device.ErrNotRunning
		case <-t.C:
		}
	}

	img := Pattern(int(cfg.Width), int(cfg.Height), n)
	return media.Convert(img, cfg.PixelFormat, time.Duration(n)*s.interval), nil
}

// Pattern draws frame n of the test pattern: a static gradient with a white
// box moving diagonally across it.
func Pattern(w, h, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			p[0] = byte(x * 255 / w)
			p[1] = byte(y * 255 / h)
			p[2] = 0x40
			p[3] = 0xff
		}
	}

	bx := (n * boxStep) % max(1, w-boxSize)
	by := (n * boxStep / 2) % max(1, h-boxSize)
	for y := by; y < by+boxSize && y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := bx; x < bx+boxSize && x < w; x++ {
			copy(row[x*4:x*4+4], []byte{0xff, 0xff, 0xff, 0xff})
		}
	}
	return img
}
