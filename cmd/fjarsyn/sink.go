/*
DESCRIPTION
  sink.go provides the sinks that viewed frames are rendered to: a frame
  rate log, periodic JPEG snapshots and, in withcv builds, a window.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/pipeline"
)

// Snapshot parameters.
const (
	snapshotPeriod  = 5 * time.Second
	snapshotQuality = 85
)

// newSink returns the sink for viewed frames and a function releasing it.
func newSink(l logging.Logger, snapDir string, window bool) (pipeline.Sink, func(), error) {
	sinks := multiSink{&rateSink{log: l}}
	closers := []func(){}
	if snapDir != "" {
		err := os.MkdirAll(snapDir, 0755)
		if err != nil {
			return nil, nil, fmt.Errorf("could not create snapshot directory: %w", err)
		}
		sinks = append(sinks, &snapshotSink{log: l, dir: snapDir})
	}
	if window {
		w, closeWindow, err := newWindow(l)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, w)
		closers = append(closers, closeWindow)
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return sinks, closeAll, nil
}

// multiSink renders to each of its sinks in turn.
type multiSink []pipeline.Sink

func (m multiSink) Render(f *media.Frame) error {
	var errs []error
	for _, s := range m {
		err := s.Render(f)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("render errors: %v", errs)
	}
	return nil
}

// rateSink logs the rendered frame rate.
type rateSink struct {
	log   logging.Logger
	mu    sync.Mutex
	n     int
	start time.Time
	size  [2]int
}

func (s *rateSink) Render(f *media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.start.IsZero() {
		s.start = now
	}
	if size := [2]int{f.Width, f.Height}; size != s.size {
		s.log.Info(pkg+"viewing", "width", f.Width, "height", f.Height)
		s.size = size
	}
	s.n++
	if d := now.Sub(s.start); d >= statsPeriod {
		s.log.Info(pkg+"render rate", "fps", float64(s.n)/d.Seconds())
		s.n, s.start = 0, now
	}
	return nil
}

// snapshotSink writes a JPEG of the latest frame to its directory every
// snapshotPeriod.
type snapshotSink struct {
	log  logging.Logger
	dir  string
	last time.Time
}

func (s *snapshotSink) Render(f *media.Frame) error {
	now := time.Now()
	if now.Sub(s.last) < snapshotPeriod {
		return nil
	}
	s.last = now

	name := filepath.Join(s.dir, fmt.Sprintf("fjarsyn-%d.jpg", now.Unix()))
	out, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("could not create snapshot: %w", err)
	}
	err = jpeg.Encode(out, f.RGBA(), &jpeg.Options{Quality: snapshotQuality})
	if err != nil {
		out.Close()
		return fmt.Errorf("could not encode snapshot: %w", err)
	}
	s.log.Debug(pkg+"wrote snapshot", "file", name)
	return out.Close()
}
