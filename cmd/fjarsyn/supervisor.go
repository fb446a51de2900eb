/*
DESCRIPTION
  supervisor.go provides supervisor, which runs a sending or receiving
  pipeline and rebuilds it when its configuration changes.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/device"
	"github.com/ausocean/fjarsyn/device/screen"
	"github.com/ausocean/fjarsyn/device/synthetic"
	"github.com/ausocean/fjarsyn/pipeline"
	"github.com/ausocean/fjarsyn/transport"
)

// statsPeriod is the interval at which session statistics are logged.
const statsPeriod = 10 * time.Second

// runner is the part of a Sender or Receiver the supervisor uses.
type runner interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan pipeline.Event
	Done() <-chan struct{}
	Err() error
	Stats() transport.Stats
}

// builder returns a new pipeline for cfg.
type builder func(cfg config.Config) (runner, error)

func shareBuilder(l logging.Logger) builder {
	return func(cfg config.Config) (runner, error) {
		var src device.FrameSource
		switch cfg.Input {
		case config.InputSynthetic:
			s, err := synthetic.New(l)
			if err != nil {
				return nil, err
			}
			src = s
		default:
			src = screen.New(l)
		}
		return pipeline.NewSender(cfg, src)
	}
}

func viewBuilder(l logging.Logger, sink pipeline.Sink) builder {
	return func(cfg config.Config) (runner, error) {
		return pipeline.NewReceiver(cfg, sink)
	}
}

// supervisor runs one pipeline at a time.
type supervisor struct {
	log   logging.Logger
	build builder

	mu      sync.Mutex
	vars    map[string]string
	cur     runner
	running bool
	changed chan struct{}
}

func newSupervisor(l logging.Logger, b builder, vars map[string]string) *supervisor {
	return &supervisor{log: l, build: b, vars: vars, changed: make(chan struct{}, 1)}
}

// start builds and starts a pipeline from the current variables.
func (s *supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warning(pkg + "start called but pipeline is already running")
		return nil
	}
	return s.startLocked(ctx)
}

func (s *supervisor) startLocked(ctx context.Context) error {
	cfg := config.Config{Logger: s.log}
	cfg.Update(s.vars)
	r, err := s.build(cfg)
	if err != nil {
		return fmt.Errorf("could not build pipeline: %w", err)
	}
	go s.report(r)
	err = r.Start(ctx)
	if err != nil {
		return err
	}
	s.cur, s.running = r, true
	return nil
}

// stop stops the running pipeline, if any.
func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *supervisor) stopLocked() {
	if !s.running {
		return
	}
	s.cur.Stop()
	s.running = false
}

// update merges vars into the configuration and restarts a running
// pipeline with it.
func (s *supervisor) update(ctx context.Context, vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range vars {
		s.vars[k] = v
	}
	if !s.running {
		return
	}
	s.log.Info(pkg + "configuration changed, restarting pipeline")
	s.stopLocked()
	err := s.startLocked(ctx)
	if err != nil {
		s.log.Error(pkg+"could not restart pipeline", "error", err.Error())
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// wait blocks until ctx is done or the running pipeline terminates other
// than by being restarted.
func (s *supervisor) wait(ctx context.Context) {
	for {
		s.mu.Lock()
		r := s.cur
		s.mu.Unlock()
		if r == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.changed:
			continue
		case <-r.Done():
		}

		s.mu.Lock()
		restarted := s.cur != r
		s.mu.Unlock()
		if !restarted {
			return
		}
	}
}

// report logs the events of r, and its statistics periodically, until it
// closes.
func (s *supervisor) report(r runner) {
	t := time.NewTicker(statsPeriod)
	defer t.Stop()
	for {
		select {
		case e, ok := <-r.Events():
			if !ok {
				return
			}
			switch e.Kind {
			case pipeline.EventState:
				s.log.Info(pkg+"pipeline state", "state", e.State.String())
			case pipeline.EventDegradation:
				s.log.Warning(pkg+"session degraded", "estimate", int(e.Stats.Estimate), "loss", e.Stats.Loss)
			case pipeline.EventTerminated:
				if e.Err != nil && e.Err.Reason != pipeline.ReasonStopped {
					s.log.Error(pkg+"pipeline terminated", "reason", e.Err.Reason.String(), "error", e.Err.Error())
				}
			}
		case <-t.C:
			st := r.Stats()
			s.log.Info(pkg+"session statistics",
				"rtt", st.RTT.String(),
				"loss", st.Loss,
				"estimate", int(st.Estimate),
				"sent", st.SentBitrate,
				"jitter", st.Jitter.String(),
				"dropped", st.PacketsDropped,
				"invalid", st.PacketsInvalid,
			)
		}
	}
}
