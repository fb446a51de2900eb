/*
DESCRIPTION
  supervisor_test.go tests starting, restarting and stopping pipelines
  through the supervisor.

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
	"sync"
	"testing"

	"github.com/ausocean/utils/logging"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/pipeline"
	"github.com/ausocean/fjarsyn/transport"
)

// fakeRunner is a runner that does nothing until stopped.
type fakeRunner struct {
	cfg    config.Config
	events chan pipeline.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeRunner(cfg config.Config) *fakeRunner {
	return &fakeRunner{cfg: cfg, events: make(chan pipeline.Event), done: make(chan struct{})}
}

func (r *fakeRunner) Start(ctx context.Context) error { return nil }
func (r *fakeRunner) Events() <-chan pipeline.Event  { return r.events }
func (r *fakeRunner) Done() <-chan struct{}          { return r.done }
func (r *fakeRunner) Err() error                     { return nil }
func (r *fakeRunner) Stats() transport.Stats         { return transport.Stats{} }

func (r *fakeRunner) Stop() {
	r.once.Do(func() {
		close(r.events)
		close(r.done)
	})
}

// levelLogger records the level set on it.
type levelLogger struct {
	logging.Logger
	mu    sync.Mutex
	level int8
	set   bool
}

func (l *levelLogger) SetLevel(v int8) {
	l.mu.Lock()
	l.level, l.set = v, true
	l.mu.Unlock()
}

type nopSink struct{}

func (nopSink) Render(*media.Frame) error { return nil }

func TestSupervisorRestartsOnUpdate(t *testing.T) {
	var built []*fakeRunner
	b := func(cfg config.Config) (runner, error) {
		r := newFakeRunner(cfg)
		built = append(built, r)
		return r, nil
	}
	l := (*logging.TestLogger)(t)
	sup := newSupervisor(l, b, map[string]string{config.KeyBitrate: "1000000"})
	ctx := context.Background()

	// Variables changed while stopped are applied on the next start.
	sup.update(ctx, map[string]string{config.KeyBitrate: "2000000"})
	if len(built) != 0 {
		t.Fatalf("pipeline built while stopped")
	}

	err := sup.start(ctx)
	if err != nil {
		t.Fatalf("could not start: %v", err)
	}
	err = sup.start(ctx)
	if err != nil || len(built) != 1 {
		t.Fatalf("second start: err %v, %d built", err, len(built))
	}
	if got := built[0].cfg.Bitrate; got != 2000000 {
		t.Errorf("bitrate %d, want 2000000", got)
	}

	sup.update(ctx, map[string]string{config.KeyBitrate: "3000000"})
	if len(built) != 2 {
		t.Fatalf("%d pipelines built after update, want 2", len(built))
	}
	select {
	case <-built[0].Done():
	default:
		t.Error("previous pipeline not stopped on update")
	}
	if got := built[1].cfg.Bitrate; got != 3000000 {
		t.Errorf("bitrate %d after update, want 3000000", got)
	}

	sup.stop()
	select {
	case <-built[1].Done():
	default:
		t.Error("pipeline not stopped")
	}
}

func TestSupervisorAppliesLogLevel(t *testing.T) {
	l := &levelLogger{Logger: (*logging.TestLogger)(t)}
	view := viewBuilder(l, nopSink{})
	b := func(cfg config.Config) (runner, error) {
		_, err := view(cfg)
		if err != nil {
			return nil, err
		}
		return newFakeRunner(cfg), nil
	}
	sup := newSupervisor(l, b, map[string]string{config.KeyLogging: "Warning"})
	err := sup.start(context.Background())
	if err != nil {
		t.Fatalf("could not start: %v", err)
	}
	defer sup.stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set || l.level != logging.Warning {
		t.Errorf("log level %d (set %v), want %d", l.level, l.set, logging.Warning)
	}
}
