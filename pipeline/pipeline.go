/*
NAME
  pipeline.go

DESCRIPTION
  pipeline.go provides the states, events, faults and termination reasons of
  a screen sharing pipeline.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package pipeline provides the sending and receiving chains of a screen
// sharing session, and the controller that sets them up, adapts them to
// network conditions and tears them down.
//
// A Sender captures frames from a device.FrameSource, encodes, packetizes
// and sends them. A Receiver orders received packets in a jitter buffer,
// reassembles and decodes them and hands frames to a Sink.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/fjarsyn/transport"
)

// Used to indicate package in logging.
const pkg = "pipeline: "

// State is the state of a pipeline.
type State int

// Pipeline states.
const (
	Idle State = iota
	Connecting
	Streaming
	Degraded
	Closing
	Closed
)

var stateNames = [...]string{
	Idle:       "Idle",
	Connecting: "Connecting",
	Streaming:  "Streaming",
	Degraded:   "Degraded",
	Closing:    "Closing",
	Closed:     "Closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// FaultKind identifies the stage at which a fault occurred.
type FaultKind int

// Fault kinds.
const (
	CaptureFault FaultKind = iota
	EncodeFault
	TransportFault
	ReassemblyFault
	DecodeFault
)

var faultNames = [...]string{
	CaptureFault:    "capture",
	EncodeFault:     "encode",
	TransportFault:  "transport",
	ReassemblyFault: "reassembly",
	DecodeFault:     "decode",
}

func (k FaultKind) String() string {
	if k < 0 || int(k) >= len(faultNames) {
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
	return faultNames[k]
}

// Fault is an error at one stage of a pipeline. Most faults are recovered
// locally; those that are not end the pipeline with a Terminated error.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("%v fault: %v", f.Kind, f.Err) }

func (f *Fault) Unwrap() error { return f.Err }

// Reason is the reason a pipeline terminated.
type Reason int

// Termination reasons.
const (
	ReasonStopped Reason = iota
	ReasonCaptureLost
	ReasonPeerUnreachable
	ReasonEncoderInit
	ReasonNegotiation
)

var reasonNames = [...]string{
	ReasonStopped:         "stopped",
	ReasonCaptureLost:     "capture lost",
	ReasonPeerUnreachable: "peer unreachable",
	ReasonEncoderInit:     "encoder initialisation failed",
	ReasonNegotiation:     "negotiation failed",
}

func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonNames) {
		return fmt.Sprintf("Reason(%d)", int(r))
	}
	return reasonNames[r]
}

// Terminated is the error with which a pipeline ended.
type Terminated struct {
	Reason Reason
	Err    error
}

func (t *Terminated) Error() string {
	if t.Err == nil {
		return "pipeline terminated: " + t.Reason.String()
	}
	return fmt.Sprintf("pipeline terminated: %v: %v", t.Reason, t.Err)
}

func (t *Terminated) Unwrap() error { return t.Err }

// terminate returns a Terminated error for reason, with err as its cause.
func terminate(reason Reason, err error) error {
	return &Terminated{Reason: reason, Err: err}
}

// errEndOfStream ends a sender whose source has no more frames.
var errEndOfStream = errors.New("end of stream")

// EventKind identifies the kind of an Event.
type EventKind int

// Event kinds.
const (
	EventState       EventKind = iota // The pipeline changed state.
	EventFault                        // A recoverable fault occurred.
	EventDegradation                  // The session has been degraded for a sustained period.
	EventTerminated                   // The pipeline ended; no events follow.
)

// Event is a notification from a pipeline.
type Event struct {
	Kind  EventKind
	State State           // The state entered, for EventState.
	Fault *Fault          // For EventFault.
	Err   *Terminated     // For EventTerminated.
	Stats transport.Stats // For EventDegradation.
}

// Sink receives decoded frames. Frames arrive in order but with gaps where
// access units were lost; a Sink must tolerate them.
type Sink interface {
	Render(f *media.Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *media.Frame) error

// Render implements Sink.
func (fn SinkFunc) Render(f *media.Frame) error { return fn(f) }
