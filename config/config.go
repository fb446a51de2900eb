/*
NAME
  config.go

DESCRIPTION
  config.go provides Config, the configuration settings for a screen sharing
  sender or receiver.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config contains the configuration settings for fjarsyn.
package config

import (
	"time"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Enums to define inputs and transports.
const (
	// Indicates no option has been set.
	NothingDefined = iota

	// Inputs.
	InputScreen
	InputSynthetic

	// Transports.
	TransportUDP
	TransportQUIC
)

// Config provides parameters relevant to a fjarsyn sender or receiver. A new
// config must be passed to the constructor. Default values for these fields
// are defined as consts in variables.go.
type Config struct {
	// Logger holds an implementation of the Logger interface as defined in
	// github.com/ausocean/utils/logging. This must be set for fjarsyn to work
	// correctly.
	Logger logging.Logger

	// LogLevel is the fjarsyn logging verbosity level.
	// Valid values are defined by enums from the logging package: logging.Debug,
	// logging.Info, logging.Warning, logging.Error, logging.Fatal.
	LogLevel int8

	// Input defines the frame source. Possible values are defined by the
	// input enums at the start of this file.
	Input uint8

	DisplayIndex uint              // DisplayIndex selects the display captured by the screen input.
	Width        uint              // Width of synthetic frames; 0 means native size for screen input.
	Height       uint              // Height of synthetic frames; 0 means native size for screen input.
	FrameRate    uint              // FrameRate is the capture rate in frames per second.
	PixelFormat  media.PixelFormat // PixelFormat of captured frames.

	// Bitrate is the initial target bitrate in bits per second. The pipeline
	// controller adapts the target between MinBitrate and MaxBitrate.
	Bitrate    uint
	MinBitrate uint
	MaxBitrate uint

	// DegradedBitrate is the bandwidth estimate, in bits per second, below
	// which a session is considered degraded.
	DegradedBitrate uint

	KeyframeInterval uint // KeyframeInterval is the maximum number of frames between keyframes.
	TileSize         uint // TileSize is the edge length of a codec block in pixels.
	MTU              uint // MTU is the maximum datagram size in bytes.

	// JitterMinDelay and JitterMaxDelay bound the adaptive playout delay of the
	// receive jitter buffer.
	JitterMinDelay time.Duration
	JitterMaxDelay time.Duration

	QueueLength     uint // QueueLength is the capacity of each inter-stage queue.
	SendQueueLength uint // SendQueueLength is the number of packets the transport may hold for sending.

	// Transport defines the datagram transport used between peers.
	Transport uint8

	LocalAddress  string // LocalAddress is the address the transport binds to.
	RemoteAddress string // RemoteAddress is the peer's transport address.

	// SignalingURL is the websocket URL of the signaling relay. If empty, the
	// session is set up statically from this config.
	SignalingURL string

	// PeerID identifies the remote peer on the signaling relay. An empty PeerID
	// broadcasts the offer to all connected peers.
	PeerID string

	// StallTimeout is the period without inbound datagrams after which the
	// transport is considered stalled. UnreachableTimeout is the period after
	// which the session fails.
	StallTimeout       time.Duration
	UnreachableTimeout time.Duration

	CaptureRetries  uint          // CaptureRetries is the number of capture restarts tried before failing.
	ControlInterval time.Duration // ControlInterval is the period of the rate control loop.
}

// Validate checks for any errors in the config fields and defaults settings
// if particular parameters have not been defined.
func (c *Config) Validate() error {
	for _, v := range Variables {
		if v.Validate != nil {
			v.Validate(c)
		}
	}
	return nil
}

// Update takes a map of configuration variable names and their corresponding
// values, parses the string values and converting into correct type, and then
// sets the config struct fields as appropriate.
func (c *Config) Update(vars map[string]string) {
	for _, value := range Variables {
		if v, ok := vars[value.Name]; ok && value.Update != nil {
			value.Update(c, v)
		}
	}
}

// LogInvalidField logs that the named field was bad or unset and that def is
// being used in its place.
func (c *Config) LogInvalidField(name string, def interface{}) {
	c.Logger.Info(name+" bad or unset, defaulting", name, def)
}
