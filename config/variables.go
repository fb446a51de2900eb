/*
DESCRIPTION
  variables.go contains a list of structs that provide a variable Name, type in
  a string format, a function for updating the variable in the Config struct
  from a string, and finally, a validation function to check the validity of the
  corresponding field value in the Config.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/fjarsyn/media"
	"github.com/ausocean/utils/logging"
)

// Config map Keys.
const (
	KeyBitrate            = "Bitrate"
	KeyCaptureRetries     = "CaptureRetries"
	KeyControlInterval    = "ControlInterval"
	KeyDegradedBitrate    = "DegradedBitrate"
	KeyDisplayIndex       = "DisplayIndex"
	KeyFrameRate          = "FrameRate"
	KeyHeight             = "Height"
	KeyInput              = "Input"
	KeyJitterMaxDelay     = "JitterMaxDelay"
	KeyJitterMinDelay     = "JitterMinDelay"
	KeyKeyframeInterval   = "KeyframeInterval"
	KeyLocalAddress       = "LocalAddress"
	KeyLogging            = "logging"
	KeyMaxBitrate         = "MaxBitrate"
	KeyMinBitrate         = "MinBitrate"
	KeyMTU                = "MTU"
	KeyPeerID             = "PeerID"
	KeyPixelFormat        = "PixelFormat"
	KeyQueueLength        = "QueueLength"
	KeyRemoteAddress      = "RemoteAddress"
	KeySendQueueLength    = "SendQueueLength"
	KeySignalingURL       = "SignalingURL"
	KeyStallTimeout       = "StallTimeout"
	KeyTileSize           = "TileSize"
	KeyTransport          = "Transport"
	KeyUnreachableTimeout = "UnreachableTimeout"
	KeyWidth              = "Width"
)

// Config map parameter types.
const (
	typeString = "string"
	typeUint   = "uint"
)

// Default variable values.
const (
	// General defaults.
	defaultInput            = InputScreen
	defaultTransport        = TransportUDP
	defaultVerbosity        = logging.Error
	defaultFrameRate        = 30
	defaultLocalAddress     = ":6970"
	defaultKeyframeInterval = 300
	defaultTileSize         = 64
	defaultMTU              = 1200
	defaultCaptureRetries   = 3

	// Bitrate defaults in bits per second.
	defaultBitrate         = 8000000
	defaultMinBitrate      = 250000
	defaultMaxBitrate      = 20000000
	defaultDegradedBitrate = 1000000

	// Queue defaults.
	defaultQueueLength     = 2
	defaultSendQueueLength = 512

	// Timing defaults.
	defaultJitterMinDelay     = 20 * time.Millisecond
	defaultJitterMaxDelay     = 2000 * time.Millisecond
	defaultStallTimeout       = time.Second
	defaultUnreachableTimeout = 10 * time.Second
	defaultControlInterval    = 200 * time.Millisecond
)

// Limits on configurable sizes.
const (
	minMTU      = 256
	maxMTU      = 65000
	minTileSize = 16
	maxTileSize = 256
)

// Variables describes the variables that can be used for fjarsyn control.
// These structs provide the name and type of variable, a function for updating
// this variable in a Config, and a function for validating the value of the variable.
// Validation runs in list order, so bitrate bounds precede the bitrate itself.
var Variables = []struct {
	Name     string
	Type     string
	Update   func(*Config, string)
	Validate func(*Config)
}{
	{
		Name:   KeyMinBitrate,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.MinBitrate = parseUint(KeyMinBitrate, v, c) },
		Validate: func(c *Config) {
			if c.MinBitrate == 0 {
				c.LogInvalidField(KeyMinBitrate, defaultMinBitrate)
				c.MinBitrate = defaultMinBitrate
			}
		},
	},
	{
		Name:   KeyMaxBitrate,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.MaxBitrate = parseUint(KeyMaxBitrate, v, c) },
		Validate: func(c *Config) {
			if c.MaxBitrate < c.MinBitrate {
				c.LogInvalidField(KeyMaxBitrate, defaultMaxBitrate)
				c.MaxBitrate = defaultMaxBitrate
				if c.MaxBitrate < c.MinBitrate {
					c.MinBitrate = defaultMinBitrate
				}
			}
		},
	},
	{
		Name:   KeyBitrate,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.Bitrate = parseUint(KeyBitrate, v, c) },
		Validate: func(c *Config) {
			switch {
			case c.Bitrate == 0:
				c.LogInvalidField(KeyBitrate, defaultBitrate)
				c.Bitrate = defaultBitrate
			case c.Bitrate < c.MinBitrate:
				c.LogInvalidField(KeyBitrate, c.MinBitrate)
				c.Bitrate = c.MinBitrate
			}
			if c.Bitrate > c.MaxBitrate {
				c.LogInvalidField(KeyBitrate, c.MaxBitrate)
				c.Bitrate = c.MaxBitrate
			}
		},
	},
	{
		Name:   KeyCaptureRetries,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.CaptureRetries = parseUint(KeyCaptureRetries, v, c) },
		Validate: func(c *Config) {
			if c.CaptureRetries == 0 {
				c.LogInvalidField(KeyCaptureRetries, defaultCaptureRetries)
				c.CaptureRetries = defaultCaptureRetries
			}
		},
	},
	{
		Name:   KeyControlInterval,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.ControlInterval = parseMillis(KeyControlInterval, v, c) },
		Validate: func(c *Config) {
			if c.ControlInterval <= 0 {
				c.LogInvalidField(KeyControlInterval, defaultControlInterval)
				c.ControlInterval = defaultControlInterval
			}
		},
	},
	{
		Name:   KeyDegradedBitrate,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.DegradedBitrate = parseUint(KeyDegradedBitrate, v, c) },
		Validate: func(c *Config) {
			if c.DegradedBitrate == 0 {
				c.LogInvalidField(KeyDegradedBitrate, defaultDegradedBitrate)
				c.DegradedBitrate = defaultDegradedBitrate
			}
		},
	},
	{
		Name:   KeyDisplayIndex,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.DisplayIndex = parseUint(KeyDisplayIndex, v, c) },
	},
	{
		Name:   KeyFrameRate,
		Type:   "enum:5,24,30,60,120,144,200",
		Update: func(c *Config, v string) { c.FrameRate = parseUint(KeyFrameRate, v, c) },
		Validate: func(c *Config) {
			if !media.ValidFramerate(c.FrameRate) {
				c.LogInvalidField(KeyFrameRate, defaultFrameRate)
				c.FrameRate = defaultFrameRate
			}
		},
	},
	{
		Name:   KeyHeight,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.Height = parseUint(KeyHeight, v, c) },
	},
	{
		Name: KeyInput,
		Type: "enum:screen,synthetic",
		Update: func(c *Config, v string) {
			c.Input = parseEnum(
				KeyInput,
				v,
				map[string]uint8{
					"screen":    InputScreen,
					"synthetic": InputSynthetic,
				},
				c,
			)
		},
		Validate: func(c *Config) {
			switch c.Input {
			case InputScreen, InputSynthetic:
			default:
				c.LogInvalidField(KeyInput, defaultInput)
				c.Input = defaultInput
			}
		},
	},
	{
		Name:   KeyJitterMinDelay,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.JitterMinDelay = parseMillis(KeyJitterMinDelay, v, c) },
		Validate: func(c *Config) {
			if c.JitterMinDelay <= 0 {
				c.LogInvalidField(KeyJitterMinDelay, defaultJitterMinDelay)
				c.JitterMinDelay = defaultJitterMinDelay
			}
		},
	},
	{
		Name:   KeyJitterMaxDelay,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.JitterMaxDelay = parseMillis(KeyJitterMaxDelay, v, c) },
		Validate: func(c *Config) {
			if c.JitterMaxDelay < c.JitterMinDelay {
				c.LogInvalidField(KeyJitterMaxDelay, defaultJitterMaxDelay)
				c.JitterMaxDelay = defaultJitterMaxDelay
				if c.JitterMaxDelay < c.JitterMinDelay {
					c.JitterMinDelay = defaultJitterMinDelay
				}
			}
		},
	},
	{
		Name:   KeyKeyframeInterval,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.KeyframeInterval = parseUint(KeyKeyframeInterval, v, c) },
		Validate: func(c *Config) {
			if c.KeyframeInterval == 0 {
				c.LogInvalidField(KeyKeyframeInterval, defaultKeyframeInterval)
				c.KeyframeInterval = defaultKeyframeInterval
			}
		},
	},
	{
		Name:   KeyLocalAddress,
		Type:   typeString,
		Update: func(c *Config, v string) { c.LocalAddress = v },
		Validate: func(c *Config) {
			if c.LocalAddress == "" {
				c.LogInvalidField(KeyLocalAddress, defaultLocalAddress)
				c.LocalAddress = defaultLocalAddress
			}
		},
	},
	{
		Name: KeyLogging,
		Type: "enum:Debug,Info,Warning,Error,Fatal",
		Update: func(c *Config, v string) {
			switch v {
			case "Debug":
				c.LogLevel = logging.Debug
			case "Info":
				c.LogLevel = logging.Info
			case "Warning":
				c.LogLevel = logging.Warning
			case "Error":
				c.LogLevel = logging.Error
			case "Fatal":
				c.LogLevel = logging.Fatal
			default:
				c.Logger.Warning("invalid Logging param", "value", v)
			}
		},
		Validate: func(c *Config) {
			switch c.LogLevel {
			case logging.Debug, logging.Info, logging.Warning, logging.Error, logging.Fatal:
			default:
				c.LogInvalidField("LogLevel", defaultVerbosity)
				c.LogLevel = defaultVerbosity
			}
		},
	},
	{
		Name:   KeyMTU,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.MTU = parseUint(KeyMTU, v, c) },
		Validate: func(c *Config) {
			if c.MTU < minMTU || c.MTU > maxMTU {
				c.LogInvalidField(KeyMTU, defaultMTU)
				c.MTU = defaultMTU
			}
		},
	},
	{
		Name:   KeyPeerID,
		Type:   typeString,
		Update: func(c *Config, v string) { c.PeerID = v },
	},
	{
		Name: KeyPixelFormat,
		Type: "enum:rgba8,bgra8,rgba16",
		Update: func(c *Config, v string) {
			f, err := media.ParsePixelFormat(v)
			if err != nil {
				c.Logger.Warning("invalid PixelFormat param", "value", v)
			}
			c.PixelFormat = f
		},
		Validate: func(c *Config) {
			switch c.PixelFormat {
			case media.RGBA8, media.BGRA8, media.RGBA16:
			default:
				c.LogInvalidField(KeyPixelFormat, media.RGBA8)
				c.PixelFormat = media.RGBA8
			}
		},
	},
	{
		Name:   KeyQueueLength,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.QueueLength = parseUint(KeyQueueLength, v, c) },
		Validate: func(c *Config) {
			if c.QueueLength == 0 {
				c.LogInvalidField(KeyQueueLength, defaultQueueLength)
				c.QueueLength = defaultQueueLength
			}
		},
	},
	{
		Name:   KeyRemoteAddress,
		Type:   typeString,
		Update: func(c *Config, v string) { c.RemoteAddress = v },
	},
	{
		Name:   KeySendQueueLength,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.SendQueueLength = parseUint(KeySendQueueLength, v, c) },
		Validate: func(c *Config) {
			if c.SendQueueLength == 0 {
				c.LogInvalidField(KeySendQueueLength, defaultSendQueueLength)
				c.SendQueueLength = defaultSendQueueLength
			}
		},
	},
	{
		Name:   KeySignalingURL,
		Type:   typeString,
		Update: func(c *Config, v string) { c.SignalingURL = v },
	},
	{
		Name:   KeyStallTimeout,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.StallTimeout = parseMillis(KeyStallTimeout, v, c) },
		Validate: func(c *Config) {
			if c.StallTimeout <= 0 {
				c.LogInvalidField(KeyStallTimeout, defaultStallTimeout)
				c.StallTimeout = defaultStallTimeout
			}
		},
	},
	{
		Name:   KeyTileSize,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.TileSize = parseUint(KeyTileSize, v, c) },
		Validate: func(c *Config) {
			if c.TileSize < minTileSize || c.TileSize > maxTileSize || c.TileSize%8 != 0 {
				c.LogInvalidField(KeyTileSize, defaultTileSize)
				c.TileSize = defaultTileSize
			}
		},
	},
	{
		Name: KeyTransport,
		Type: "enum:udp,quic",
		Update: func(c *Config, v string) {
			c.Transport = parseEnum(
				KeyTransport,
				v,
				map[string]uint8{
					"udp":  TransportUDP,
					"quic": TransportQUIC,
				},
				c,
			)
		},
		Validate: func(c *Config) {
			switch c.Transport {
			case TransportUDP, TransportQUIC:
			default:
				c.LogInvalidField(KeyTransport, defaultTransport)
				c.Transport = defaultTransport
			}
		},
	},
	{
		Name:   KeyUnreachableTimeout,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.UnreachableTimeout = parseMillis(KeyUnreachableTimeout, v, c) },
		Validate: func(c *Config) {
			if c.UnreachableTimeout <= c.StallTimeout {
				c.LogInvalidField(KeyUnreachableTimeout, defaultUnreachableTimeout)
				c.UnreachableTimeout = defaultUnreachableTimeout
				if c.UnreachableTimeout <= c.StallTimeout {
					c.StallTimeout = defaultStallTimeout
				}
			}
		},
	},
	{
		Name:   KeyWidth,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.Width = parseUint(KeyWidth, v, c) },
	},
}

func parseUint(n, v string, c *Config) uint {
	_v, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		c.Logger.Warning(fmt.Sprintf("expected unsigned int for param %s", n), "value", v)
	}
	return uint(_v)
}

// parseMillis parses v as a whole number of milliseconds.
func parseMillis(n, v string, c *Config) time.Duration {
	return time.Duration(parseUint(n, v, c)) * time.Millisecond
}

func parseEnum(n, v string, enums map[string]uint8, c *Config) uint8 {
	_v, ok := enums[strings.ToLower(v)]
	if !ok {
		c.Logger.Warning(fmt.Sprintf("invalid value for %s param", n), "value", v)
	}
	return _v
}
