/*
NAME
  message.go

DESCRIPTION
  message.go provides the messages exchanged through the signaling relay and
  the session description carried by offers and answers.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package signaling provides a WebSocket relay through which peers exchange
// session descriptions, and a client that negotiates a session through it.
package signaling

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Used to indicate package in logging.
const pkg = "signaling: "

// Type is the type of a signaling message.
type Type int

// Message types.
const (
	Offer Type = iota
	Answer
	Candidate
	Identity
)

var typeNames = [...]string{
	Offer:     "Offer",
	Answer:    "Answer",
	Candidate: "Candidate",
	Identity:  "Identity",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(typeNames) {
		return nil, fmt.Errorf("invalid message type %d", int(t))
	}
	return []byte(typeNames[t]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	for i, n := range typeNames {
		if n == string(b) {
			*t = Type(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", b)
}

// Message is a signaling message. The relay overwrites From with the
// sender's identity; an empty To is broadcast to every other peer.
type Message struct {
	To   string `json:"to"`
	From string `json:"from"`
	Type Type   `json:"sig_type"`
	Data string `json:"data"`
}

// Transport names used in descriptions.
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
)

// Description describes one side of a session. The offer carries the
// sender's stream parameters; the answer carries the receiver's media
// address and, over QUIC, its certificate fingerprint.
type Description struct {
	SessionID        uint32 `json:"session_id"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	FrameRate        uint   `json:"frame_rate,omitempty"`
	Bitrate          uint   `json:"bitrate,omitempty"`
	KeyframeInterval uint   `json:"keyframe_interval,omitempty"`
	MTU              uint   `json:"mtu,omitempty"`
	Transport        string `json:"transport"`
	Address          string `json:"address,omitempty"`
	Fingerprint      string `json:"fingerprint,omitempty"` // Hex SHA-256 of the QUIC certificate.
}

func encodeDescription(d Description) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("could not marshal description: %w", err)
	}
	return string(b), nil
}

func decodeDescription(s string) (Description, error) {
	var d Description
	err := json.Unmarshal([]byte(s), &d)
	if err != nil {
		return d, fmt.Errorf("could not unmarshal description: %w", err)
	}
	return d, nil
}
