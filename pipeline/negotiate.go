/*
DESCRIPTION
  negotiate.go provides session negotiation and the default transports
  opened for a negotiated session.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ausocean/fjarsyn/config"
	"github.com/ausocean/fjarsyn/signaling"
	"github.com/ausocean/fjarsyn/transport"
)

// Negotiator agrees the parameters of a session with the remote peer,
// returning the peer's description.
type Negotiator interface {
	Negotiate(ctx context.Context, local signaling.Description) (signaling.Description, error)
}

// Static is a Negotiator for sessions configured at both ends. Remote is
// returned as the peer's description.
type Static struct {
	Remote signaling.Description
}

// Negotiate implements Negotiator.
func (s Static) Negotiate(ctx context.Context, local signaling.Description) (signaling.Description, error) {
	if s.Remote.Transport != "" && s.Remote.Transport != local.Transport {
		return signaling.Description{}, fmt.Errorf("remote transport %q, want %q", s.Remote.Transport, local.Transport)
	}
	return s.Remote, nil
}

func transportName(t uint8) string {
	if t == config.TransportQUIC {
		return signaling.TransportQUIC
	}
	return signaling.TransportUDP
}

// negotiator returns the configured Negotiator. offer selects the offering
// side when the signaling relay is used.
func (c *controller) negotiator(ctx context.Context, offer bool) (Negotiator, error) {
	if c.opts.negotiator != nil {
		return c.opts.negotiator, nil
	}
	if c.cfg.SignalingURL == "" {
		remote := signaling.Description{Transport: transportName(c.cfg.Transport)}
		if offer {
			remote.Address = c.cfg.RemoteAddress
		}
		return Static{Remote: remote}, nil
	}

	cl, err := signaling.Dial(ctx, c.log, c.cfg.SignalingURL)
	if err != nil {
		return nil, err
	}
	c.onClose(func() { cl.Close() })
	if offer {
		return &signaling.Offerer{Client: cl, To: c.cfg.PeerID}, nil
	}
	return &signaling.Answerer{Client: cl, From: c.cfg.PeerID}, nil
}

// remoteAddress returns the address to send to. An advertised address
// without a host is completed from the configured remote address.
func (c *controller) remoteAddress(remote signaling.Description) (string, error) {
	addr := remote.Address
	if addr == "" || strings.HasPrefix(addr, ":") {
		addr = c.cfg.RemoteAddress
	}
	if addr == "" {
		return "", errors.New("no remote address")
	}
	return addr, nil
}

// dial opens the sending side of the transport.
func (s *Sender) dial(ctx context.Context, local, remote signaling.Description) (transport.Conn, error) {
	addr, err := s.remoteAddress(remote)
	if err != nil {
		return nil, err
	}
	if local.Transport == signaling.TransportQUIC {
		fp, err := hex.DecodeString(remote.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("bad certificate fingerprint: %w", err)
		}
		conn, err := transport.DialQUIC(ctx, addr, fp)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := transport.ListenUDP(s.cfg.LocalAddress, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// listen opens the receiving side of the transport.
func (r *Receiver) listen(ctx context.Context, local, remote signaling.Description) (transport.Conn, error) {
	if local.Transport == signaling.TransportQUIC {
		conn, err := transport.ListenQUIC(ctx, r.cfg.LocalAddress, r.cert)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := transport.ListenUDP(r.cfg.LocalAddress, r.cfg.RemoteAddress)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
