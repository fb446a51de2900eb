/*
NAME
  conn.go

DESCRIPTION
  conn.go defines Conn, the unreliable datagram connection underlying a
  transport Session, and its UDP implementation.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package transport provides the datagram transport between screen sharing
// peers: connections over UDP, QUIC datagrams or a simulated link, and the
// Session that carries media packets and RTCP feedback over them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Used to indicate package in logging.
const pkg = "transport: "

// maxDatagram is the largest datagram read from a connection.
const maxDatagram = 65536

// udpReadTimeout bounds each blocking UDP read so that cancellation is seen.
const udpReadTimeout = 100 * time.Millisecond

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New("connection closed")

	// ErrNoPeer is returned by WriteDatagram when the peer address is not
	// yet known.
	ErrNoPeer = errors.New("peer address unknown")
)

// Conn is an unreliable, unordered, message oriented connection to one peer.
type Conn interface {
	// WriteDatagram sends b as one datagram. It does not block on the peer.
	WriteDatagram(b []byte) error

	// ReadDatagram blocks until a datagram arrives or ctx is done.
	ReadDatagram(ctx context.Context) ([]byte, error)

	// Close releases the connection and unblocks pending reads.
	Close() error
}

// UDPConn is a Conn over a UDP socket. If no remote address is given the
// peer is learnt from the first datagram received.
type UDPConn struct {
	conn *net.UDPConn
	buf  []byte // Read buffer; ReadDatagram is not called concurrently.

	mu     sync.Mutex
	remote *net.UDPAddr
}

// ListenUDP returns a UDPConn bound to local, sending to remote if it is not
// empty.
func ListenUDP(local, remote string) (*UDPConn, error) {
	la, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, fmt.Errorf("could not resolve local address: %w", err)
	}
	c := &UDPConn{buf: make([]byte, maxDatagram)}
	if remote != "" {
		c.remote, err = net.ResolveUDPAddr("udp", remote)
		if err != nil {
			return nil, fmt.Errorf("could not resolve remote address: %w", err)
		}
	}
	c.conn, err = net.ListenUDP("udp", la)
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}
	return c, nil
}

// LocalAddr returns the bound address.
func (c *UDPConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// WriteDatagram implements Conn.
func (c *UDPConn) WriteDatagram(b []byte) error {
	c.mu.Lock()
	remote := c.remote
	c.mu.Unlock()
	if remote == nil {
		return ErrNoPeer
	}
	_, err := c.conn.WriteToUDP(b, remote)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// ReadDatagram implements Conn.
func (c *UDPConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		err := c.conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("could not set read deadline: %w", err)
		}
		n, from, err := c.conn.ReadFromUDP(c.buf)
		var nerr net.Error
		switch {
		case errors.As(err, &nerr) && nerr.Timeout():
			continue
		case errors.Is(err, net.ErrClosed):
			return nil, ErrClosed
		case err != nil:
			return nil, err
		}

		c.mu.Lock()
		if c.remote == nil {
			c.remote = from
		}
		c.mu.Unlock()
		return append([]byte(nil), c.buf[:n]...), nil
	}
}

// Close implements Conn.
func (c *UDPConn) Close() error {
	return c.conn.Close()
}
