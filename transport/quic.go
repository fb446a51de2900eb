/*
DESCRIPTION
  quic.go provides a Conn over QUIC unreliable datagrams (RFC 9221).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// alpn is the application protocol negotiated by QUIC peers.
const alpn = "fjarsyn"

// MaxQUICDatagram is the largest media datagram that reliably fits a QUIC
// datagram frame. Sessions over QUIC should use an MTU no larger than this.
const MaxQUICDatagram = 1100

const quicIdleTimeout = 30 * time.Second

// errFingerprint is returned when a dialled peer's certificate does not
// match the pinned fingerprint.
var errFingerprint = errors.New("peer certificate fingerprint mismatch")

// QUICConn is a Conn over the datagrams of one QUIC connection.
type QUICConn struct {
	conn quic.Connection
	ln   *quic.Listener // Non-nil on the accepting side.
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  quicIdleTimeout,
		KeepAlivePeriod: quicIdleTimeout / 3,
	}
}

// DialQUIC connects to addr. If fingerprint is not nil the peer's leaf
// certificate must have that SHA-256 fingerprint.
func DialQUIC(ctx context.Context, addr string, fingerprint []byte) (*QUICConn, error) {
	tc := &tls.Config{
		NextProtos: []string{alpn},
		// Peers present self-signed certificates; trust comes from the pinned
		// fingerprint exchanged during signaling.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			if fingerprint == nil {
				return nil
			}
			if len(raw) == 0 {
				return errFingerprint
			}
			sum := sha256.Sum256(raw[0])
			if !bytes.Equal(sum[:], fingerprint) {
				return errFingerprint
			}
			return nil
		},
	}
	conn, err := quic.DialAddr(ctx, addr, tc, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", addr, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams unsupported")
		return nil, fmt.Errorf("peer %s does not support datagrams", addr)
	}
	return &QUICConn{conn: conn}, nil
}

// ListenQUIC listens on addr with cert and blocks until one peer connects
// or ctx is done.
func ListenQUIC(ctx context.Context, addr string, cert *Certificate) (*QUICConn, error) {
	ln, err := listenQUIC(addr, cert)
	if err != nil {
		return nil, err
	}
	return acceptQUIC(ctx, ln)
}

func listenQUIC(addr string, cert *Certificate) (*quic.Listener, error) {
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert.TLS},
		NextProtos:   []string{alpn},
	}
	ln, err := quic.ListenAddr(addr, tc, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", addr, err)
	}
	return ln, nil
}

// acceptQUIC returns a conn for the first peer to connect to ln. The
// listener is closed with the conn, or on failure.
func acceptQUIC(ctx context.Context, ln *quic.Listener) (*QUICConn, error) {
	conn, err := ln.Accept(ctx)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("could not accept: %w", err)
	}
	return &QUICConn{conn: conn, ln: ln}, nil
}

// WriteDatagram implements Conn.
func (c *QUICConn) WriteDatagram(b []byte) error {
	// A closed connection still queues datagrams without error.
	if c.conn.Context().Err() != nil {
		return ErrClosed
	}
	err := c.conn.SendDatagram(b)
	if err != nil && c.conn.Context().Err() != nil {
		return ErrClosed
	}
	return err
}

// ReadDatagram implements Conn.
func (c *QUICConn) ReadDatagram(ctx context.Context) ([]byte, error) {
	b, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.conn.Context().Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}
	return b, nil
}

// Close implements Conn.
func (c *QUICConn) Close() error {
	err := c.conn.CloseWithError(0, "closed")
	if c.ln != nil {
		c.ln.Close()
	}
	return err
}
