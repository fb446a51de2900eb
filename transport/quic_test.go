/*
DESCRIPTION
  quic_test.go tests QUIC conns over loopback, including certificate
  pinning.

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
	"errors"
	"testing"
	"time"
)

// quicPair returns a listening conn and a conn dialled to it with
// fingerprint pinned.
func quicPair(t *testing.T, cert *Certificate, fingerprint []byte) (*QUICConn, *QUICConn, error) {
	t.Helper()
	ln, err := listenQUIC("127.0.0.1:0", cert)
	if err != nil {
		t.Fatalf("could not listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	type accepted struct {
		c   *QUICConn
		err error
	}
	acc := make(chan accepted, 1)
	go func() {
		c, err := acceptQUIC(ctx, ln)
		acc <- accepted{c, err}
	}()

	dialer, err := DialQUIC(ctx, ln.Addr().String(), fingerprint)
	if err != nil {
		cancel()
		<-acc
		return nil, nil, err
	}
	a := <-acc
	if a.err != nil {
		dialer.Close()
		t.Fatalf("could not accept: %v", a.err)
	}
	t.Cleanup(func() {
		dialer.Close()
		a.c.Close()
	})
	return a.c, dialer, nil
}

func newCert(t *testing.T) *Certificate {
	t.Helper()
	cert, err := GenerateCertificate(time.Hour)
	if err != nil {
		t.Fatalf("could not generate certificate: %v", err)
	}
	return cert
}

func TestQUICConn(t *testing.T) {
	cert := newCert(t)
	if len(cert.FingerprintHex()) != 64 {
		t.Errorf("fingerprint %q is not hex SHA-256", cert.FingerprintHex())
	}
	server, client, err := quicPair(t, cert, cert.Fingerprint[:])
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}

	exchange := func(from, to *QUICConn, msg []byte) {
		t.Helper()
		// Datagrams are unreliable, so retry until one arrives.
		for i := 0; i < 10; i++ {
			err := from.WriteDatagram(msg)
			if err != nil {
				t.Fatalf("could not write: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			got, err := to.ReadDatagram(ctx)
			cancel()
			if err == nil {
				if !bytes.Equal(got, msg) {
					t.Errorf("got %q, want %q", got, msg)
				}
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("could not read: %v", err)
			}
		}
		t.Fatalf("datagram %q never arrived", msg)
	}
	exchange(client, server, []byte("media"))
	exchange(server, client, []byte("feedback"))
}

func TestQUICFingerprintMismatch(t *testing.T) {
	cert := newCert(t)
	other := newCert(t)
	_, _, err := quicPair(t, cert, other.Fingerprint[:])
	if !errors.Is(err, errFingerprint) {
		t.Errorf("expected fingerprint error, got %v", err)
	}
}

func TestQUICCloseUnblocksRead(t *testing.T) {
	cert := newCert(t)
	_, client, err := quicPair(t, cert, nil)
	if err != nil {
		t.Fatalf("could not dial: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := client.ReadDatagram(context.Background())
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked by close")
	}
	if err := client.WriteDatagram([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: expected ErrClosed, got %v", err)
	}
}
