/*
DESCRIPTION
  client.go provides Client, a connection to the signaling relay, and the
  offer/answer exchange used to negotiate a session.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/gorilla/websocket"
)

// clientQueue is the number of received messages buffered by a Client.
const clientQueue = 32

// ErrClosed is returned by Receive once the connection has closed.
var ErrClosed = errors.New("signaling connection closed")

// Client is a peer's connection to the relay.
type Client struct {
	log  logging.Logger
	conn *websocket.Conn
	id   string

	wmu sync.Mutex // Serialises writes.

	in   chan Message
	done chan struct{}
	err  error // Set before done is closed.
}

// Dial connects to the relay at url, a ws:// or wss:// URL, and waits for
// the relay to assign an identity.
func Dial(ctx context.Context, l logging.Logger, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}
	c := &Client{
		log:  l,
		conn: conn,
		in:   make(chan Message, clientQueue),
		done: make(chan struct{}),
	}
	go c.read()

	for {
		m, err := c.Receive(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("no identity from relay: %w", err)
		}
		if m.Type == Identity {
			c.id = m.Data
			c.log.Info(pkg+"connected to relay", "id", c.id)
			return c, nil
		}
		c.log.Debug(pkg+"ignoring message before identity", "type", m.Type.String())
	}
}

// ID returns the identity assigned by the relay.
func (c *Client) ID() string { return c.id }

func (c *Client) read() {
	defer close(c.done)
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.err = err
			return
		}
		var m Message
		err = json.Unmarshal(b, &m)
		if err != nil {
			c.log.Warning(pkg+"dropping malformed message", "error", err.Error())
			continue
		}
		select {
		case c.in <- m:
		default:
			c.log.Warning(pkg+"receive queue full, dropping message", "type", m.Type.String())
		}
	}
}

// Send sends m through the relay.
func (c *Client) Send(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Receive returns the next message, blocking until one arrives, ctx is done
// or the connection closes.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-c.done:
		select {
		case m := <-c.in:
			return m, nil
		default:
		}
		return Message{}, fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmu.Unlock()
	return c.conn.Close()
}

// Offer sends d to peer to, or to every peer if to is empty, and waits for
// an answer, returning it and the identity of the answering peer.
func (c *Client) Offer(ctx context.Context, to string, d Description) (Description, string, error) {
	data, err := encodeDescription(d)
	if err != nil {
		return Description{}, "", err
	}
	err = c.Send(Message{To: to, Type: Offer, Data: data})
	if err != nil {
		return Description{}, "", fmt.Errorf("could not send offer: %w", err)
	}
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return Description{}, "", fmt.Errorf("no answer: %w", err)
		}
		if m.Type != Answer || (to != "" && m.From != to) {
			c.log.Debug(pkg+"ignoring message while awaiting answer", "type", m.Type.String(), "from", m.From)
			continue
		}
		a, err := decodeDescription(m.Data)
		if err != nil {
			c.log.Warning(pkg+"ignoring malformed answer", "from", m.From, "error", err.Error())
			continue
		}
		return a, m.From, nil
	}
}

// Answer waits for an offer, from peer from unless from is empty, and
// answers it with the description returned by fn, returning the offer.
func (c *Client) Answer(ctx context.Context, from string, fn func(offer Description) (Description, error)) (Description, error) {
	for {
		m, err := c.Receive(ctx)
		if err != nil {
			return Description{}, fmt.Errorf("no offer: %w", err)
		}
		if m.Type != Offer || (from != "" && m.From != from) {
			c.log.Debug(pkg+"ignoring message while awaiting offer", "type", m.Type.String(), "from", m.From)
			continue
		}
		o, err := decodeDescription(m.Data)
		if err != nil {
			c.log.Warning(pkg+"ignoring malformed offer", "from", m.From, "error", err.Error())
			continue
		}
		a, err := fn(o)
		if err != nil {
			return Description{}, fmt.Errorf("could not answer offer: %w", err)
		}
		data, err := encodeDescription(a)
		if err != nil {
			return Description{}, err
		}
		err = c.Send(Message{To: m.From, Type: Answer, Data: data})
		if err != nil {
			return Description{}, fmt.Errorf("could not send answer: %w", err)
		}
		return o, nil
	}
}

// Offerer negotiates as the offering side of a session with peer To, or
// with whichever peer answers first if To is empty.
type Offerer struct {
	Client *Client
	To     string
}

// Negotiate sends local as an offer and returns the answer.
func (o *Offerer) Negotiate(ctx context.Context, local Description) (Description, error) {
	a, from, err := o.Client.Offer(ctx, o.To, local)
	if err != nil {
		return Description{}, err
	}
	o.Client.log.Info(pkg+"offer answered", "peer", from, "address", a.Address)
	return a, nil
}

// Answerer negotiates as the answering side of a session.
type Answerer struct {
	Client *Client
	From   string
}

// Negotiate waits for an offer and answers with local, which takes the
// offer's session parameters. The offer is returned.
func (a *Answerer) Negotiate(ctx context.Context, local Description) (Description, error) {
	return a.Client.Answer(ctx, a.From, func(o Description) (Description, error) {
		if o.Transport != local.Transport {
			return Description{}, fmt.Errorf("offered transport %q, want %q", o.Transport, local.Transport)
		}
		ans := o
		ans.Address = local.Address
		ans.Fingerprint = local.Fingerprint
		return ans, nil
	})
}
