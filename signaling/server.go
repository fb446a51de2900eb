/*
DESCRIPTION
  server.go provides Server, a WebSocket relay that gives each connected
  peer an identity and forwards messages between peers.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Path is the HTTP path of the relay endpoint.
const Path = "/ws"

// Connection timing.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
	peerQueue  = 100
)

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the signaling relay. It implements http.Handler.
type Server struct {
	log      logging.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*peer
}

// NewServer returns a new Server.
func NewServer(l logging.Logger) *Server {
	return &Server{
		log: l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; any origin is accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*peer),
	}
}

// Handler returns an http.Handler serving the relay at Path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	return mux
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ServeHTTP upgrades the request and relays for the peer until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warning(pkg+"could not upgrade connection", "error", err.Error())
		return
	}
	p := &peer{id: uuid.NewString(), conn: conn, send: make(chan []byte, peerQueue)}
	s.log.Info(pkg+"peer connected", "id", p.id, "remote", r.RemoteAddr)

	hello, err := json.Marshal(Message{To: p.id, Type: Identity, Data: p.id})
	if err != nil {
		s.log.Error(pkg+"could not marshal identity", "error", err.Error())
		conn.Close()
		return
	}
	p.send <- hello

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.write(p)
		close(done)
	}()
	s.read(p)

	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
	close(p.send)
	<-done
	conn.Close()
	s.log.Info(pkg+"peer disconnected", "id", p.id)
}

// read relays messages from p until its connection fails.
func (s *Server) read(p *peer) {
	p.conn.SetReadLimit(maxMessage)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, b, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warning(pkg+"read error", "id", p.id, "error", err.Error())
			}
			return
		}
		var m Message
		err = json.Unmarshal(b, &m)
		if err != nil {
			s.log.Warning(pkg+"dropping malformed message", "id", p.id, "error", err.Error())
			continue
		}
		m.From = p.id
		s.relay(m)
	}
}

// relay forwards m to its addressee, or to every other peer if it has none.
func (s *Server) relay(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		s.log.Error(pkg+"could not marshal message", "error", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m.To != "" {
		p, ok := s.peers[m.To]
		if !ok {
			s.log.Warning(pkg+"dropping message for unknown peer", "to", m.To, "from", m.From)
			return
		}
		s.enqueue(p, b)
		return
	}
	for id, p := range s.peers {
		if id != m.From {
			s.enqueue(p, b)
		}
	}
}

func (s *Server) enqueue(p *peer, b []byte) {
	select {
	case p.send <- b:
	default:
		s.log.Warning(pkg+"peer queue full, dropping message", "id", p.id)
	}
}

// write sends queued messages and pings to p until its queue is closed or
// a write fails.
func (s *Server) write(p *peer) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case b, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := p.conn.WriteMessage(websocket.TextMessage, b)
			if err != nil {
				s.log.Debug(pkg+"write error", "id", p.id, "error", err.Error())
				// Unblock the reader.
				p.conn.Close()
				s.drain(p)
				return
			}
		case <-t.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := p.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				p.conn.Close()
				s.drain(p)
				return
			}
		}
	}
}

// drain discards queued messages until the queue is closed.
func (s *Server) drain(p *peer) {
	for range p.send {
	}
}
