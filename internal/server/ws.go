package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dektronics/densitometer-desktop-sub000/internal/events"
)

const (
	wsWriteTimeout = 2 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// Browsers must come from the page this server hands out; other clients
// send no Origin and are accepted.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type WSMessage struct {
	Type   string      `json:"type"`
	Source string      `json:"source,omitempty"`
	Time   time.Time   `json:"time"`
	Data   interface{} `json:"data,omitempty"`
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *WSClient) Send(msg WSMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *WSClient) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

type WSHub struct {
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*WSClient]struct{})}
}

func (h *WSHub) Add(conn *websocket.Conn) *WSClient {
	c := &WSClient{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *WSHub) Remove(c *WSClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	_ = c.conn.Close()
}

func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Clients that fail the write are
// dropped.
func (h *WSHub) Broadcast(msg WSMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var failed []*WSClient
	h.mu.RLock()
	for c := range h.clients {
		if err := c.write(b); err != nil {
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range failed {
		h.Remove(c)
	}
}

func (s *Server) handleWSSession(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.wsSession, func() (WSMessage, bool) {
		st, err := s.serialStatus()
		if err != nil {
			return WSMessage{}, false
		}
		return WSMessage{Type: "serial-status", Source: events.SourceSession, Time: time.Now(), Data: st}, true
	})
}

func (s *Server) handleWSProbe(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.wsProbe, func() (WSMessage, bool) {
		st, err := s.probeStatus()
		if err != nil {
			return WSMessage{}, false
		}
		return WSMessage{Type: "probe_status", Source: events.SourceProbe, Time: time.Now(), Data: st}, true
	})
}

func (s *Server) handleWSReadings(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, s.wsReadings, nil)
}

// serveWS joins the caller to hub. A client first receives the snapshot
// from greet, when there is one, then the hub's stream. The connection is
// kept alive with pings until the client goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, hub *WSHub, greet func() (WSMessage, bool)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade")
		return
	}
	client := hub.Add(conn)
	defer hub.Remove(client)
	log := s.log.WithField("remote", r.RemoteAddr)

	if greet != nil {
		if msg, ok := greet(); ok {
			if err := client.Send(msg); err != nil {
				log.WithError(err).Debug("websocket greeting")
				return
			}
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(wsPingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			log.WithError(err).Debug("websocket closed")
			return
		}
	}
}
