// WebSocket status streaming
//
// Each connected client gets status snapshots pushed at the configured
// interval. Clients that cannot keep up have messages dropped rather
// than stalling the broadcast loop.

package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/festlv/LinuxCNC-RIO/pkg/rio"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 16
)

// statusMessage is what the server pushes to every client.
type statusMessage struct {
	Type   string     `json:"type"`
	Time   float64    `json:"time"`
	Status rio.Status `json:"status"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan interface{}
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan interface{}, wsSendBuffer),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.log.Info("websocket client %d connected from %s", c.id, r.RemoteAddr)

	// First snapshot immediately, then the broadcast loop takes over.
	c.send(statusMessage{
		Type:   "status",
		Time:   time.Since(s.startTime).Seconds(),
		Status: s.comp.Status(),
	})

	go c.writePump()
	c.readPump()
}

// send queues a message, dropping it when the client is backlogged.
func (c *wsClient) send(msg interface{}) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.log.Debug("dropping message to websocket client %d (buffer full)", c.id)
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump drains the connection so control frames are processed; any
// client payload is ignored. Returning tears the client down.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.log.WithError(err).Debug("websocket read error")
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.WithError(err).Debug("websocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.log.Info("websocket client %d disconnected", c.id)
}

// statusBroadcastLoop pushes one snapshot per interval to every client.
// The snapshot is taken once per round, not per client.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.cfg.WSInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.clientMu.RLock()
			if len(s.clients) == 0 {
				s.clientMu.RUnlock()
				continue
			}
			msg := statusMessage{
				Type:   "status",
				Time:   time.Since(s.startTime).Seconds(),
				Status: s.comp.Status(),
			}
			for _, c := range s.clients {
				c.send(msg)
			}
			s.clientMu.RUnlock()
		}
	}
}
