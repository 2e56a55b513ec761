package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The socket is observe-only and carries no credentials; dashboards
	// connect from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla websocket to the hub's Conn. The hub loop is the
// only writer in practice, but the mutex keeps the adapter safe if that ever
// changes; gorilla permits at most one concurrent writer.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = w.c.SetWriteDeadline(deadline)
	if err := w.c.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = w.c.Close()
		return err
	}
	return nil
}

func (s *Server) handleVillageWS(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", "err", err)
		return
	}

	conn := &wsConn{c: c}
	id := s.hub.Attach(conn)
	s.log.Debug("village socket open", "conn_id", id, "remote", r.RemoteAddr)

	// Observers never send application data; the read loop only services
	// control frames and detects the close.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	s.hub.Detach(id)
	_ = c.Close()
	s.log.Debug("village socket closed", "conn_id", id)
}
