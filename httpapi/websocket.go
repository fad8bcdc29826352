package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/schema"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsReadLimit    = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
}

// wsReply answers a control message on the websocket.
type wsReply struct {
	Type     string                   `json:"type"`
	Playback *schema.PlaybackSnapshot `json:"playback,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, userID schema.UserID) {
	id := schema.PlaybackID(r.PathValue("id"))
	resp, err := s.service.GetPlayback(r.Context(), schema.GetPlaybackRequest{UserID: userID, PlaybackID: id})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	log := logx.WithPlayback(r.Context(), logx.WithUser(r.Context(), userID), id)
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http websocket upgrade failed", "err", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	lastID := parseUint(r.URL.Query().Get("last_event_id"))
	ch, unsubscribe, _, history := s.hub.Subscribe(id)
	defer unsubscribe()

	snap := resp.Playback
	if err := conn.writeJSON(wsReply{Type: "snapshot", Playback: &snap}); err != nil {
		return
	}
	for _, event := range history {
		if event.Seq <= lastID {
			continue
		}
		if err := conn.writeJSON(event); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readControls(r, conn, userID, id)
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	log.Info("http websocket opened", "last_id", lastID, "history", len(history))
	for {
		select {
		case <-done:
			log.Info("http websocket closed")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				log.Debug("http websocket ping failed", "err", err)
				return
			}
		case event, ok := <-ch:
			if !ok {
				_ = conn.writeJSON(wsReply{Type: "closed"})
				log.Info("http websocket playback ended")
				return
			}
			if err := conn.writeJSON(event); err != nil {
				log.Debug("http websocket write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) readControls(r *http.Request, conn *wsConn, userID schema.UserID, id schema.PlaybackID) {
	raw := conn.conn
	raw.SetReadLimit(wsReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	log := logx.WithPlayback(r.Context(), logx.WithUser(r.Context(), userID), id)
	for {
		var msg controlMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("http websocket read failed", "err", err)
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(wsPongTimeout))
		snap, err := s.control(r.Context(), userID, id, msg)
		if err != nil {
			_ = conn.writeJSON(wsReply{Type: "error", Error: err.Error()})
			continue
		}
		if err := conn.writeJSON(wsReply{Type: "state", Playback: &snap}); err != nil {
			return
		}
	}
}
