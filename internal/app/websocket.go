package app

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// liveInbound is what clients may send upstream: heartbeats, optionally
// carrying a cursor. Anything else is ignored.
type liveInbound struct {
	Type   string          `json:"type"`
	Cursor json.RawMessage `json:"cursor"`
}

// handleLive upgrades the request and streams the session's events until the
// client goes away. Delivery is best-effort: the hub drops events for
// connections that cannot keep up rather than stalling the session.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, session Session, sessionID string) {
	// Validates both that the session exists and that the caller may read it.
	if _, err := s.service.ActiveParticipants(r.Context(), sessionID, session); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade session=%s: %v", sessionID, err)
		return
	}

	conn := s.service.hub.Register(sessionID, session.UserID)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		defer ws.Close()
		for {
			select {
			case ev, ok := <-conn.Events():
				if !ok {
					_ = ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg liveInbound
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if msg.Type == "heartbeat" {
			if _, err := s.service.Heartbeat(r.Context(), sessionID, session, msg.Cursor); err != nil {
				log.Printf("live: heartbeat session=%s user=%s: %v", sessionID, session.UserID, err)
			}
		}
	}

	s.service.hub.Unregister(conn)
	ws.Close()
}
