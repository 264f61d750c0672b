package live

import (
	"log"
	"sync"
	"time"

	"hazsync/api/internal/util"
)

// Buffer per connection. A connection that falls this far behind starts
// losing events; delivery is best-effort, at-most-once, and a reconnecting
// client re-fetches state instead of replaying.
const connBuffer = 64

// Bridge republishes events to other instances. Implemented by RedisBridge;
// nil means single-instance operation.
type Bridge interface {
	Publish(Event) error
}

// Connection is one registered live client. The transport layer drains
// Events() and pushes each event down its socket.
type Connection struct {
	ID        string
	SessionID string
	UserID    string

	events    chan Event
	closeOnce sync.Once
}

func (c *Connection) Events() <-chan Event {
	return c.events
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.events)
	})
}

// Hub is the connection registry for all sessions. All state is instance
// local and explicitly injected; nothing here is a package-level singleton.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	bridge   Bridge
}

type sessionState struct {
	seq   uint64
	conns map[string]*Connection
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*sessionState)}
}

// SetBridge attaches a cross-instance bridge. Must be called before serving.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

func (h *Hub) Register(sessionID, userID string) *Connection {
	conn := &Connection{
		ID:        util.NewID("conn"),
		SessionID: sessionID,
		UserID:    userID,
		events:    make(chan Event, connBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.sessions[sessionID]
	if st == nil {
		st = &sessionState{conns: make(map[string]*Connection)}
		h.sessions[sessionID] = st
	}
	st.conns[conn.ID] = conn
	return conn
}

func (h *Hub) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	if st := h.sessions[conn.SessionID]; st != nil {
		delete(st.conns, conn.ID)
		if len(st.conns) == 0 {
			delete(h.sessions, conn.SessionID)
		}
	}
	h.mu.Unlock()
	conn.close()
}

// ConnectionCount reports live connections for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st := h.sessions[sessionID]; st != nil {
		return len(st.conns)
	}
	return 0
}

// Broadcast delivers the event to every live connection of the session and,
// when a bridge is attached, republishes it for other instances. The caller
// invokes Broadcast after its write has committed; the sequence assigned
// under the hub lock therefore follows commit order.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	ev.SessionID = sessionID
	h.deliverLocal(ev)
	if h.bridge != nil {
		if err := h.bridge.Publish(ev); err != nil {
			log.Printf("live: bridge publish session=%s type=%s: %v", sessionID, ev.Type, err)
		}
	}
}

// deliverLocal assigns the per-session sequence and pushes the event to each
// connection without ever blocking: a full buffer drops the event for that
// connection only.
func (h *Hub) deliverLocal(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.sessions[ev.SessionID]
	if st == nil {
		return
	}
	st.seq++
	ev.Seq = st.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, conn := range st.conns {
		select {
		case conn.events <- ev:
		default:
			log.Printf("live: dropping event type=%s seq=%d for slow connection %s", ev.Type, ev.Seq, conn.ID)
		}
	}
}
