package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one lifecycle notification broadcast to every connected
// observer: admissions, dispatches, and terminal outcomes.
type Event struct {
	Type      string `json:"type"` // admitted | dispatched | dispatch_failed, then the request's final registry state (completed | errored | timeout, or a non-terminal state if the client cancelled)
	RequestID string `json:"request_id"`
	Model     string `json:"model,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Feed is a broadcast hub for lifecycle events, adapted from the
// dashboard's single-goroutine wsHub: all connection-set mutation
// happens on the hub goroutine via channels, so no lock guards the
// connection map itself.
type Feed struct {
	connections map[*feedConn]bool
	broadcastCh chan []byte
	registerCh  chan *feedConn
	unregCh     chan *feedConn
	logger      *slog.Logger
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewFeed creates a Feed and starts its hub goroutine.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		connections: make(map[*feedConn]bool),
		broadcastCh: make(chan []byte, 256),
		registerCh:  make(chan *feedConn),
		unregCh:     make(chan *feedConn),
		logger:      logger,
	}
	go f.run()
	return f
}

func (f *Feed) run() {
	for {
		select {
		case c := <-f.registerCh:
			f.connections[c] = true
			f.logger.Debug("feed client connected", "total", len(f.connections))

		case c := <-f.unregCh:
			if _, ok := f.connections[c]; ok {
				delete(f.connections, c)
				close(c.send)
				f.logger.Debug("feed client disconnected", "total", len(f.connections))
			}

		case msg := <-f.broadcastCh:
			for c := range f.connections {
				select {
				case c.send <- msg:
				default:
					delete(f.connections, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish broadcasts ev to every connected observer. Non-blocking: if
// the broadcast channel is full the event is dropped, matching the
// feed's best-effort delivery guarantee.
func (f *Feed) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case f.broadcastCh <- data:
	default:
	}
}

// Handler upgrades HTTP connections to WebSocket and registers them
// with the hub for receiving broadcast lifecycle events.
func (f *Feed) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Error("feed websocket upgrade failed", "error", err)
			return
		}
		c := &feedConn{conn: conn, send: make(chan []byte, 64)}
		f.registerCh <- c
		go c.writePump()
		go c.readPump(f)
	}
}

func (c *feedConn) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *feedConn) readPump(f *Feed) {
	defer func() {
		f.unregCh <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
