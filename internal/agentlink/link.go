// Package agentlink is the Agent Link (C2): the single persistent duplex
// socket to the browser agent. At most one connection is active at a
// time; a new connection atomically replaces whatever was there before.
//
// Grounded on the teacher's internal/dashboard/websocket.go wsHub/wsConn
// split, restructured from "broadcast to N dashboard clients" into
// "duplex conversation with exactly one agent, demultiplexed by request
// id". Heartbeat timing, disconnect handling, and the reconnection
// handshake are ported from original_source/proxy_server.py's
// WebSocketHeartbeat and websocket_endpoint.
package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/evalpayload"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/protocol"
	"github.com/arenabridge/arenabridge/internal/registry"
)

// ErrAgentUnavailable is returned when an operation requires a
// connected browser agent and none is present.
var ErrAgentUnavailable = errors.New("agent not connected")

// EventSink receives lifecycle notifications from the link, for the
// telemetry/event-feed layer. All methods must return promptly.
type EventSink interface {
	AgentConnected()
	AgentDisconnected()
	RequestsRestored(count int)
}

// NoopSink discards every event. Useful when telemetry is disabled.
type NoopSink struct{}

func (NoopSink) AgentConnected()          {}
func (NoopSink) AgentDisconnected()       {}
func (NoopSink) RequestsRestored(int)     {}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Link manages the single active Agent Link connection.
type Link struct {
	cfg      config.AgentLinkConfig
	registry *registry.Registry
	models   *models.Registry
	sink     EventSink
	logger   *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	writeMu     sync.Mutex
	lastPong    time.Time
	missedPongs int
}

// New builds a Link bound to the given registries. sink may be nil, in
// which case events are discarded.
func New(cfg config.AgentLinkConfig, reg *registry.Registry, modelReg *models.Registry, sink EventSink, logger *slog.Logger) *Link {
	if sink == nil {
		sink = NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		cfg:      cfg,
		registry: reg,
		models:   modelReg,
		sink:     sink,
		logger:   logger,
	}
}

// Handler returns the http.HandlerFunc that accepts the browser agent's
// websocket connection. Mount at cfg.Path.
func (l *Link) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Error("agent link upgrade failed", "error", err)
			return
		}
		l.serve(conn)
	}
}

// serve runs the full lifecycle of one connection: replace the
// previous connection, send the reconnection ack if requests are
// pending, run the heartbeat and read-demux loops, and finally tear
// down on disconnect. Blocks until the connection closes.
func (l *Link) serve(conn *websocket.Conn) {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.lastPong = time.Now()
	l.missedPongs = 0
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}

	l.sink.AgentConnected()

	if pending := l.registry.Pending(); len(pending) > 0 {
		ids := make([]string, len(pending))
		for i, req := range pending {
			ids[i] = req.ID
		}
		l.writeJSON(conn, reconnectionAckFrame{
			Type:              "reconnection_ack",
			PendingRequestIDs: ids,
			Message:           fmt.Sprintf("%d request(s) pending from a previous connection", len(ids)),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go l.heartbeatLoop(ctx, conn)

	l.readLoop(conn)

	cancel()
	l.onDisconnect(conn)
}

// readLoop blocks reading text frames from conn until it errs or
// closes, dispatching each to handleInbound.
func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		l.handleInbound(conn, data)
	}
}

func (l *Link) handleInbound(conn *websocket.Conn, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.Warn("dropping unparseable agent link frame", "error", err)
		return
	}

	switch env.Type {
	case typePong:
		l.handlePong()
	case typeReconnectionHandshake:
		l.handleReconnectionHandshake(conn, env.PendingRequestIDs)
	case typeModelRegistry:
		l.handleModelRegistry(conn, env.Models)
	default:
		if env.RequestID == "" {
			l.logger.Warn("dropping agent link frame with no request id")
			return
		}
		l.routeToRequest(env.RequestID, env.Data)
	}
}

func (l *Link) handlePong() {
	l.mu.Lock()
	l.lastPong = time.Now()
	l.missedPongs = 0
	l.mu.Unlock()
}

func (l *Link) handleReconnectionHandshake(conn *websocket.Conn, ids []string) {
	restored := 0
	for _, id := range ids {
		if _, ok := l.registry.Get(id); ok {
			l.registry.Transition(id, registry.Processing)
			restored++
		}
	}
	l.writeJSON(conn, restorationAckFrame{
		Type:          "restoration_ack",
		RestoredCount: restored,
		Message:       fmt.Sprintf("restored %d of %d requested", restored, len(ids)),
	})
	l.sink.RequestsRestored(restored)
}

func (l *Link) handleModelRegistry(conn *websocket.Conn, entries []modelRegistryEntry) {
	descs := make([]models.Descriptor, len(entries))
	for i, e := range entries {
		descs[i] = models.Descriptor{
			ID:                 e.ID,
			Type:               models.DeriveType(e.OutputCapabilities),
			OutputCapabilities: e.OutputCapabilities,
		}
	}
	l.models.Replace(descs)
	l.writeJSON(conn, modelRegistryAckFrame{Type: "model_registry_ack", Count: l.models.Count()})
}

// routeToRequest demultiplexes one regular data frame to the matching
// request's delivery queue. A blocking send here is deliberate: the
// queue's bounded capacity is the backpressure mechanism, and this
// link serves exactly one agent, so a full queue legitimately stalls
// further demuxing until the Stream Translator catches up.
func (l *Link) routeToRequest(requestID, data string) {
	req, ok := l.registry.Get(requestID)
	if !ok {
		l.logger.Warn("agent link frame for unknown request", "request_id", requestID)
		return
	}
	l.registry.Transition(requestID, registry.Processing)

	frame, err := protocol.Parse(data)
	if err != nil {
		l.logger.Warn("dropping malformed agent frame", "request_id", requestID, "error", err)
		return
	}
	req.Queue <- frame
}

// heartbeatLoop runs one ticker per active connection: T_PING seconds
// between pings, a 2*T_PING staleness window, and a consecutive-miss
// threshold at which the link is declared dead and closed.
func (l *Link) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := time.Duration(l.cfg.PingIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if time.Since(l.lastPong) > 2*interval {
				l.missedPongs++
			}
			missed := l.missedPongs
			l.mu.Unlock()

			if missed >= l.cfg.MissedPongThreshold {
				l.logger.Warn("agent link missed pong threshold, closing connection", "missed", missed)
				conn.Close()
				return
			}

			if err := l.writeJSON(conn, pingFrame{Type: "ping", Timestamp: time.Now().Unix()}); err != nil {
				l.logger.Warn("ping write failed", "error", err)
				return
			}
		}
	}
}

// onDisconnect clears the connection slot (if it's still the one that
// just died — a newer connection may already have replaced it) and
// arms the disconnect-survival grace watcher over whatever requests
// are currently Dispatched or Processing.
func (l *Link) onDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()

	l.sink.AgentDisconnected()

	pending := l.registry.Pending()
	if len(pending) == 0 {
		return
	}
	go l.graceWatch(pending)
}

// graceWatch is spawned once per disconnect and is never cancelled by
// a subsequent reconnect — it always runs to completion, per
// original_source/proxy_server.py's request_timeout_watcher. After the
// grace window it fails any watched request still not terminal.
func (l *Link) graceWatch(watched []*registry.Request) {
	time.Sleep(time.Duration(l.cfg.GraceWindowSeconds) * time.Second)

	msg := fmt.Sprintf(
		"Request timed out after %d seconds. Browser may have disconnected during Cloudflare challenge.",
		l.cfg.GraceWindowSeconds,
	)

	for _, req := range watched {
		switch req.State() {
		case registry.Dispatched, registry.Processing:
			l.registry.Transition(req.ID, registry.Timeout)
			select {
			case req.Queue <- protocol.Frame{Kind: protocol.KindError, Err: msg}:
			default:
			}
		}
	}
}

// Shutdown fails every pending request immediately, skipping the
// grace window — process shutdown does not afford the browser a
// chance to reconnect.
func (l *Link) Shutdown() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	for _, req := range l.registry.Pending() {
		l.registry.Transition(req.ID, registry.Errored)
		select {
		case req.Queue <- protocol.Frame{Kind: protocol.KindError, Err: "server shutting down"}:
		default:
		}
	}
}

func (l *Link) currentConn() (*websocket.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn, l.conn != nil
}

func (l *Link) writeJSON(conn *websocket.Conn, v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// IsConnected reports whether a browser agent is currently attached.
func (l *Link) IsConnected() bool {
	_, ok := l.currentConn()
	return ok
}

// Dispatch sends an evaluation payload to the browser agent for the
// given request and marks the request Dispatched. Returns
// ErrAgentUnavailable if no agent is connected.
func (l *Link) Dispatch(requestID string, payload evalpayload.Payload, attachments []evalpayload.Attachment) error {
	conn, ok := l.currentConn()
	if !ok {
		return ErrAgentUnavailable
	}
	frame := dispatchFrame{
		Type:          "dispatch",
		RequestID:     requestID,
		Payload:       payload,
		FilesToUpload: attachments,
	}
	if err := l.writeJSON(conn, frame); err != nil {
		return fmt.Errorf("dispatching request %s: %w", requestID, err)
	}
	return l.registry.MarkDispatched(requestID)
}

// AbortRequest best-effort notifies the browser agent that the client
// cancelled. Failures are logged, not returned — the caller is
// already done with the request either way.
func (l *Link) AbortRequest(requestID string) {
	conn, ok := l.currentConn()
	if !ok {
		return
	}
	if err := l.writeJSON(conn, abortRequestFrame{Type: "abort_request", RequestID: requestID}); err != nil {
		l.logger.Warn("abort_request send failed", "request_id", requestID, "error", err)
	}
}

// RefreshModels asks the connected agent to re-send its model
// registry. Returns ErrAgentUnavailable if no agent is connected.
func (l *Link) RefreshModels() error {
	conn, ok := l.currentConn()
	if !ok {
		return ErrAgentUnavailable
	}
	return l.writeJSON(conn, refreshModelsFrame{Type: "refresh_models"})
}
