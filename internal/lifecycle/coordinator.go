// Package lifecycle is the Lifecycle Coordinator (C5): it owns the
// south-side HTTP handlers and drives one request from admission
// through translation, dispatch, and streaming to its terminal state.
//
// Grounded on the teacher's internal/proxy.Proxy.ServeHTTP orchestration
// shape (parse -> check -> admit -> forward -> handle-response),
// generalized to admit -> translate -> dispatch -> stream -> terminal.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arenabridge/arenabridge/internal/agentlink"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/evalpayload"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/protocol"
	"github.com/arenabridge/arenabridge/internal/registry"
	"github.com/arenabridge/arenabridge/internal/stream"
	"github.com/arenabridge/arenabridge/internal/telemetry"
)

// maxBodyBytes bounds how much of a client's request body we will
// read, matching the teacher's proxy.go body-size guard.
const maxBodyBytes = 10 * 1024 * 1024

// Coordinator wires the Request Registry, Model Registry, Agent Link,
// Payload Translator, and Stream Translator into the four external
// HTTP operations (chat completions, model list, model refresh, health).
type Coordinator struct {
	registry *registry.Registry
	models   *models.Registry
	link     *agentlink.Link
	cfg      config.AgentLinkConfig
	logger   *slog.Logger

	// recorder and feed are nil when telemetry is disabled; every call
	// site checks for nil, either inline or through the publish and
	// recordError helpers.
	recorder *telemetry.Recorder
	feed     *telemetry.Feed
}

// New builds a Coordinator over the given components. recorder and feed
// may be nil, which disables metrics recording and event broadcast
// respectively (matching cfg.Telemetry.Enabled == false).
func New(reg *registry.Registry, modelReg *models.Registry, link *agentlink.Link, cfg config.AgentLinkConfig, logger *slog.Logger, recorder *telemetry.Recorder, feed *telemetry.Feed) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{registry: reg, models: modelReg, link: link, cfg: cfg, logger: logger, recorder: recorder, feed: feed}
}

func (c *Coordinator) publish(eventType, requestID, model, detail string) {
	if c.feed == nil {
		return
	}
	c.feed.Publish(telemetry.Event{Type: eventType, RequestID: requestID, Model: model, Detail: detail})
}

func (c *Coordinator) recordError(kind, model string) {
	if c.recorder == nil {
		return
	}
	c.recorder.ErrorObserved(kind, model)
}

// ChatCompletions implements POST /v1/chat/completions: admission,
// translation, dispatch, and streaming of one chat request.
func (c *Coordinator) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !c.link.IsConnected() {
		c.recordError("agent_unavailable", "")
		writeError(w, http.StatusServiceUnavailable, "Browser agent not connected.", "agent_unavailable")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		c.recordError("invalid_request", "")
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request")
		return
	}

	var chatReq evalpayload.ChatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		c.recordError("invalid_request", "")
		writeError(w, http.StatusBadRequest, "invalid JSON body", "invalid_request")
		return
	}

	desc, ok := c.models.Get(chatReq.Model)
	if !ok {
		c.recordError("model_not_found", chatReq.Model)
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model %q not found.", chatReq.Model), "model_not_found")
		return
	}

	payload, attachments, err := evalpayload.Translate(chatReq, desc)
	if err != nil {
		c.recordError("translation_failed", chatReq.Model)
		writeError(w, http.StatusInternalServerError, "failed to translate request", "translation_failed")
		return
	}

	requestID := uuid.New().String()
	req, err := c.registry.Admit(requestID, chatReq.Model, desc, chatReq.Stream, c.cfg.QueueSize)
	if err != nil {
		c.recordError("overloaded", chatReq.Model)
		writeError(w, http.StatusServiceUnavailable, "Too many concurrent requests.", "overloaded")
		return
	}

	if c.recorder != nil {
		c.recorder.RequestAdmitted()
	}
	c.publish("admitted", requestID, chatReq.Model, "")

	go func() {
		if dispatchErr := c.link.Dispatch(requestID, payload, attachments); dispatchErr != nil {
			c.logger.Warn("dispatch failed", "request_id", requestID, "error", dispatchErr)
			c.registry.Transition(requestID, registry.Errored)
			c.publish("dispatch_failed", requestID, chatReq.Model, dispatchErr.Error())
			select {
			case req.Queue <- (protocol.Frame{Kind: protocol.KindError, Err: dispatchErr.Error()}):
			default:
			}
		} else {
			c.publish("dispatched", requestID, chatReq.Model, "")
		}
	}()

	admittedAt := time.Now()
	stream.Serve(w, r, req, c.registry, c.link, c.cfg, chatReq.Model)

	finalState := req.State()
	if c.recorder != nil {
		c.recorder.RequestFinished(chatReq.Model, finalState.String(), time.Since(admittedAt).Seconds())
		if finalState == registry.Errored || finalState == registry.Timeout {
			c.recorder.ErrorObserved(finalState.String(), chatReq.Model)
		}
	}
	c.publish(finalState.String(), requestID, chatReq.Model, "")
}

// Models implements GET /v1/models.
func (c *Coordinator) Models(w http.ResponseWriter, r *http.Request) {
	list := c.models.List()
	data := make([]modelListEntry, len(list))
	now := time.Now().Unix()
	for i, d := range list {
		data[i] = modelListEntry{ID: d.ID, Object: "model", Created: now, OwnedBy: "arenabridge", Type: string(d.Type)}
	}
	writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: data})
}

// RefreshModels implements POST /v1/refresh-models: asks the agent to
// re-send its model registry and returns the currently known set
// (which updates asynchronously as the agent replies).
func (c *Coordinator) RefreshModels(w http.ResponseWriter, r *http.Request) {
	if err := c.link.RefreshModels(); err != nil {
		c.recordError("agent_unavailable", "")
		writeError(w, http.StatusServiceUnavailable, "Browser agent not connected.", "agent_unavailable")
		return
	}
	list := c.models.List()
	data := make([]modelListEntry, len(list))
	now := time.Now().Unix()
	for i, d := range list {
		data[i] = modelListEntry{ID: d.ID, Object: "model", Created: now, OwnedBy: "arenabridge", Type: string(d.Type)}
	}
	writeJSON(w, http.StatusOK, refreshModelsResponse{
		Success: true,
		Message: "refresh requested",
		Models:  data,
	})
}

// Health implements GET /health.
func (c *Coordinator) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		AgentConnected: c.link.IsConnected(),
	})
}

type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Type    string `json:"type"`
}

type modelListResponse struct {
	Object string           `json:"object"`
	Data   []modelListEntry `json:"data"`
}

type refreshModelsResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Models  []modelListEntry `json:"models"`
}

type healthResponse struct {
	Status         string `json:"status"`
	AgentConnected bool   `json:"agent_connected"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an OpenAI-shaped error body. kind is the internal
// error taxonomy (agent_unavailable, model_not_found, ...) used only to
// pick the HTTP status at the call site; the wire "type" field is always
// the literal "server_error", matching stream.writeError.
func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "server_error",
			"code":    nil,
		},
	})
}
