package lifecycle

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arenabridge/arenabridge/internal/agentlink"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/registry"
	"github.com/arenabridge/arenabridge/internal/telemetry"
)

func testCfg() config.AgentLinkConfig {
	return config.AgentLinkConfig{
		PingIntervalSeconds: 30,
		MissedPongThreshold: 3,
		GraceWindowSeconds:  180,
		QueueSize:           5,
		MinChunkChars:       40,
		MaxBufferMs:         500,
	}
}

func newCoordinator() *Coordinator {
	reg := registry.New(5)
	modelReg := models.New()
	link := agentlink.New(testCfg(), reg, modelReg, nil, nil)
	return New(reg, modelReg, link, testCfg(), nil, nil, nil)
}

// newConnectedCoordinator wires a Coordinator whose Agent Link has a
// real (test) browser agent attached, returning the client-side
// websocket connection so the test can play the agent's part.
func newConnectedCoordinator(t *testing.T) (*Coordinator, *websocket.Conn) {
	t.Helper()
	reg := registry.New(5)
	modelReg := models.New()
	link := agentlink.New(testCfg(), reg, modelReg, nil, nil)
	c := New(reg, modelReg, link, testCfg(), nil, nil, nil)

	srv := httptest.NewServer(link.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for !c.link.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("agent link never reported connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, conn
}

func TestChatCompletions_AgentUnavailable(t *testing.T) {
	c := newCoordinator()

	body := strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest("POST", "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	c.ChatCompletions(w, r)

	if w.Code != 503 {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	errObj, _ := resp["error"].(map[string]any)
	if errObj["type"] != "server_error" {
		t.Errorf("expected server_error, got %v", errObj["type"])
	}
}

func TestChatCompletions_ModelNotFound(t *testing.T) {
	c, _ := newConnectedCoordinator(t)
	c.models.Replace([]models.Descriptor{{ID: "other-model", Type: models.TypeChat}})

	body := strings.NewReader(`{"model":"missing-model","messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest("POST", "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	c.ChatCompletions(w, r)

	if w.Code != 404 {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	errObj, _ := resp["error"].(map[string]any)
	if errObj["type"] != "server_error" {
		t.Errorf("expected server_error, got %v", errObj["type"])
	}
}

func TestChatCompletions_FullRoundTrip(t *testing.T) {
	c, conn := newConnectedCoordinator(t)
	c.models.Replace([]models.Descriptor{{ID: "chat-model", Type: models.TypeChat}})

	body := strings.NewReader(`{"model":"chat-model","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest("POST", "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		c.ChatCompletions(w, r)
		close(done)
	}()

	// Read the dispatch frame the coordinator sent, then play the
	// agent: one delta, then [DONE].
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading dispatch frame: %v", err)
	}
	var dispatch map[string]any
	json.Unmarshal(raw, &dispatch)
	requestID, _ := dispatch["request_id"].(string)
	if requestID == "" {
		t.Fatalf("dispatch frame missing request_id: %s", raw)
	}

	conn.WriteJSON(map[string]string{"request_id": requestID, "data": `a0:"hello"`})
	conn.WriteJSON(map[string]string{"request_id": requestID, "data": "[DONE]"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ChatCompletions did not complete")
	}

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hello") {
		t.Errorf("expected response to contain 'hello', got: %s", w.Body.String())
	}
}

// TestChatCompletions_PublishesLifecycleEvents proves the Coordinator,
// built with a Recorder and a Feed, actually publishes Feed events at
// admission, dispatch, and terminal time, rather than leaving them unwired.
func TestChatCompletions_PublishesLifecycleEvents(t *testing.T) {
	reg := registry.New(5)
	modelReg := models.New()
	link := agentlink.New(testCfg(), reg, modelReg, nil, nil)
	recorder := telemetry.NewRecorder(prometheus.NewRegistry())
	feed := telemetry.NewFeed(nil)
	c := New(reg, modelReg, link, testCfg(), nil, recorder, feed)
	c.models.Replace([]models.Descriptor{{ID: "chat-model", Type: models.TypeChat}})

	agentSrv := httptest.NewServer(link.Handler())
	t.Cleanup(agentSrv.Close)
	agentConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(agentSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { agentConn.Close() })

	deadline := time.Now().Add(time.Second)
	for !link.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("agent link never reported connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	feedSrv := httptest.NewServer(feed.Handler())
	t.Cleanup(feedSrv.Close)
	feedConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(feedSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(func() { feedConn.Close() })
	time.Sleep(50 * time.Millisecond)

	body := strings.NewReader(`{"model":"chat-model","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	r := httptest.NewRequest("POST", "/v1/chat/completions", body)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		c.ChatCompletions(w, r)
		close(done)
	}()

	_, raw, err := agentConn.ReadMessage()
	if err != nil {
		t.Fatalf("reading dispatch frame: %v", err)
	}
	var dispatch map[string]any
	json.Unmarshal(raw, &dispatch)
	requestID, _ := dispatch["request_id"].(string)

	agentConn.WriteJSON(map[string]string{"request_id": requestID, "data": `a0:"hi"`})
	agentConn.WriteJSON(map[string]string{"request_id": requestID, "data": "[DONE]"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ChatCompletions did not complete")
	}

	var types []string
	feedConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(types) < 3 {
		_, data, err := feedConn.ReadMessage()
		if err != nil {
			t.Fatalf("reading feed event (got %v so far): %v", types, err)
		}
		var ev telemetry.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		types = append(types, ev.Type)
	}

	if types[0] != "admitted" {
		t.Errorf("expected first feed event admitted, got %v", types)
	}
	last := types[len(types)-1]
	if last != "completed" {
		t.Errorf("expected final feed event completed, got %v", types)
	}
}

func TestModels_ListsKnownModels(t *testing.T) {
	c := newCoordinator()
	c.models.Replace([]models.Descriptor{
		{ID: "b-model", Type: models.TypeChat},
		{ID: "a-model", Type: models.TypeImage},
	})

	r := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	c.Models(w, r)

	var resp modelListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 2 || resp.Data[0].ID != "a-model" {
		t.Fatalf("unexpected model list: %+v", resp.Data)
	}
	if resp.Data[0].Type != "image" {
		t.Errorf("expected type image, got %q", resp.Data[0].Type)
	}
}

func TestHealth_ReportsAgentConnection(t *testing.T) {
	c := newCoordinator()
	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	c.Health(w, r)

	var resp healthResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.AgentConnected {
		t.Error("expected agent_connected false with no agent attached")
	}
}

func TestRefreshModels_AgentUnavailable(t *testing.T) {
	c := newCoordinator()
	r := httptest.NewRequest("POST", "/v1/refresh-models", nil)
	w := httptest.NewRecorder()
	c.RefreshModels(w, r)

	if w.Code != 503 {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
