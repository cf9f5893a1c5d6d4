package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arenabridge/arenabridge/internal/agentlink"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/protocol"
	"github.com/arenabridge/arenabridge/internal/registry"
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

func newHarness() (*registry.Registry, *agentlink.Link) {
	reg := registry.New(10)
	modelReg := models.New()
	link := agentlink.New(testCfg(), reg, modelReg, nil, nil)
	return reg, link
}

func TestServe_NonStreamingChat(t *testing.T) {
	reg, link := newHarness()
	req, err := reg.Admit("r1", "model-a", models.Descriptor{ID: "model-a", Type: models.TypeChat}, false, 5)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	req.Queue <- protocol.Frame{Kind: protocol.KindDelta, Delta: "hello "}
	req.Queue <- protocol.Frame{Kind: protocol.KindDelta, Delta: "world"}
	req.Queue <- protocol.Frame{Kind: protocol.KindTerminal, FinishReason: "stop"}
	req.Queue <- protocol.Frame{Kind: protocol.KindDone}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	Serve(w, r, req, reg, link, testCfg(), "model-a")

	var resp chatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, body=%s", err, w.Body.String())
	}
	if resp.Choices[0].Message.Content != "hello world" {
		t.Errorf("expected 'hello world', got %q", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %q", resp.Choices[0].FinishReason)
	}
	if reg.Len() != 0 {
		t.Error("request should be released from the registry after completion")
	}
}

func TestServe_StreamingCoalescesBySize(t *testing.T) {
	reg, link := newHarness()
	req, _ := reg.Admit("r2", "model-a", models.Descriptor{ID: "model-a", Type: models.TypeChat}, true, 5)
	req.Queue <- protocol.Frame{Kind: protocol.KindDelta, Delta: "abcde"}
	req.Queue <- protocol.Frame{Kind: protocol.KindTerminal, FinishReason: "stop"}
	req.Queue <- protocol.Frame{Kind: protocol.KindDone}

	cfg := testCfg()
	cfg.MinChunkChars = 5

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	Serve(w, r, req, reg, link, cfg, "model-a")

	body := w.Body.String()
	if !strings.Contains(body, `"content":"abcde"`) {
		t.Errorf("expected a coalesced content chunk, got: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Error("expected terminating [DONE] sentinel")
	}
}

func TestServe_ErrorFrame(t *testing.T) {
	reg, link := newHarness()
	req, _ := reg.Admit("r3", "model-a", models.Descriptor{ID: "model-a", Type: models.TypeChat}, false, 5)
	req.Queue <- protocol.Frame{Kind: protocol.KindError, Err: "agent exploded"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	Serve(w, r, req, reg, link, testCfg(), "model-a")

	if !strings.Contains(w.Body.String(), "agent exploded") {
		t.Errorf("expected error message in body, got: %s", w.Body.String())
	}
}

func TestServe_ImageModalityFormatsMarkdown(t *testing.T) {
	reg, link := newHarness()
	req, _ := reg.Admit("r4", "image-model", models.Descriptor{ID: "image-model", Type: models.TypeImage}, false, 5)
	req.Queue <- protocol.Frame{Kind: protocol.KindMedia, Media: []protocol.MediaItem{{Image: "https://x/y.png"}}}
	req.Queue <- protocol.Frame{Kind: protocol.KindTerminal, FinishReason: "stop"}
	req.Queue <- protocol.Frame{Kind: protocol.KindDone}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	Serve(w, r, req, reg, link, testCfg(), "image-model")

	var resp chatCompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := "![Generated Image](https://x/y.png)"
	if resp.Choices[0].Message.Content != want {
		t.Errorf("expected %q, got %q", want, resp.Choices[0].Message.Content)
	}
}

func TestServe_VideoModalityFormatsRawURLs(t *testing.T) {
	reg, link := newHarness()
	req, _ := reg.Admit("r5", "video-model", models.Descriptor{ID: "video-model", Type: models.TypeVideo}, false, 5)
	req.Queue <- protocol.Frame{Kind: protocol.KindMedia, Media: []protocol.MediaItem{{URL: "https://x/y.mp4"}}}
	req.Queue <- protocol.Frame{Kind: protocol.KindDone}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)

	Serve(w, r, req, reg, link, testCfg(), "video-model")

	var resp chatCompletionResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Choices[0].Message.Content != "https://x/y.mp4" {
		t.Errorf("expected raw URL, got %q", resp.Choices[0].Message.Content)
	}
}

func TestServe_ClientCancellationReturnsPromptly(t *testing.T) {
	reg, link := newHarness()
	req, _ := reg.Admit("r6", "model-a", models.Descriptor{ID: "model-a", Type: models.TypeChat}, true, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/v1/chat/completions", nil).WithContext(ctx)

	done := make(chan struct{})
	go func() {
		Serve(w, r, req, reg, link, testCfg(), "model-a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return promptly after client cancellation")
	}
}
