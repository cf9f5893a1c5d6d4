// Package stream is the Stream Translator (C4): it drains a request's
// delivery queue, coalesces incremental text deltas into OpenAI-shaped
// SSE chunks (or a single JSON object for non-streaming requests), and
// renders image/video/error/cancellation outcomes.
//
// Grounded on the teacher's internal/proxy SSEEvent/parseSSEStream and
// buffered_stream.go bounded-read idioms, generalized per
// original_source/proxy_server.py's stream_generator: a 100ms bounded
// poll of the per-request queue, flushing the coalescing buffer on a
// character-count-or-age policy.
package stream

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arenabridge/arenabridge/internal/agentlink"
	"github.com/arenabridge/arenabridge/internal/config"
	"github.com/arenabridge/arenabridge/internal/models"
	"github.com/arenabridge/arenabridge/internal/protocol"
	"github.com/arenabridge/arenabridge/internal/registry"
)

type delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int     `json:"index"`
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type chatCompletionChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []chunkChoice `json:"choices"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseChoice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID                string           `json:"id"`
	Object            string           `json:"object"`
	Created           int64            `json:"created"`
	Model             string           `json:"model"`
	SystemFingerprint string           `json:"system_fingerprint"`
	Choices           []responseChoice `json:"choices"`
	Usage             usage            `json:"usage"`
}

// Serve drains req's delivery queue to completion, writing either SSE
// chunks or a single JSON response to w depending on req.Streaming.
// Returns once the request reaches a terminal outcome or the client
// disconnects. Always releases req from reg before returning.
func Serve(w http.ResponseWriter, r *http.Request, req *registry.Request, reg *registry.Registry, link *agentlink.Link, cfg config.AgentLinkConfig, modelName string) {
	defer reg.Complete(req.ID)

	respID := "chatcmpl-" + uuid.New().String()
	fingerprint := "fp_" + randomHex(4)
	created := time.Now().Unix()
	modality := req.Descriptor.Type

	if req.Streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("Transfer-Encoding", "chunked")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	flusher, _ := w.(http.Flusher)

	var accumulated strings.Builder
	var mediaURLs []string
	finishReason := "stop"
	var buffer strings.Builder
	lastFlush := time.Now()
	maxBuffer := time.Duration(cfg.MaxBufferMs) * time.Millisecond

	flushBuffer := func() {
		if buffer.Len() == 0 {
			return
		}
		text := buffer.String()
		writeSSEChunk(w, flusher, chatCompletionChunk{
			ID: respID, Object: "chat.completion.chunk", Created: created,
			Model: modelName, SystemFingerprint: fingerprint,
			Choices: []chunkChoice{{Index: 0, Delta: delta{Content: text}}},
		})
		accumulated.WriteString(text)
		buffer.Reset()
		lastFlush = time.Now()
	}

loop:
	for {
		select {
		case <-r.Context().Done():
			link.AbortRequest(req.ID)
			return

		case frame, ok := <-req.Queue:
			if !ok {
				break loop
			}
			switch frame.Kind {
			case protocol.KindDone:
				break loop

			case protocol.KindError:
				reg.Transition(req.ID, registry.Errored)
				writeError(w, flusher, req.Streaming, frame.Err)
				return

			case protocol.KindDelta:
				if modality != models.TypeChat {
					continue
				}
				if !req.Streaming {
					accumulated.WriteString(frame.Delta)
					continue
				}
				buffer.WriteString(frame.Delta)
				if buffer.Len() >= cfg.MinChunkChars || time.Since(lastFlush) >= maxBuffer {
					flushBuffer()
				}

			case protocol.KindMedia:
				for _, m := range frame.Media {
					switch modality {
					case models.TypeImage:
						mediaURLs = append(mediaURLs, m.Image)
					case models.TypeVideo:
						mediaURLs = append(mediaURLs, m.URL)
					}
				}

			case protocol.KindTerminal:
				finishReason = frame.FinishReason
			}

		case <-time.After(100 * time.Millisecond):
			if req.Streaming && modality == models.TypeChat && buffer.Len() > 0 && time.Since(lastFlush) >= maxBuffer {
				flushBuffer()
			}
		}
	}
	reg.Transition(req.ID, registry.Completed)

	finalText := accumulated.String()
	if modality != models.TypeChat {
		finalText = formatMedia(modality, mediaURLs)
	}

	if req.Streaming {
		flushBuffer()
		reason := finishReason
		if modality != models.TypeChat {
			// Image/video modalities never stream incremental deltas, so
			// content and finish_reason are merged into a single chunk
			// instead of the chat-modality content-then-empty-delta pair.
			writeSSEChunk(w, flusher, chatCompletionChunk{
				ID: respID, Object: "chat.completion.chunk", Created: created,
				Model: modelName, SystemFingerprint: fingerprint,
				Choices: []chunkChoice{{Index: 0, Delta: delta{Content: finalText}, FinishReason: &reason}},
			})
		} else {
			writeSSEChunk(w, flusher, chatCompletionChunk{
				ID: respID, Object: "chat.completion.chunk", Created: created,
				Model: modelName, SystemFingerprint: fingerprint,
				Choices: []chunkChoice{{Index: 0, Delta: delta{}, FinishReason: &reason}},
			})
		}
		writeSSEDone(w, flusher)
		return
	}

	promptTokens := 0
	completionTokens := estimateTokens(finalText)
	resp := chatCompletionResponse{
		ID: respID, Object: "chat.completion", Created: created,
		Model: modelName, SystemFingerprint: fingerprint,
		Choices: []responseChoice{{
			Index:        0,
			Message:      message{Role: "assistant", Content: finalText},
			FinishReason: finishReason,
		}},
		Usage: usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	json.NewEncoder(w).Encode(resp)
}

// formatMedia renders accumulated media URLs into the text body a
// chat-shaped response carries: raw newline-joined URLs for video,
// markdown image links for image.
func formatMedia(modality models.Type, urls []string) string {
	if modality == models.TypeVideo {
		return strings.Join(urls, "\n")
	}
	parts := make([]string, len(urls))
	for i, u := range urls {
		parts[i] = fmt.Sprintf("![Generated Image](%s)", u)
	}
	return strings.Join(parts, "\n")
}

// estimateTokens is a deliberately coarse, display-only estimate —
// never asserted exactly by a test, never relied on for billing.
func estimateTokens(text string) int {
	return len(text) / 4
}

func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEDone(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeError(w http.ResponseWriter, flusher http.Flusher, streaming bool, msg string) {
	body := map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "server_error",
			"code":    nil,
		},
	}
	if streaming {
		writeSSEChunk(w, flusher, body)
		writeSSEDone(w, flusher)
		return
	}
	json.NewEncoder(w).Encode(body)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
