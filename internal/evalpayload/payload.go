// Package evalpayload is the Payload Translator (pure functions, no I/O):
// it turns an OpenAI-shaped chat request into the evaluation payload the
// browser agent expects.
//
// Grounded on original_source/proxy_server.py's create_lmarena_request_body:
// message walking, inline-attachment extraction via regex, a strict linear
// parent-id chain, and a reserved trailing assistant placeholder message.
package evalpayload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/arenabridge/arenabridge/internal/models"
)

// dataURLPattern matches a base64-encoded image data URL, capturing the
// MIME type (e.g. "image/png") and the base64 payload.
var dataURLPattern = regexp.MustCompile(`data:(image/\w+);base64,([a-zA-Z0-9+/=]+)`)

// ChatRequest is the subset of the OpenAI chat-completions request body
// the translator needs.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Message is one OpenAI chat message. Content may be a plain string or
// an array of typed parts; Content.UnmarshalJSON resolves which.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is the sum type for an OpenAI message's content field: either
// a plain string, or an array of {type, text|image_url} parts.
type Content struct {
	Text  string
	Parts []ContentPart
	Array bool
}

// ContentPart is one element of a multimodal content array.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// UnmarshalJSON accepts either a JSON string or a JSON array, matching
// the two shapes OpenAI clients send for message content.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Array = false
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither a string nor a part array: %w", err)
	}
	c.Parts = parts
	c.Array = true
	return nil
}

// Attachment is one file extracted from an inline data URL, ready to
// hand to the agent alongside the evaluation payload.
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        string `json:"base64Data"`
}

// ArenaMessage is one node of the evaluation payload's message graph.
type ArenaMessage struct {
	ID                   string       `json:"id"`
	Role                 string       `json:"role"`
	Content              string       `json:"content"`
	ExperimentalAttach   []Attachment `json:"experimental_attachments"`
	ParentMessageIDs     []string     `json:"parentMessageIds"`
	ParticipantPosition  string       `json:"participantPosition"`
	ModelID              *string      `json:"modelId"`
	EvaluationSessionID  string       `json:"evaluationSessionId"`
	Status               string       `json:"status"`
	FailureReason        *string      `json:"failureReason"`
}

// Payload is the full evaluation payload sent to the browser agent as
// the dispatch frame body.
type Payload struct {
	ID             string         `json:"id"`
	Mode           string         `json:"mode"`
	ModelAID       string         `json:"modelAId"`
	UserMessageID  string         `json:"userMessageId"`
	ModelAMessageID string        `json:"modelAMessageId"`
	Messages       []ArenaMessage `json:"messages"`
	Modality       models.Type    `json:"modality"`
}

var validRoles = map[string]bool{"user": true, "assistant": true, "data": true}

// Translate builds the evaluation Payload and extracted Attachments for
// one chat request against a resolved model descriptor. Pure: makes no
// network or filesystem calls, generates ids via uuid.New only.
func Translate(req ChatRequest, desc models.Descriptor) (Payload, []Attachment, error) {
	var attachments []Attachment
	processed := make([]Message, len(req.Messages))

	for i, msg := range req.Messages {
		newMsg, msgAttachments, err := extractAttachments(msg)
		if err != nil {
			return Payload{}, nil, fmt.Errorf("message %d: %w", i, err)
		}
		processed[i] = newMsg
		attachments = append(attachments, msgAttachments...)
	}

	lastUserIdx := -1
	for i, m := range processed {
		if m.Role == "user" {
			lastUserIdx = i
		}
	}

	// Chat modality only: insert a synthetic empty user message right
	// after the caller's last user turn. Image/video modalities skip
	// this — the agent doesn't expect a trailing empty turn for those.
	if desc.Type == models.TypeChat && lastUserIdx >= 0 {
		insertAt := lastUserIdx + 1
		processed = append(processed[:insertAt:insertAt],
			append([]Message{{Role: "user", Content: Content{Text: " "}}}, processed[insertAt:]...)...)
	}

	evaluationID := uuid.New().String()
	messageIDs := make([]string, len(processed))
	for i := range processed {
		messageIDs[i] = uuid.New().String()
	}

	arenaMessages := make([]ArenaMessage, len(processed))
	for i, m := range processed {
		var parents []string
		if i > 0 {
			parents = []string{messageIDs[i-1]}
		} else {
			parents = []string{}
		}

		role := m.Role
		if !validRoles[role] {
			role = "user"
		}

		var modelID *string
		if role == "assistant" {
			id := desc.ID
			modelID = &id
		}

		arenaMessages[i] = ArenaMessage{
			ID:                  messageIDs[i],
			Role:                role,
			Content:             m.Content.Text,
			ExperimentalAttach:  []Attachment{},
			ParentMessageIDs:    parents,
			ParticipantPosition: "a",
			ModelID:             modelID,
			EvaluationSessionID: evaluationID,
			Status:              "pending",
			FailureReason:       nil,
		}
	}

	userMessageID := ""
	if len(messageIDs) > 0 {
		userMessageID = messageIDs[len(messageIDs)-1]
	} else {
		userMessageID = uuid.New().String()
	}

	modelAMessageID := uuid.New().String()
	placeholderModelID := desc.ID
	arenaMessages = append(arenaMessages, ArenaMessage{
		ID:                  modelAMessageID,
		Role:                "assistant",
		Content:             "",
		ExperimentalAttach:  []Attachment{},
		ParentMessageIDs:    []string{userMessageID},
		ParticipantPosition: "a",
		ModelID:             &placeholderModelID,
		EvaluationSessionID: evaluationID,
		Status:              "pending",
		FailureReason:       nil,
	})

	payload := Payload{
		ID:              evaluationID,
		Mode:            "direct",
		ModelAID:        desc.ID,
		UserMessageID:   userMessageID,
		ModelAMessageID: modelAMessageID,
		Messages:        arenaMessages,
		Modality:        desc.Type,
	}

	return payload, attachments, nil
}

// extractAttachments pulls inline base64 image data URLs out of a
// message's content, returning a message with plain text content and
// the attachments that were extracted.
func extractAttachments(msg Message) (Message, []Attachment, error) {
	if msg.Content.Array {
		var textParts []string
		var attachments []Attachment
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case "text":
				textParts = append(textParts, part.Text)
			case "image_url":
				if att, ok := attachmentFromDataURL(part.ImageURL.URL); ok {
					attachments = append(attachments, att)
				}
			}
		}
		return Message{Role: msg.Role, Content: Content{Text: strings.Join(textParts, "\n")}}, attachments, nil
	}

	text := msg.Content.Text
	var attachments []Attachment
	matches := dataURLPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return msg, nil, nil
	}

	for _, m := range matches {
		mimeType := text[m[2]:m[3]]
		b64 := text[m[4]:m[5]]
		attachments = append(attachments, newAttachment(mimeType, b64))
	}
	cleaned := dataURLPattern.ReplaceAllString(text, "")
	return Message{Role: msg.Role, Content: Content{Text: strings.TrimSpace(cleaned)}}, attachments, nil
}

func attachmentFromDataURL(url string) (Attachment, bool) {
	m := dataURLPattern.FindStringSubmatch(url)
	if m == nil {
		return Attachment{}, false
	}
	return newAttachment(m[1], m[2]), true
}

func newAttachment(mimeType, base64Data string) Attachment {
	ext := mimeType
	if _, sub, ok := strings.Cut(mimeType, "/"); ok {
		ext = sub
	}
	// The decode result and any error are discarded: the payload is not
	// validated, and the original string is passed through untouched —
	// the agent expects the same encoding the client sent.
	_, _ = base64.StdEncoding.DecodeString(base64Data)
	return Attachment{
		FileName:    fmt.Sprintf("upload-%s.%s", uuid.New().String(), ext),
		ContentType: mimeType,
		Data:        base64Data,
	}
}
