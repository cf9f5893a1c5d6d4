// Package protocol defines the tagged text frames the browser agent sends
// back over the Agent Link, and the pure parsing that turns the wire form
// into a Go sum type.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies which variant of Frame a value holds.
type Kind int

const (
	// KindDelta carries an incremental text token ("a0" tag).
	KindDelta Kind = iota
	// KindMedia carries one or more generated media URLs ("a2" tag).
	KindMedia
	// KindTerminal carries end-of-turn metadata ("ad" tag).
	KindTerminal
	// KindDone is the "[DONE]" sentinel.
	KindDone
	// KindError carries an agent-reported error.
	KindError
)

// MediaItem is one entry of an "a2" media frame: an image frame carries
// Image, a video frame carries URL.
type MediaItem struct {
	Image string
	URL   string
}

// Frame is the parsed form of one wire message from the browser agent.
// Exactly one set of fields is meaningful, selected by Kind.
type Frame struct {
	Kind         Kind
	Delta        string      // KindDelta
	Media        []MediaItem // KindMedia
	FinishReason string      // KindTerminal
	Err          string      // KindError
}

type errEnvelope struct {
	Error string `json:"error"`
}

type terminalBody struct {
	FinishReason string `json:"finishReason"`
}

type mediaItemWire struct {
	Image string `json:"image"`
	URL   string `json:"url"`
}

// ErrUnrecognizedFrame means the raw text did not match any known
// tag or shape. Callers should log and drop the frame, per the grace
// the agent protocol affords malformed intermediate frames.
var ErrUnrecognizedFrame = fmt.Errorf("unrecognized frame")

// Parse converts one raw wire string into a Frame. Handles, in order:
// the "[DONE]" sentinel, a bare JSON error object, and the tagged
// "<tag>:<body>" forms (a0 delta, a2 media, ad terminal).
func Parse(raw string) (Frame, error) {
	if raw == "[DONE]" {
		return Frame{Kind: KindDone}, nil
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var env errEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Error != "" {
			return Frame{Kind: KindError, Err: env.Error}, nil
		}
	}

	tag, body, ok := strings.Cut(raw, ":")
	if !ok {
		return Frame{}, ErrUnrecognizedFrame
	}

	switch tag {
	case "a0":
		var text string
		if err := json.Unmarshal([]byte(body), &text); err != nil {
			return Frame{}, fmt.Errorf("parsing a0 delta: %w", err)
		}
		return Frame{Kind: KindDelta, Delta: text}, nil

	case "a2":
		var items []mediaItemWire
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return Frame{}, fmt.Errorf("parsing a2 media: %w", err)
		}
		media := make([]MediaItem, len(items))
		for i, it := range items {
			media[i] = MediaItem{Image: it.Image, URL: it.URL}
		}
		return Frame{Kind: KindMedia, Media: media}, nil

	case "ad":
		var tb terminalBody
		if err := json.Unmarshal([]byte(body), &tb); err != nil {
			return Frame{}, fmt.Errorf("parsing ad terminal: %w", err)
		}
		reason := tb.FinishReason
		if reason == "" {
			reason = "stop"
		}
		return Frame{Kind: KindTerminal, FinishReason: reason}, nil

	default:
		return Frame{}, ErrUnrecognizedFrame
	}
}
