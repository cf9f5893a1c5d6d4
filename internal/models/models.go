// Package models holds the Model Registry: the set of models the browser
// agent currently reports, replaced wholesale each time the agent sends a
// model_registry frame.
//
// Grounded on the teacher's internal/agent.Registry (mutex + map + sorted
// List()), generalized from per-agent stats to per-model descriptors.
package models

import (
	"sort"
	"sync"
)

// Type classifies what a model produces.
type Type string

const (
	TypeChat  Type = "chat"
	TypeImage Type = "image"
	TypeVideo Type = "video"
)

// Descriptor is one model as reported by the browser agent.
type Descriptor struct {
	ID                 string
	Type               Type
	OutputCapabilities []string
}

// DeriveType infers a model's Type from its reported output
// capabilities: "image" present wins, else "video" present wins,
// else it defaults to chat. Ported from the browser agent's own
// model_registry update logic.
func DeriveType(outputCapabilities []string) Type {
	hasVideo := false
	for _, c := range outputCapabilities {
		switch c {
		case "image":
			return TypeImage
		case "video":
			hasVideo = true
		}
	}
	if hasVideo {
		return TypeVideo
	}
	return TypeChat
}

// Registry holds the current model set. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Descriptor
}

// New returns an empty Registry. Until the agent sends its first
// model_registry frame, Get/List report no models.
func New() *Registry {
	return &Registry{models: make(map[string]Descriptor)}
}

// Replace swaps in a brand-new model set, discarding whatever was
// there before. This mirrors the agent protocol: model_registry
// frames are a full snapshot, not a delta.
func (r *Registry) Replace(descs []Descriptor) {
	next := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		next[d.ID] = d
	}
	r.mu.Lock()
	r.models = next
	r.mu.Unlock()
}

// Get looks up one model by id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return d, ok
}

// List returns all known models sorted by id, for the /v1/models
// response.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count reports how many models are currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
