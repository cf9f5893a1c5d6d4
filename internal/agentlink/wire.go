package agentlink

import "github.com/arenabridge/arenabridge/internal/evalpayload"

// Outbound frame shapes — arenabridge to browser agent.

type dispatchFrame struct {
	Type          string                    `json:"type"`
	RequestID     string                    `json:"request_id"`
	Payload       evalpayload.Payload       `json:"payload"`
	FilesToUpload []evalpayload.Attachment  `json:"files_to_upload"`
}

type abortRequestFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type refreshModelsFrame struct {
	Type string `json:"type"`
}

type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type reconnectionAckFrame struct {
	Type              string   `json:"type"`
	PendingRequestIDs []string `json:"pending_request_ids"`
	Message           string   `json:"message"`
}

type restorationAckFrame struct {
	Type          string `json:"type"`
	RestoredCount int    `json:"restored_count"`
	Message       string `json:"message"`
}

type modelRegistryAckFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Inbound frame shapes — browser agent to arenabridge.

// inboundEnvelope is decoded first to discover which concrete shape a
// message holds: control messages carry "type", regular per-request
// frames carry "request_id"/"data" instead.
type inboundEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Data      string `json:"data"`

	// Only present on reconnection_handshake messages.
	PendingRequestIDs []string `json:"pending_request_ids"`

	// Only present on model_registry messages.
	Models []modelRegistryEntry `json:"models"`
}

type modelRegistryEntry struct {
	ID                 string   `json:"id"`
	OutputCapabilities []string `json:"outputCapabilities"`
}

const (
	typePong                  = "pong"
	typeReconnectionHandshake = "reconnection_handshake"
	typeModelRegistry         = "model_registry"
)
