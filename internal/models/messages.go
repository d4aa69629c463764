package models

import "encoding/json"

// WSMessage is the envelope for all WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamRequest asks for the reassembled data of one stream.
type StreamRequest struct {
	ID string `json:"id"`
}

// SessionInfo announces the start or end of a file analysis session.
type SessionInfo struct {
	SessionID string `json:"sessionId"`
	Source    string `json:"source"`
}

// CaptureStats reports analysis statistics.
type CaptureStats struct {
	SessionID     string `json:"sessionId,omitempty"`
	PacketCount   int    `json:"packetCount"`
	MatchedCount  int    `json:"matchedCount"`
	QueueSize     int    `json:"queueSize"`
	FailureCount  uint64 `json:"failureCount"`
	StreamCount   int    `json:"streamCount"`
	FilterEnabled bool   `json:"filterEnabled"`
}

// ErrorPayload describes an error sent to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// PacketInfo is the display form of a dissected packet.
type PacketInfo struct {
	Number    uint64        `json:"number"`
	Timestamp string        `json:"timestamp"`
	Protocol  string        `json:"protocol"`
	Length    uint32        `json:"length"`
	Info      string        `json:"info"`
	Layers    []LayerDetail `json:"layers"`
	HexDump   string        `json:"hexDump,omitempty"`
}

// LayerDetail represents one protocol layer in the packet.
type LayerDetail struct {
	Namespace  string        `json:"namespace"`
	Name       string        `json:"name"`
	ID         string        `json:"id"`
	Summary    string        `json:"summary,omitempty"`
	Confidence float64       `json:"confidence"`
	Fields     []LayerField  `json:"fields"`
	Layers     []LayerDetail `json:"layers,omitempty"`
}

// LayerField represents a single field within a protocol layer.
type LayerField struct {
	Name     string       `json:"name"`
	ID       string       `json:"id,omitempty"`
	Value    string       `json:"value"`
	Children []LayerField `json:"children,omitempty"`
}
