package models

// Log levels carried by LogMessage.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// StreamChunk is one increment of a logical stream reconstructed from
// several packets.
type StreamChunk struct {
	Namespace string           `json:"namespace"`
	ID        string           `json:"id"`
	End       bool             `json:"end"`
	Attrs     map[string]Value `json:"attrs"`
}

// NewStreamChunk creates a chunk with an empty attribute map.
func NewStreamChunk(ns, id string) *StreamChunk {
	return &StreamChunk{Namespace: ns, ID: id, Attrs: make(map[string]Value)}
}

// SetAttr upserts an attribute.
func (c *StreamChunk) SetAttr(name string, data any) {
	if c.Attrs == nil {
		c.Attrs = make(map[string]Value)
	}
	c.Attrs[name] = NewValue(data)
}

// LogMessage is emitted by the dispatcher and by dissectors.
type LogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source"`
}
