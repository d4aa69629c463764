// Package dissector defines the plugin contract shared by the dispatcher and
// every protocol decoder.
//
// A dissector declares the layer namespaces it is interested in. The
// dispatcher invokes Analyze once for every layer of a packet whose namespace
// matches one of them; the dissector may add child layers, items and
// attributes to that layer, or emit stream chunks through the Context.
package dissector

import (
	"fmt"
	"path"

	"packetlens/internal/models"
)

// Dissector inspects a layer and appends further structure.
type Dissector interface {
	// Name identifies the dissector in logs and metrics.
	Name() string

	// Namespaces lists the trigger namespaces. Entries are exact layer
	// namespaces or path.Match patterns such as "*::<TCP>".
	Namespaces() []string

	// Analyze decodes layer. A returned error (or a panic) is recoverable:
	// it is logged and the next dissector runs.
	Analyze(ctx *Context, layer *models.Layer) error
}

// Matches reports whether d is triggered by namespace ns.
func Matches(d Dissector, ns string) bool {
	for _, pattern := range d.Namespaces() {
		if pattern == ns {
			return true
		}
		if ok, err := path.Match(pattern, ns); err == nil && ok {
			return true
		}
	}
	return false
}

// Func adapts a plain function to the Dissector interface.
type Func struct {
	name       string
	namespaces []string
	fn         func(ctx *Context, layer *models.Layer) error
}

// New returns a Dissector backed by fn.
func New(name string, namespaces []string, fn func(ctx *Context, layer *models.Layer) error) *Func {
	return &Func{name: name, namespaces: namespaces, fn: fn}
}

func (f *Func) Name() string         { return f.name }
func (f *Func) Namespaces() []string { return f.namespaces }

func (f *Func) Analyze(ctx *Context, layer *models.Layer) error {
	return f.fn(ctx, layer)
}

// Context carries per-packet state into a dissector invocation. A Context is
// used by a single worker and is not safe for concurrent use.
type Context struct {
	packet *models.Packet
	config string
	source string

	streams []*models.StreamChunk
	logs    []models.LogMessage
}

// NewContext creates the context for dissecting pkt.
func NewContext(pkt *models.Packet, config string) *Context {
	return &Context{packet: pkt, config: config}
}

// Packet returns the packet under dissection.
func (c *Context) Packet() *models.Packet {
	return c.packet
}

// Config returns the opaque configuration string given to the dispatcher.
func (c *Context) Config() string {
	return c.config
}

// AddStream emits a stream chunk. Chunks are collected by the dispatcher once
// the packet is fully dissected.
func (c *Context) AddStream(chunk *models.StreamChunk) {
	if chunk != nil {
		c.streams = append(c.streams, chunk)
	}
}

// Logf records a log message attributed to the running dissector.
func (c *Context) Logf(level, format string, args ...any) {
	c.logs = append(c.logs, models.LogMessage{
		Level:   level,
		Message: fmt.Sprintf(format, args...),
		Source:  c.source,
	})
}

// SetSource sets the name used by Logf. The dispatcher calls it before each
// dissector runs.
func (c *Context) SetSource(name string) {
	c.source = name
}

// TakeStreams returns and clears the emitted stream chunks.
func (c *Context) TakeStreams() []*models.StreamChunk {
	out := c.streams
	c.streams = nil
	return out
}

// TakeLogs returns and clears the recorded log messages.
func (c *Context) TakeLogs() []models.LogMessage {
	out := c.logs
	c.logs = nil
	return out
}
