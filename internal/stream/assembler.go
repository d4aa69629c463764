package stream

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"packetlens/internal/models"
)

const (
	maxStreamBuffer = 256 * 1024 // per direction
	defaultMaxKept  = 1024
)

// Chunk attributes read when joining a stream.
const (
	AttrDirection = "direction"
	AttrPayload   = "payload"
	AttrSeq       = "seq"
	AttrSrc       = "src"
	AttrDst       = "dst"
	AttrSrcPort   = "srcPort"
	AttrDstPort   = "dstPort"

	DirClient = "client"
	DirServer = "server"
)

// EventStreamComplete is broadcast with a Summary when a stream is stored.
const EventStreamComplete = "stream_complete"

// Broadcaster is implemented by the engine to send stream events to clients.
type Broadcaster interface {
	BroadcastStreamEvent(eventType string, payload json.RawMessage)
}

// StreamData holds the joined payload of one stream.
type StreamData struct {
	ID          string            `json:"id"`
	Namespace   string            `json:"namespace"`
	ClientData  []byte            `json:"-"`
	ServerData  []byte            `json:"-"`
	HTTP        []HTTPTransaction `json:"http,omitempty"`
	SrcAddr     string            `json:"srcAddr"`
	DstAddr     string            `json:"dstAddr"`
	SrcPort     uint16            `json:"srcPort"`
	DstPort     uint16            `json:"dstPort"`
	Chunks      int               `json:"chunks"`
	FirstPacket uint64            `json:"firstPacket"`
	LastPacket  uint64            `json:"lastPacket"`
	Truncated   bool              `json:"truncated"`

	chunks []*models.StreamChunk
}

// Summary is the stream description pushed to clients.
type Summary struct {
	ID          string `json:"id"`
	Namespace   string `json:"namespace"`
	SrcAddr     string `json:"srcAddr"`
	DstAddr     string `json:"dstAddr"`
	SrcPort     uint16 `json:"srcPort"`
	DstPort     uint16 `json:"dstPort"`
	ClientBytes int    `json:"clientBytes"`
	ServerBytes int    `json:"serverBytes"`
	Chunks      int    `json:"chunks"`
	HTTP        bool   `json:"http"`
}

// StreamDataResponse is what we send to clients.
type StreamDataResponse struct {
	StreamID   string            `json:"streamId"`
	ClientData string            `json:"clientData"` // base64
	ServerData string            `json:"serverData"` // base64
	HTTP       []HTTPTransaction `json:"http,omitempty"`
}

// Manager stores completed streams delivered by the dispatcher. The oldest
// streams are dropped once more than the configured number are kept.
type Manager struct {
	mu          sync.Mutex
	streams     map[string]*StreamData
	order       []string
	maxKept     int
	broadcaster Broadcaster
}

// NewManager creates a stream store. broadcaster may be nil.
func NewManager(broadcaster Broadcaster) *Manager {
	return &Manager{
		streams:     make(map[string]*StreamData),
		maxKept:     defaultMaxKept,
		broadcaster: broadcaster,
	}
}

// SetMaxKept bounds the number of stored streams; n <= 0 restores the default.
func (m *Manager) SetMaxKept(n int) {
	if n <= 0 {
		n = defaultMaxKept
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxKept = n
	m.evictLocked()
}

// Complete joins the chunks of a finished stream, stores the result under id
// and announces it to the broadcaster. Chunks are joined in packet order. A
// stream flushed more than once, as happens when segments are dissected out
// of order, is merged with the chunks already stored under id.
func (m *Manager) Complete(id string, chunks []*models.StreamChunk) *StreamData {
	m.mu.Lock()
	prev, ok := m.streams[id]
	if ok {
		chunks = append(append([]*models.StreamChunk(nil), prev.chunks...), chunks...)
	} else {
		m.order = append(m.order, id)
	}
	sd := join(id, chunks)
	if len(sd.ClientData) > 0 {
		sd.HTTP = parseHTTP(sd.ClientData, sd.ServerData)
	}
	m.streams[id] = sd
	m.evictLocked()
	m.mu.Unlock()

	log.WithField("component", "stream").Debugf("stream %s stored: %d chunks, %d/%d bytes",
		id, sd.Chunks, len(sd.ClientData), len(sd.ServerData))

	if m.broadcaster != nil {
		if payload, err := json.Marshal(sd.Summary()); err == nil {
			m.broadcaster.BroadcastStreamEvent(EventStreamComplete, payload)
		}
	}
	return sd
}

func (m *Manager) evictLocked() {
	for len(m.order) > m.maxKept {
		delete(m.streams, m.order[0])
		m.order = m.order[1:]
	}
}

func join(id string, chunks []*models.StreamChunk) *StreamData {
	ordered := make([]*models.StreamChunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return chunkSeq(ordered[i]) < chunkSeq(ordered[j])
	})

	sd := &StreamData{ID: id, Chunks: len(ordered), chunks: ordered}
	for _, c := range ordered {
		if sd.Namespace == "" {
			sd.Namespace = c.Namespace
		}
		if sd.SrcAddr == "" {
			sd.SrcAddr = attrString(c, AttrSrc)
			sd.DstAddr = attrString(c, AttrDst)
			sd.SrcPort = attrUint16(c, AttrSrcPort)
			sd.DstPort = attrUint16(c, AttrDstPort)
		}
		if seq, ok := c.Attrs[AttrSeq].Data.(uint64); ok {
			if sd.FirstPacket == 0 || seq < sd.FirstPacket {
				sd.FirstPacket = seq
			}
			if seq > sd.LastPacket {
				sd.LastPacket = seq
			}
		}

		data, _ := c.Attrs[AttrPayload].Data.([]byte)
		if len(data) == 0 {
			continue
		}
		var full bool
		if attrString(c, AttrDirection) == DirServer {
			sd.ServerData, full = appendCapped(sd.ServerData, data, maxStreamBuffer)
		} else {
			sd.ClientData, full = appendCapped(sd.ClientData, data, maxStreamBuffer)
		}
		sd.Truncated = sd.Truncated || full
	}
	return sd
}

// chunkSeq returns the packet sequence number of c; chunks without one sort
// first.
func chunkSeq(c *models.StreamChunk) uint64 {
	seq, _ := c.Attrs[AttrSeq].Data.(uint64)
	return seq
}

func attrString(c *models.StreamChunk, name string) string {
	s, _ := c.Attrs[name].Data.(string)
	return s
}

func attrUint16(c *models.StreamChunk, name string) uint16 {
	p, _ := c.Attrs[name].Data.(uint16)
	return p
}

// appendCapped appends data to buf up to limit bytes and reports whether
// anything was cut.
func appendCapped(buf, data []byte, limit int) ([]byte, bool) {
	remaining := limit - len(buf)
	if remaining <= 0 {
		return buf, true
	}
	if len(data) > remaining {
		return append(buf, data[:remaining]...), true
	}
	return append(buf, data...), false
}

// Summary describes sd without its payload.
func (sd *StreamData) Summary() Summary {
	return Summary{
		ID:          sd.ID,
		Namespace:   sd.Namespace,
		SrcAddr:     sd.SrcAddr,
		DstAddr:     sd.DstAddr,
		SrcPort:     sd.SrcPort,
		DstPort:     sd.DstPort,
		ClientBytes: len(sd.ClientData),
		ServerBytes: len(sd.ServerData),
		Chunks:      sd.Chunks,
		HTTP:        len(sd.HTTP) > 0,
	}
}

// GetStreamData returns the stored data for a stream, or nil.
func (m *Manager) GetStreamData(id string) *StreamDataResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	sd, ok := m.streams[id]
	if !ok {
		return nil
	}

	return &StreamDataResponse{
		StreamID:   id,
		ClientData: base64.StdEncoding.EncodeToString(sd.ClientData),
		ServerData: base64.StdEncoding.EncodeToString(sd.ServerData),
		HTTP:       sd.HTTP,
	}
}

// List returns the summaries of all stored streams ordered by id.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.streams))
	for _, sd := range m.streams {
		out = append(out, sd.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of stored streams.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Reset clears all stream data.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string]*StreamData)
	m.order = nil
}
