package parser

import (
	"packetlens/internal/dissector"
	"packetlens/internal/flow"
	"packetlens/internal/models"
	"packetlens/internal/stream"
)

// StreamNamespace is the namespace of chunks emitted by the TCP stream
// dissector.
const StreamNamespace = "::<TCP>"

// Directions carried in the "direction" chunk attribute.
const (
	DirClient = stream.DirClient
	DirServer = stream.DirServer
)

// TCPStream assigns TCP segments to flows and emits their payload as stream
// chunks. The stream ends when the connection closes.
type TCPStream struct {
	tracker *flow.Tracker
}

// NewTCPStream returns a TCP stream dissector backed by tracker.
func NewTCPStream(tracker *flow.Tracker) *TCPStream {
	return &TCPStream{tracker: tracker}
}

func (s *TCPStream) Name() string         { return "tcp-stream" }
func (s *TCPStream) Namespaces() []string { return []string{"*::<TCP>"} }

func (s *TCPStream) Analyze(ctx *dissector.Context, layer *models.Layer) error {
	t := ExtractFlowTuple(layer)
	if !t.Valid || t.Protocol != "TCP" {
		return nil
	}

	payload := layer.Payload()
	up := s.tracker.Track(flow.Observation{
		SrcIP:    t.SrcIP,
		DstIP:    t.DstIP,
		SrcPort:  t.SrcPort,
		DstPort:  t.DstPort,
		Protocol: t.Protocol,
		Length:   len(payload),
		Flags:    t.Flags,
		Seen:     ctx.Packet().Timestamp(),
	})

	id := up.Flow.StreamID()
	layer.SetAttr("stream", models.NewValue(id))
	layer.SetAttr("state", models.NewValue(string(up.Flow.TCPState)))

	if len(payload) == 0 && !up.Closed {
		return nil
	}

	dir := DirServer
	if up.Forward {
		dir = DirClient
	}
	chunk := models.NewStreamChunk(StreamNamespace, id)
	chunk.SetAttr(stream.AttrSeq, ctx.Packet().Seq())
	chunk.SetAttr(stream.AttrDirection, dir)
	chunk.SetAttr(stream.AttrPayload, payload)
	chunk.SetAttr(stream.AttrSrc, up.Flow.SrcIP)
	chunk.SetAttr(stream.AttrDst, up.Flow.DstIP)
	chunk.SetAttr(stream.AttrSrcPort, up.Flow.SrcPort)
	chunk.SetAttr(stream.AttrDstPort, up.Flow.DstPort)
	chunk.End = up.Closed
	ctx.AddStream(chunk)

	if up.Closed {
		ctx.Logf(models.LevelDebug, "stream %s closed after %d packets", id, up.Flow.PacketCount)
	}
	return nil
}
