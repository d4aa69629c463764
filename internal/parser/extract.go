package parser

import (
	"packetlens/internal/flow"
	"packetlens/internal/models"
)

// FlowTuple holds the 5-tuple + TCP flags of a transport layer.
type FlowTuple struct {
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	Protocol string
	Flags    flow.TCPFlags
	Valid    bool
}

// ExtractFlowTuple reads the 5-tuple from a dissected TCP or UDP layer. The
// addresses are the src/dst attributes set by the network layer.
func ExtractFlowTuple(layer *models.Layer) FlowTuple {
	t := FlowTuple{
		Protocol: transportOf(layer),
		SrcPort:  port(layer, "srcPort"),
		DstPort:  port(layer, "dstPort"),
	}
	if src, ok := layer.Attr("src"); ok {
		t.SrcIP, _ = src.Data.(string)
	}
	if dst, ok := layer.Attr("dst"); ok {
		t.DstIP, _ = dst.Data.(string)
	}
	t.Valid = t.Protocol != "" && t.SrcIP != "" && t.DstIP != "" && layer.Item("srcPort") != nil

	if it := layer.Item("flags"); it != nil {
		if f, ok := it.Value.Data.(TCPFlags); ok {
			t.Flags = flow.TCPFlags{
				SYN: f.Has(FlagSYN),
				ACK: f.Has(FlagACK),
				FIN: f.Has(FlagFIN),
				RST: f.Has(FlagRST),
				PSH: f.Has(FlagPSH),
			}
		}
	}
	return t
}
