// Package flow tracks bidirectional network flows and the TCP connection
// state of each one.
package flow

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TCPState represents the state of a TCP connection.
type TCPState string

const (
	TCPStateNew         TCPState = "NEW"
	TCPStateSynSent     TCPState = "SYN_SENT"
	TCPStateSynReceived TCPState = "SYN_RECEIVED"
	TCPStateEstablished TCPState = "ESTABLISHED"
	TCPStateFinWait     TCPState = "FIN_WAIT"
	TCPStateClosed      TCPState = "CLOSED"
)

const (
	defaultMaxFlows = 10000
	defaultIdleTime = 5 * time.Minute
)

// FlowKey is a normalized 5-tuple. Both directions map to the same flow.
type FlowKey struct {
	IP1      string
	IP2      string
	Port1    uint16
	Port2    uint16
	Protocol string
}

func MakeFlowKey(srcIP, dstIP string, srcPort, dstPort uint16, protocol string) FlowKey {
	// Normalize: smaller IP first; if IPs equal, smaller port first
	if srcIP < dstIP || (srcIP == dstIP && srcPort < dstPort) {
		return FlowKey{IP1: srcIP, IP2: dstIP, Port1: srcPort, Port2: dstPort, Protocol: protocol}
	}
	return FlowKey{IP1: dstIP, IP2: srcIP, Port1: dstPort, Port2: srcPort, Protocol: protocol}
}

// Flow holds statistics for a single network flow. Src is the endpoint that
// sent the first packet seen.
type Flow struct {
	ID          uint64   `json:"id"`
	SrcIP       string   `json:"srcIp"`
	DstIP       string   `json:"dstIp"`
	SrcPort     uint16   `json:"srcPort"`
	DstPort     uint16   `json:"dstPort"`
	Protocol    string   `json:"protocol"`
	PacketCount int      `json:"packetCount"`
	ByteCount   int64    `json:"byteCount"`
	FirstSeen   int64    `json:"firstSeen"` // unix ms
	LastSeen    int64    `json:"lastSeen"`  // unix ms
	TCPState    TCPState `json:"tcpState,omitempty"`
	FwdPackets  int      `json:"fwdPackets"`
	FwdBytes    int64    `json:"fwdBytes"`
	RevPackets  int      `json:"revPackets"`
	RevBytes    int64    `json:"revBytes"`
}

// StreamID is the identifier used for stream chunks of this flow.
func (f Flow) StreamID() string {
	return fmt.Sprintf("%s-%d", f.Protocol, f.ID)
}

// TCPFlags holds parsed TCP flag bits.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
	PSH bool
}

// Observation describes one packet of a flow.
type Observation struct {
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	Protocol string
	Length   int
	Flags    TCPFlags
	Seen     time.Time
}

// Update is the result of tracking one packet.
type Update struct {
	// Flow is a copy of the flow after the packet was applied.
	Flow Flow
	// Forward is set when the packet travels from Flow.Src to Flow.Dst.
	Forward bool
	// New is set on the first packet of the flow.
	New bool
	// Closed is set on the packet that moved the flow to TCPStateClosed.
	Closed bool
}

// Tracker maintains the flow table. It is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	flows    map[FlowKey]*Flow
	nextID   uint64
	maxFlows int
	idleTime time.Duration
}

// NewTracker creates a new flow tracker.
func NewTracker() *Tracker {
	return &Tracker{
		flows:    make(map[FlowKey]*Flow),
		maxFlows: defaultMaxFlows,
		idleTime: defaultIdleTime,
	}
}

// Track records a packet in the flow table.
func (t *Tracker) Track(obs Observation) Update {
	key := MakeFlowKey(obs.SrcIP, obs.DstIP, obs.SrcPort, obs.DstPort, obs.Protocol)
	seen := obs.Seen
	if seen.IsZero() {
		seen = time.Now()
	}
	now := seen.UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Evict idle flows if at capacity
	if len(t.flows) >= t.maxFlows {
		t.evictIdle(now)
	}

	var up Update
	f, exists := t.flows[key]
	if !exists {
		t.nextID++
		f = &Flow{
			ID:        t.nextID,
			SrcIP:     obs.SrcIP,
			DstIP:     obs.DstIP,
			SrcPort:   obs.SrcPort,
			DstPort:   obs.DstPort,
			Protocol:  obs.Protocol,
			FirstSeen: now,
			TCPState:  TCPStateNew,
		}
		// A SYN+ACK seen before its SYN still names the client as source.
		if obs.Flags.SYN && obs.Flags.ACK {
			f.SrcIP, f.DstIP = obs.DstIP, obs.SrcIP
			f.SrcPort, f.DstPort = obs.DstPort, obs.SrcPort
		}
		t.flows[key] = f
		up.New = true
	}

	f.PacketCount++
	f.ByteCount += int64(obs.Length)
	if now > f.LastSeen {
		f.LastSeen = now
	}

	// "forward" = matches original src
	up.Forward = obs.SrcIP == f.SrcIP && obs.SrcPort == f.SrcPort
	if up.Forward {
		f.FwdPackets++
		f.FwdBytes += int64(obs.Length)
	} else {
		f.RevPackets++
		f.RevBytes += int64(obs.Length)
	}

	if obs.Protocol == "TCP" || obs.Protocol == "tcp" {
		prev := f.TCPState
		f.TCPState = advanceTCPState(prev, obs.Flags)
		up.Closed = prev != TCPStateClosed && f.TCPState == TCPStateClosed
	}

	up.Flow = *f
	return up
}

// GetFlows returns a snapshot of all active flows ordered by ID.
func (t *Tracker) GetFlows() []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Len returns the number of flows in the table.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// Reset clears all flows.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flows = make(map[FlowKey]*Flow)
	t.nextID = 0
}

func (t *Tracker) evictIdle(nowMs int64) {
	cutoff := nowMs - t.idleTime.Milliseconds()
	for key, f := range t.flows {
		if f.LastSeen < cutoff || f.TCPState == TCPStateClosed {
			delete(t.flows, key)
		}
	}
}

func advanceTCPState(current TCPState, flags TCPFlags) TCPState {
	if flags.RST {
		return TCPStateClosed
	}

	switch current {
	case TCPStateNew:
		if flags.SYN && !flags.ACK {
			return TCPStateSynSent
		}
	case TCPStateSynSent:
		if flags.SYN && flags.ACK {
			return TCPStateSynReceived
		}
	case TCPStateSynReceived:
		if flags.ACK && !flags.SYN {
			return TCPStateEstablished
		}
	case TCPStateEstablished:
		if flags.FIN {
			return TCPStateFinWait
		}
	case TCPStateFinWait:
		if flags.FIN || flags.ACK {
			return TCPStateClosed
		}
	}
	return current
}

// String returns a human-readable description of the flow.
func (f *Flow) String() string {
	return fmt.Sprintf("Flow#%d %s:%d <-> %s:%d [%s] pkts=%d bytes=%d",
		f.ID, f.SrcIP, f.SrcPort, f.DstIP, f.DstPort, f.Protocol, f.PacketCount, f.ByteCount)
}
