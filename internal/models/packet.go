package models

import (
	"fmt"
	"time"
)

// Packet is one captured record plus its layer tree. Identity is Seq.
type Packet struct {
	seq     uint64
	tsSec   int64
	tsNsec  int64
	length  uint32
	payload []byte
	layers  map[string]*Layer
	frozen  bool
}

// NewPacket creates a packet owning a copy of payload.
func NewPacket(seq uint64, ts time.Time, length uint32, payload []byte) *Packet {
	return &Packet{
		seq:     seq,
		tsSec:   ts.Unix(),
		tsNsec:  int64(ts.Nanosecond()),
		length:  length,
		payload: cloneBytes(payload),
		layers:  make(map[string]*Layer),
	}
}

func (p *Packet) Seq() uint64    { return p.seq }
func (p *Packet) TsSec() int64   { return p.tsSec }
func (p *Packet) TsNsec() int64  { return p.tsNsec }
func (p *Packet) Length() uint32 { return p.length }

// Timestamp returns the capture time.
func (p *Packet) Timestamp() time.Time {
	return time.Unix(p.tsSec, p.tsNsec)
}

// Payload returns a copy of the captured bytes.
func (p *Packet) Payload() []byte {
	return cloneBytes(p.payload)
}

// AddLayer inserts a top-level layer, replacing any layer in the same
// namespace, and attaches the layer tree to this packet.
func (p *Packet) AddLayer(l *Layer) {
	if p.frozen {
		panic(fmt.Errorf("packet #%d: %w", p.seq, ErrFrozen))
	}
	if l == nil {
		return
	}
	p.layers[l.ns] = l
	l.attach(p)
}

// Layers returns a copy of the top-level layer map.
func (p *Packet) Layers() map[string]*Layer {
	out := make(map[string]*Layer, len(p.layers))
	for ns, l := range p.layers {
		out[ns] = l
	}
	return out
}

// Layer returns the top-level layer in namespace ns, or nil.
func (p *Packet) Layer(ns string) *Layer {
	return p.layers[ns]
}

// RootLayers returns the top-level layers ordered by namespace.
func (p *Packet) RootLayers() []*Layer {
	return sortedLayers(p.layers)
}

// Walk visits every layer depth-first, children in namespace order. Walking
// stops early when fn returns false.
func (p *Packet) Walk(fn func(l *Layer) bool) {
	var walk func(ls []*Layer) bool
	walk = func(ls []*Layer) bool {
		for _, l := range ls {
			if !fn(l) {
				return false
			}
			if !walk(l.Children()) {
				return false
			}
		}
		return true
	}
	walk(p.RootLayers())
}

// Frozen reports whether p is a published snapshot.
func (p *Packet) Frozen() bool {
	return p.frozen
}

// Snapshot returns a frozen deep copy of p. Layers of the copy point back at
// the copy, and every mutator on them panics with ErrFrozen.
func (p *Packet) Snapshot() *Packet {
	cp := &Packet{
		seq:     p.seq,
		tsSec:   p.tsSec,
		tsNsec:  p.tsNsec,
		length:  p.length,
		payload: cloneBytes(p.payload),
		layers:  make(map[string]*Layer, len(p.layers)),
		frozen:  true,
	}
	for ns, l := range p.layers {
		cp.layers[ns] = l.snapshot(cp)
	}
	return cp
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet#%d len=%d layers=%d", p.seq, p.length, len(p.layers))
}
