package models

import (
	"errors"
	"fmt"
	"sort"
	"weak"
)

// ErrFrozen is the panic value used when a published packet or one of its
// layers is mutated.
var ErrFrozen = errors.New("models: packet is frozen")

// Layer is one protocol decoding result. Layers nest: each holds child
// layers keyed by namespace.
type Layer struct {
	ns         string
	name       string
	id         string
	summary    string
	rng        string
	confidence float64

	layers map[string]*Layer
	items  []*Item
	keys   map[string]int
	attrs  map[string]Value

	payload      []byte
	largePayload *LargeBuffer

	pkt    weak.Pointer[Packet]
	pktSeq uint64
	frozen bool
}

// NewLayer creates an empty layer in namespace ns with confidence 1.
func NewLayer(ns string) *Layer {
	return &Layer{
		ns:         ns,
		confidence: 1.0,
		layers:     make(map[string]*Layer),
		keys:       make(map[string]int),
		attrs:      make(map[string]Value),
	}
}

func (l *Layer) mutate() {
	if l.frozen {
		panic(fmt.Errorf("layer %q: %w", l.ns, ErrFrozen))
	}
}

func (l *Layer) Namespace() string   { return l.ns }
func (l *Layer) Name() string        { return l.name }
func (l *Layer) ID() string          { return l.id }
func (l *Layer) Summary() string     { return l.summary }
func (l *Layer) Range() string       { return l.rng }
func (l *Layer) Confidence() float64 { return l.confidence }

func (l *Layer) SetName(name string)       { l.mutate(); l.name = name }
func (l *Layer) SetID(id string)           { l.mutate(); l.id = id }
func (l *Layer) SetSummary(summary string) { l.mutate(); l.summary = summary }
func (l *Layer) SetRange(rng string)       { l.mutate(); l.rng = rng }

// SetConfidence stores c as given; values outside [0,1] are not rejected.
func (l *Layer) SetConfidence(c float64) { l.mutate(); l.confidence = c }

// AddLayer inserts child, replacing any existing child in the same namespace.
// The child inherits this layer's packet reference.
func (l *Layer) AddLayer(child *Layer) {
	l.mutate()
	if child == nil {
		return
	}
	l.layers[child.ns] = child
	if p := l.pkt.Value(); p != nil {
		child.attach(p)
	}
}

// Layers returns a copy of the child layer map.
func (l *Layer) Layers() map[string]*Layer {
	out := make(map[string]*Layer, len(l.layers))
	for ns, child := range l.layers {
		out[ns] = child
	}
	return out
}

// Layer returns the child in namespace ns, or nil.
func (l *Layer) Layer(ns string) *Layer {
	return l.layers[ns]
}

// Children returns the child layers ordered by namespace.
func (l *Layer) Children() []*Layer {
	return sortedLayers(l.layers)
}

// AddItem appends item. Duplicate ids keep both items in order, but the id
// index points at the latest one.
func (l *Layer) AddItem(item *Item) {
	l.mutate()
	if item == nil {
		return
	}
	l.items = append(l.items, item)
	l.keys[item.ID] = len(l.items) - 1
}

// Items returns the items in insertion order.
func (l *Layer) Items() []*Item {
	out := make([]*Item, len(l.items))
	copy(out, l.items)
	return out
}

// Item returns the item indexed under id, or nil.
func (l *Layer) Item(id string) *Item {
	if idx, ok := l.keys[id]; ok {
		return l.items[idx]
	}
	return nil
}

// SetAttr upserts an attribute.
func (l *Layer) SetAttr(name string, v Value) {
	l.mutate()
	l.attrs[name] = v
}

// Attr returns the attribute stored under name.
func (l *Layer) Attr(name string) (Value, bool) {
	v, ok := l.attrs[name]
	return v, ok
}

// Attrs returns a copy of the attribute map.
func (l *Layer) Attrs() map[string]Value {
	out := make(map[string]Value, len(l.attrs))
	for k, v := range l.attrs {
		out[k] = v
	}
	return out
}

// SetPayload stores a copy of b and drops any large payload.
func (l *Layer) SetPayload(b []byte) {
	l.mutate()
	l.payload = cloneBytes(b)
	l.largePayload = nil
}

// SetLargePayload stores a copy of b and drops any plain payload.
func (l *Layer) SetLargePayload(b *LargeBuffer) {
	l.mutate()
	l.payload = nil
	if b != nil {
		l.largePayload = b.Clone()
	} else {
		l.largePayload = nil
	}
}

// Payload returns a copy of the plain payload, or nil.
func (l *Layer) Payload() []byte {
	return cloneBytes(l.payload)
}

// LargePayload returns a copy of the large payload, or nil.
func (l *Layer) LargePayload() *LargeBuffer {
	if l.largePayload == nil {
		return nil
	}
	return l.largePayload.Clone()
}

// HasPayload reports whether either payload variant is set.
func (l *Layer) HasPayload() bool {
	return l.payload != nil || l.largePayload != nil
}

// Packet returns the owning packet if it is still alive. The reference is
// weak and never keeps the packet reachable.
func (l *Layer) Packet() *Packet {
	return l.pkt.Value()
}

// PacketSeq returns the sequence number of the owning packet, or 0 when the
// layer was never attached.
func (l *Layer) PacketSeq() uint64 {
	return l.pktSeq
}

// Frozen reports whether the layer belongs to a published snapshot.
func (l *Layer) Frozen() bool {
	return l.frozen
}

func (l *Layer) attach(p *Packet) {
	l.pkt = weak.Make(p)
	l.pktSeq = p.seq
	for _, child := range l.layers {
		child.attach(p)
	}
}

func (l *Layer) snapshot(p *Packet) *Layer {
	cp := &Layer{
		ns:         l.ns,
		name:       l.name,
		id:         l.id,
		summary:    l.summary,
		rng:        l.rng,
		confidence: l.confidence,
		layers:     make(map[string]*Layer, len(l.layers)),
		items:      make([]*Item, len(l.items)),
		keys:       make(map[string]int, len(l.keys)),
		attrs:      make(map[string]Value, len(l.attrs)),
		payload:    cloneBytes(l.payload),
		pkt:        weak.Make(p),
		pktSeq:     p.seq,
		frozen:     true,
	}
	if l.largePayload != nil {
		cp.largePayload = l.largePayload.Clone()
	}
	for ns, child := range l.layers {
		cp.layers[ns] = child.snapshot(p)
	}
	for i, item := range l.items {
		cp.items[i] = item.clone()
	}
	for k, v := range l.keys {
		cp.keys[k] = v
	}
	for k, v := range l.attrs {
		cp.attrs[k] = v
	}
	return cp
}

func sortedLayers(m map[string]*Layer) []*Layer {
	out := make([]*Layer, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ns < out[j].ns })
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
