package models

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 123456789)

func TestPacket_Fields(t *testing.T) {
	p := NewPacket(7, testTime, 60, []byte{0xde, 0xad})

	assert.Equal(t, uint64(7), p.Seq())
	assert.Equal(t, int64(1700000000), p.TsSec())
	assert.Equal(t, int64(123456789), p.TsNsec())
	assert.Equal(t, uint32(60), p.Length())
	assert.True(t, p.Timestamp().Equal(testTime))

	payload := p.Payload()
	payload[0] = 0
	assert.Equal(t, byte(0xde), p.Payload()[0])
}

func TestPacket_LayersKnowTheirPacket(t *testing.T) {
	p := NewPacket(3, testTime, 0, nil)
	root := NewLayer("::<Ethernet>")
	child := NewLayer("::<Ethernet>::<IPv4>")
	root.AddLayer(child)
	p.AddLayer(root)

	assert.Same(t, p, root.Packet())
	assert.Same(t, p, child.Packet())
	assert.Equal(t, uint64(3), child.PacketSeq())

	late := NewLayer("::<Ethernet>::<IPv4>::<TCP>")
	child.AddLayer(late)
	assert.Same(t, p, late.Packet())
}

func TestPacket_LayerReferenceIsWeak(t *testing.T) {
	l := NewLayer("::<Ethernet>")
	func() {
		p := NewPacket(9, testTime, 0, nil)
		p.AddLayer(l)
	}()

	for i := 0; i < 10 && l.Packet() != nil; i++ {
		runtime.GC()
	}
	assert.Nil(t, l.Packet())
	assert.Equal(t, uint64(9), l.PacketSeq())
}

func TestPacket_SnapshotIsIndependent(t *testing.T) {
	p := NewPacket(1, testTime, 4, []byte{1, 2, 3, 4})
	root := NewLayer("::<Ethernet>")
	root.SetID("eth")
	root.SetAttr("src", NewValue("aa:bb"))
	root.AddItem(NewItem("Source", "src", "aa:bb"))
	p.AddLayer(root)

	snap := p.Snapshot()
	require.True(t, snap.Frozen())
	assert.False(t, p.Frozen())

	root.SetAttr("src", NewValue("changed"))
	root.AddLayer(NewLayer("::<Ethernet>::<IPv4>"))

	frozen := snap.Layer("::<Ethernet>")
	v, _ := frozen.Attr("src")
	assert.Equal(t, "aa:bb", v.Data)
	assert.Empty(t, frozen.Layers())
	assert.Same(t, snap, frozen.Packet())
	assert.Equal(t, "aa:bb", frozen.Item("src").Value.Data)
}

func TestPacket_WalkOrder(t *testing.T) {
	p := NewPacket(1, testTime, 0, nil)
	a := NewLayer("a")
	b := NewLayer("b")
	a.AddLayer(NewLayer("a::x"))
	p.AddLayer(b)
	p.AddLayer(a)

	var seen []string
	p.Walk(func(l *Layer) bool {
		seen = append(seen, l.Namespace())
		return true
	})
	assert.Equal(t, []string{"a", "a::x", "b"}, seen)
}

func TestPacket_AddLayerOnSnapshotPanics(t *testing.T) {
	snap := NewPacket(1, testTime, 0, nil).Snapshot()
	assert.Panics(t, func() { snap.AddLayer(NewLayer("x")) })
}
