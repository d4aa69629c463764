package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayer_AddLayerUpsertsByNamespace(t *testing.T) {
	parent := NewLayer("::<Ethernet>")

	first := NewLayer("::<Ethernet>::<IPv4>")
	first.SetID("ipv4")
	second := NewLayer("::<Ethernet>::<IPv4>")
	second.SetID("ipv4-replaced")

	parent.AddLayer(first)
	parent.AddLayer(second)

	require.Len(t, parent.Layers(), 1)
	assert.Same(t, second, parent.Layer("::<Ethernet>::<IPv4>"))
}

func TestLayer_DuplicateItemIDLastWriteWins(t *testing.T) {
	l := NewLayer("tcp")
	l.AddItem(NewItem("Source Port", "srcPort", 1000))
	l.AddItem(NewItem("Source Port (again)", "srcPort", 2000))

	assert.Len(t, l.Items(), 2)
	require.NotNil(t, l.Item("srcPort"))
	assert.Equal(t, 2000, l.Item("srcPort").Value.Data)
	assert.Nil(t, l.Item("missing"))
}

func TestLayer_SetAttrUpserts(t *testing.T) {
	l := NewLayer("tcp")
	l.SetAttr("port", NewValue(80))
	l.SetAttr("port", NewValue(443))

	v, ok := l.Attr("port")
	require.True(t, ok)
	assert.Equal(t, 443, v.Data)

	attrs := l.Attrs()
	attrs["port"] = NewValue(1)
	v, _ = l.Attr("port")
	assert.Equal(t, 443, v.Data, "Attrs must return a copy")
}

func TestLayer_PayloadVariantsAreExclusive(t *testing.T) {
	l := NewLayer("raw")
	l.SetPayload([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, l.Payload())
	assert.Nil(t, l.LargePayload())

	big := NewLargeBuffer()
	_, _ = big.Write([]byte("abc"))
	_, _ = big.Write([]byte("def"))
	l.SetLargePayload(big)
	assert.Nil(t, l.Payload())
	require.NotNil(t, l.LargePayload())
	assert.Equal(t, []byte("abcdef"), l.LargePayload().Bytes())

	l.SetPayload([]byte{9})
	assert.Nil(t, l.LargePayload())
	assert.True(t, l.HasPayload())
}

func TestLayer_PayloadIsCopied(t *testing.T) {
	src := []byte{1, 2, 3}
	l := NewLayer("raw")
	l.SetPayload(src)
	src[0] = 99

	got := l.Payload()
	assert.Equal(t, byte(1), got[0])

	got[1] = 42
	assert.Equal(t, byte(2), l.Payload()[1])
}

func TestLayer_DefaultConfidence(t *testing.T) {
	l := NewLayer("x")
	assert.Equal(t, 1.0, l.Confidence())

	l.SetConfidence(1.5)
	assert.Equal(t, 1.5, l.Confidence())
}

func TestItem_NestedItems(t *testing.T) {
	flags := NewItem("Flags", "flags", 0x12)
	flags.AddItem(NewItem("SYN", "syn", true))
	flags.AddItem(NewItem("ACK", "ack", true))

	require.NotNil(t, flags.Item("ack"))
	assert.Equal(t, true, flags.Item("ack").Value.Data)
	assert.Len(t, flags.Items(), 2)
	assert.Nil(t, flags.Item("fin"))
}

func TestLayer_FrozenMutationPanics(t *testing.T) {
	p := NewPacket(1, testTime, 3, []byte{1, 2, 3})
	root := NewLayer("::<Ethernet>")
	p.AddLayer(root)

	snap := p.Snapshot()
	frozen := snap.Layer("::<Ethernet>")
	require.NotNil(t, frozen)
	assert.True(t, frozen.Frozen())

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.True(t, errors.Is(err, ErrFrozen))
	}()
	frozen.SetAttr("x", NewValue(1))
}

func TestLayer_SnapshotFreezesItems(t *testing.T) {
	p := NewPacket(1, testTime, 0, nil)
	root := NewLayer("::<TCP>")
	flags := NewItem("Flags", "flags", 0x12)
	flags.AddItem(NewItem("SYN", "syn", true))
	root.AddItem(flags)
	p.AddLayer(root)

	snap := p.Snapshot()
	item := snap.Layer("::<TCP>").Item("flags")
	require.NotNil(t, item)
	assert.True(t, item.Frozen())
	assert.True(t, item.Item("syn").Frozen())
	assert.False(t, flags.Frozen())

	assert.PanicsWithError(t, `item "flags": models: packet is frozen`, func() {
		item.AddItem(NewItem("ACK", "ack", true))
	})
	assert.NotPanics(t, func() { flags.AddItem(NewItem("ACK", "ack", true)) })
	assert.Len(t, item.Items(), 1)
}
