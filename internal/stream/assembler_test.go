package stream

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packetlens/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	last   json.RawMessage
}

func (r *recorder) BroadcastStreamEvent(eventType string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	r.last = payload
}

func chunk(seq uint64, dir, payload string) *models.StreamChunk {
	c := models.NewStreamChunk("::<TCP>", "TCP-1")
	c.SetAttr(AttrSeq, seq)
	c.SetAttr(AttrDirection, dir)
	c.SetAttr(AttrPayload, []byte(payload))
	c.SetAttr(AttrSrc, "10.0.0.1")
	c.SetAttr(AttrDst, "10.0.0.2")
	c.SetAttr(AttrSrcPort, uint16(51000))
	c.SetAttr(AttrDstPort, uint16(80))
	return c
}

func TestManager_Complete(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec)

	chunks := []*models.StreamChunk{
		chunk(4, DirClient, "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		chunk(5, DirServer, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"),
		chunk(6, DirClient, "GET /b HTTP/1.1\r\nHost: example.com\r\n\r\n"),
		chunk(7, DirServer, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"),
	}
	end := chunk(9, DirClient, "")
	end.End = true
	chunks = append(chunks, end)

	sd := m.Complete("TCP-1", chunks)
	assert.Equal(t, "10.0.0.1", sd.SrcAddr)
	assert.Equal(t, uint16(80), sd.DstPort)
	assert.Equal(t, 5, sd.Chunks)
	assert.Equal(t, uint64(4), sd.FirstPacket)
	assert.Equal(t, uint64(9), sd.LastPacket)
	assert.False(t, sd.Truncated)

	require.Len(t, sd.HTTP, 2)
	assert.Equal(t, "GET", sd.HTTP[0].Method)
	assert.Equal(t, "/a", sd.HTTP[0].URL)
	assert.Equal(t, "example.com", sd.HTTP[0].Host)
	assert.Equal(t, 200, sd.HTTP[0].StatusCode)
	assert.Equal(t, "text/plain", sd.HTTP[0].ContentType)
	assert.Equal(t, "hello", sd.HTTP[0].BodyPreview)
	assert.Equal(t, "/b", sd.HTTP[1].URL)
	assert.Equal(t, 404, sd.HTTP[1].StatusCode)

	require.Equal(t, []string{EventStreamComplete}, rec.events)
	var sum Summary
	require.NoError(t, json.Unmarshal(rec.last, &sum))
	assert.Equal(t, "TCP-1", sum.ID)
	assert.True(t, sum.HTTP)
	assert.Equal(t, len(sd.ClientData), sum.ClientBytes)

	resp := m.GetStreamData("TCP-1")
	require.NotNil(t, resp)
	client, err := base64.StdEncoding.DecodeString(resp.ClientData)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(client), "GET /a"))
	assert.Nil(t, m.GetStreamData("TCP-2"))
}

func TestManager_NonHTTP(t *testing.T) {
	m := NewManager(nil)
	sd := m.Complete("TCP-3", []*models.StreamChunk{chunk(1, DirClient, "SSH-2.0-OpenSSH_9.6\r\n")})
	assert.Empty(t, sd.HTTP)
	assert.Equal(t, []byte("SSH-2.0-OpenSSH_9.6\r\n"), sd.ClientData)
	assert.Empty(t, sd.ServerData)
}

func TestManager_MergesRepeatedFlush(t *testing.T) {
	rec := &recorder{}
	m := NewManager(rec)

	// The closing segment was dissected before the rest of the stream.
	fin := chunk(5, DirServer, "hello")
	fin.End = true
	m.Complete("TCP-1", []*models.StreamChunk{
		chunk(3, DirServer, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"),
		fin,
	})
	sd := m.Complete("TCP-1", []*models.StreamChunk{
		chunk(4, DirClient, "Host: example.com\r\n\r\n"),
		chunk(1, DirClient, "GET /a HTTP/1.1\r\n"),
	})

	assert.Equal(t, 4, sd.Chunks)
	assert.Equal(t, uint64(1), sd.FirstPacket)
	assert.Equal(t, uint64(5), sd.LastPacket)
	assert.Equal(t, "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n", string(sd.ClientData))
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", string(sd.ServerData))
	require.Len(t, sd.HTTP, 1)
	assert.Equal(t, "/a", sd.HTTP[0].URL)
	assert.Equal(t, 200, sd.HTTP[0].StatusCode)

	assert.Equal(t, 1, m.Len())
	assert.Len(t, m.List(), 1)
	assert.Len(t, rec.events, 2)
}

func TestManager_CapsBuffers(t *testing.T) {
	m := NewManager(nil)
	big := strings.Repeat("x", maxStreamBuffer-10)
	sd := m.Complete("TCP-1", []*models.StreamChunk{
		chunk(1, DirClient, big),
		chunk(2, DirClient, strings.Repeat("y", 100)),
	})
	assert.Len(t, sd.ClientData, maxStreamBuffer)
	assert.True(t, sd.Truncated)
}

func TestManager_EvictsOldest(t *testing.T) {
	m := NewManager(nil)
	m.SetMaxKept(2)

	for _, id := range []string{"TCP-1", "TCP-2", "TCP-3"} {
		m.Complete(id, []*models.StreamChunk{chunk(1, DirClient, "data")})
	}
	assert.Equal(t, 2, m.Len())
	assert.Nil(t, m.GetStreamData("TCP-1"))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "TCP-2", list[0].ID)
	assert.Equal(t, "TCP-3", list[1].ID)

	m.Reset()
	assert.Zero(t, m.Len())
}

func TestAppendCapped(t *testing.T) {
	buf, cut := appendCapped(nil, []byte("abcdef"), 4)
	assert.Equal(t, []byte("abcd"), buf)
	assert.True(t, cut)

	buf, cut = appendCapped([]byte("ab"), []byte("c"), 4)
	assert.Equal(t, []byte("abc"), buf)
	assert.False(t, cut)
}
