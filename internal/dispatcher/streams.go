package dispatcher

import (
	"sort"
	"sync"

	"packetlens/internal/models"
)

type streamKey struct {
	ns string
	id string
}

type pendingStream struct {
	id     string
	chunks []*models.StreamChunk
}

// streamTable accumulates chunks per stream until the end chunk arrives.
// Workers share it.
type streamTable struct {
	mu      sync.Mutex
	streams map[streamKey][]*models.StreamChunk
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[streamKey][]*models.StreamChunk)}
}

// add appends chunk to its stream. When chunk ends the stream, the
// accumulated chunks are removed and returned with done set.
func (t *streamTable) add(chunk *models.StreamChunk) ([]*models.StreamChunk, bool) {
	key := streamKey{ns: chunk.Namespace, id: chunk.ID}

	t.mu.Lock()
	defer t.mu.Unlock()

	chunks := append(t.streams[key], chunk)
	if !chunk.End {
		t.streams[key] = chunks
		return nil, false
	}
	delete(t.streams, key)
	return chunks, true
}

// drain removes every open stream, ordered by namespace then id.
func (t *streamTable) drain() []pendingStream {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]streamKey, 0, len(t.streams))
	for k := range t.streams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ns != keys[j].ns {
			return keys[i].ns < keys[j].ns
		}
		return keys[i].id < keys[j].id
	})

	out := make([]pendingStream, 0, len(keys))
	for _, k := range keys {
		out = append(out, pendingStream{id: k.id, chunks: t.streams[k]})
	}
	t.streams = make(map[streamKey][]*models.StreamChunk)
	return out
}

func (t *streamTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
