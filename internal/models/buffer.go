package models

// LargeBuffer is an append-only payload assembled from many writes, used for
// layers whose payload spans several packets.
type LargeBuffer struct {
	chunks [][]byte
	n      int
}

// NewLargeBuffer returns an empty buffer.
func NewLargeBuffer() *LargeBuffer {
	return &LargeBuffer{}
}

// Write appends a copy of p.
func (b *LargeBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	b.chunks = append(b.chunks, chunk)
	b.n += len(p)
	return len(p), nil
}

// Len returns the total number of bytes written.
func (b *LargeBuffer) Len() int {
	return b.n
}

// Bytes returns the contents as one contiguous copy.
func (b *LargeBuffer) Bytes() []byte {
	out := make([]byte, 0, b.n)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Clone returns an independent copy.
func (b *LargeBuffer) Clone() *LargeBuffer {
	cp := &LargeBuffer{n: b.n, chunks: make([][]byte, len(b.chunks))}
	copy(cp.chunks, b.chunks)
	return cp
}
