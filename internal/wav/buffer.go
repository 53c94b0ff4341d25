package wav

import "sync"

// Buffer accumulates the binary audio fragments of one generation. Append
// order is arrival order and defines sample order; no reordering or
// deduplication is applied.
type Buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	total  int
}

// NewBuffer returns an empty chunk buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append copies chunk onto the end of the buffer.
func (b *Buffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.total += len(c)
	b.mu.Unlock()
}

// Len returns the number of appended chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// TotalBytes returns the sum of all appended chunk lengths.
func (b *Buffer) TotalBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Reset discards all accumulated chunks.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.chunks = nil
	b.total = 0
	b.mu.Unlock()
}

// Finalize synthesizes a container header over the accumulated data and
// returns header plus all chunks concatenated in arrival order. The buffer is
// left untouched; callers finalize once and then freeze the owning generation.
func (b *Buffer) Finalize(p Params) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	head, err := SynthesizeHeader(b.total, p)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderSize+b.total)
	out = append(out, head...)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out, nil
}
