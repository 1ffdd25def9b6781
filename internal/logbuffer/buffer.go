// ABOUTME: Byte-bounded in-memory store of formatted log lines
// ABOUTME: Oldest lines are evicted once the total size exceeds the budget

package logbuffer

import "sync"

// DefaultMaxBytes is the default budget for retained log text.
const DefaultMaxBytes = 10 << 20

// Buffer retains the most recent log lines within a byte budget.
type Buffer struct {
	mu       sync.Mutex
	lines    []string
	size     int
	maxBytes int
}

// New creates a Buffer. A non-positive maxBytes uses DefaultMaxBytes.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{maxBytes: maxBytes}
}

// Append adds a line and evicts from the front until the buffer fits.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line)

	drop := 0
	for b.size > b.maxBytes && drop < len(b.lines) {
		b.size -= len(b.lines[drop])
		b.lines[drop] = ""
		drop++
	}
	if drop > 0 {
		b.lines = b.lines[drop:]
	}
}

// Lines returns up to limit lines starting at offset, oldest first, along with
// the total number of retained lines. A non-positive limit returns everything
// from offset on.
func (b *Buffer) Lines(offset, limit int) ([]string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(b.lines)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []string{}, total
	}

	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	out := make([]string, end-offset)
	copy(out, b.lines[offset:end])
	return out, total
}

// Len returns the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// Size returns the number of retained bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
