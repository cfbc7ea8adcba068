// Package terminal implements attach/detach bookkeeping, the per-session
// circular output buffer, keystroke encoding, and output capture
// supervision (spec.md §4.12–§4.13).
package terminal

import "sync"

// DefaultMaxBytes is the default retention of the circular output buffer.
const DefaultMaxBytes = 100 * 1024

// Chunk is one appended slice of output tagged with its sequence number.
type Chunk struct {
	Sequence uint64
	Data     []byte
}

// SkippedRange describes a gap a client must be told about: sequences
// [From, To] were dropped before the client could read them.
type SkippedRange struct {
	From uint64
	To   uint64
}

// Buffer is a per-session circular byte-chunk history. Single-writer
// (the capture goroutine), multi-reader (attachments take snapshots).
type Buffer struct {
	mu         sync.Mutex
	chunks     []Chunk
	totalBytes int
	maxBytes   int
	nextSeq    uint64 // sequence to assign to the next appended chunk
}

// NewBuffer returns an empty buffer retaining at most maxBytes.
func NewBuffer(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{maxBytes: maxBytes, nextSeq: 1}
}

// Append assigns the next sequence number to data, stores it, and evicts
// the oldest chunks until the buffer is back under its byte budget.
func (b *Buffer) Append(data []byte) Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := append([]byte(nil), data...)
	chunk := Chunk{Sequence: b.nextSeq, Data: cp}
	b.nextSeq++
	b.chunks = append(b.chunks, chunk)
	b.totalBytes += len(cp)

	for b.totalBytes > b.maxBytes && len(b.chunks) > 1 {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.totalBytes -= len(evicted.Data)
	}
	return chunk
}

// StartSequence returns the sequence of the oldest retained chunk, or the
// next sequence to be assigned if the buffer is empty.
func (b *Buffer) StartSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return b.nextSeq
	}
	return b.chunks[0].Sequence
}

// CurrentSequence returns the sequence most recently assigned, or 0 if
// nothing has been appended yet.
func (b *Buffer) CurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Since returns every retained chunk with Sequence >= from. If from is
// older than the oldest retained chunk, it additionally reports the
// dropped range so the caller can render a gap marker.
func (b *Buffer) Since(from uint64) ([]Chunk, *SkippedRange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var skipped *SkippedRange
	start := b.StartSequenceLocked()
	if from < start {
		skipped = &SkippedRange{From: from, To: start - 1}
	}

	out := make([]Chunk, 0, len(b.chunks))
	for _, c := range b.chunks {
		if c.Sequence >= from {
			out = append(out, c)
		}
	}
	return out, skipped
}

// StartSequenceLocked is StartSequence for callers already holding mu.
func (b *Buffer) StartSequenceLocked() uint64 {
	if len(b.chunks) == 0 {
		return b.nextSeq
	}
	return b.chunks[0].Sequence
}

// Clear discards all retained chunks without resetting the sequence
// counter (a fresh session after a kill gets its own new Buffer instead).
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.totalBytes = 0
}
