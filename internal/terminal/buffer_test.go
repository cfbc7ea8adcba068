package terminal

import "testing"

func TestAppendAssignsStrictlyIncreasingSequences(t *testing.T) {
	b := NewBuffer(1024)
	c1 := b.Append([]byte("a"))
	c2 := b.Append([]byte("b"))
	if c2.Sequence != c1.Sequence+1 {
		t.Fatalf("expected strictly increasing sequences, got %d then %d", c1.Sequence, c2.Sequence)
	}
}

func TestAppendEvictsOldestOnOverflow(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 5; i++ {
		b.Append([]byte("1234"))
	}
	if b.StartSequence() == 1 {
		t.Fatalf("expected eviction to advance start sequence past the first chunk")
	}
	chunks, _ := b.Since(1)
	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	if total > 10 {
		t.Fatalf("expected retained bytes to stay under the cap, got %d", total)
	}
}

func TestSinceReportsGapWhenRequestedSequenceWasDropped(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 5; i++ {
		b.Append([]byte("1234"))
	}
	chunks, skipped := b.Since(1)
	if skipped == nil {
		t.Fatalf("expected a skipped range for a sequence older than start")
	}
	if skipped.From != 1 || skipped.To != b.StartSequence()-1 {
		t.Fatalf("unexpected skipped range: %+v", skipped)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected replay to still include retained chunks")
	}
}

func TestSinceNoGapWhenSequenceIsRetained(t *testing.T) {
	b := NewBuffer(1024)
	b.Append([]byte("a"))
	b.Append([]byte("b"))
	_, skipped := b.Since(1)
	if skipped != nil {
		t.Fatalf("expected no gap when retention was never exceeded, got %+v", skipped)
	}
}

func TestClearResetsChunksNotSequence(t *testing.T) {
	b := NewBuffer(1024)
	b.Append([]byte("a"))
	before := b.CurrentSequence()
	b.Clear()
	if b.CurrentSequence() != before {
		t.Fatalf("expected Clear to leave the sequence counter alone")
	}
	chunks, _ := b.Since(1)
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks after Clear")
	}
}
