package noncecache

import (
	"sync"
	"testing"
)

func TestCheckAndAddRejectsReplay(t *testing.T) {
	c := New(0)
	n := []byte("0123456789abcdef")
	if !c.CheckAndAdd(n) {
		t.Fatalf("first insert should succeed")
	}
	if c.CheckAndAdd(n) {
		t.Fatalf("second insert of the same nonce should be rejected as a replay")
	}
}

func TestFIFOEviction(t *testing.T) {
	c := New(2)
	a, b, d := []byte("aaaaaaaaaaaaaaaa"), []byte("bbbbbbbbbbbbbbbb"), []byte("dddddddddddddddd")
	c.CheckAndAdd(a)
	c.CheckAndAdd(b)
	// Capacity 2 reached; inserting a third evicts "a" (the oldest).
	c.CheckAndAdd(d)
	if c.HasSeen(a) {
		t.Fatalf("expected oldest nonce to have been evicted")
	}
	if !c.HasSeen(b) || !c.HasSeen(d) {
		t.Fatalf("expected the two most recent nonces to remain")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache to stay at capacity 2, got %d", c.Len())
	}
}

func TestCheckAndAddConcurrent(t *testing.T) {
	c := New(1000)
	n := []byte("concurrent-nonce")
	var wg sync.WaitGroup
	accepted := make([]bool, 50)
	for i := range accepted {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			accepted[i] = c.CheckAndAdd(n)
		}(i)
	}
	wg.Wait()
	count := 0
	for _, ok := range accepted {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one concurrent CheckAndAdd to succeed, got %d", count)
	}
}

func TestClear(t *testing.T) {
	c := New(0)
	n := []byte("0123456789abcdef")
	c.CheckAndAdd(n)
	c.Clear()
	if c.HasSeen(n) {
		t.Fatalf("expected nonce cache to be empty after Clear")
	}
	if !c.CheckAndAdd(n) {
		t.Fatalf("expected nonce to be insertable again after Clear")
	}
}
