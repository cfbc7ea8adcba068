package daemon

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/ras-daemon/rasd/internal/connmgr"
	"github.com/ras-daemon/rasd/internal/terminal"
)

// fakePeer is an in-memory connmgr.Peer that records every frame sent
// to it, used to assert on what router wrote without a real transport.
type fakePeer struct {
	mu   sync.Mutex
	sent [][]byte
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, append([]byte(nil), data...))
	return nil
}

func (p *fakePeer) OnMessage(func([]byte)) {}
func (p *fakePeer) OnClose(func())         {}
func (p *fakePeer) Close() error           { return nil }

func (p *fakePeer) frames(t *testing.T) []map[string]any {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, len(p.sent))
	for i, data := range p.sent {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal frame %d: %v", i, err)
		}
		out[i] = m
	}
	return out
}

func newTestRouter() (*router, *fakePeer) {
	conns := connmgr.New(0, 0)
	peer := &fakePeer{}
	conns.AddConnection("dev1", peer, "test", nil)
	return &router{conns: conns}, peer
}

func TestRouterSendToWrapsEventAndPayload(t *testing.T) {
	r, peer := newTestRouter()
	r.SendTo("dev1", "pong", map[string]string{"nonce": "abc"})

	frames := peer.frames(t)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0]["event"] != "pong" {
		t.Fatalf("got event %v, want pong", frames[0]["event"])
	}
	payload, ok := frames[0]["payload"].(map[string]any)
	if !ok || payload["nonce"] != "abc" {
		t.Fatalf("unexpected payload: %+v", frames[0]["payload"])
	}
}

func TestRouterSendToUnknownDeviceDoesNotPanic(t *testing.T) {
	r, _ := newTestRouter()
	r.SendTo("nobody", "pong", nil) // connmgr.Send errors; router only logs it
}

func TestRouterBroadcastToMultiple(t *testing.T) {
	conns := connmgr.New(0, 0)
	p1, p2 := &fakePeer{}, &fakePeer{}
	conns.AddConnection("dev1", p1, "test", nil)
	conns.AddConnection("dev2", p2, "test", nil)
	r := &router{conns: conns}

	r.BroadcastTo([]string{"dev1", "dev2"}, "session_created", map[string]string{"session_id": "s1"})

	for _, p := range []*fakePeer{p1, p2} {
		frames := p.frames(t)
		if len(frames) != 1 || frames[0]["event"] != "session_created" {
			t.Fatalf("unexpected frames for peer: %+v", frames)
		}
	}
}

func TestRouterBroadcastAllReachesEveryConnection(t *testing.T) {
	conns := connmgr.New(0, 0)
	p1, p2 := &fakePeer{}, &fakePeer{}
	conns.AddConnection("dev1", p1, "test", nil)
	conns.AddConnection("dev2", p2, "test", nil)
	r := &router{conns: conns}

	r.BroadcastAll("device_renamed", map[string]string{"name": "laptop"})

	for _, p := range []*fakePeer{p1, p2} {
		if len(p.frames(t)) != 1 {
			t.Fatalf("expected broadcast to reach every connection")
		}
	}
}

func TestToElementsPreservesModifiersAndText(t *testing.T) {
	in := []terminalElement{
		{Type: "text", Text: "ls\n"},
		{Type: "key", Modifiers: 4, Text: "c"},
	}
	out := toElements(in)
	if len(out) != 2 {
		t.Fatalf("got %d elements, want 2", len(out))
	}
	if out[0].Type != terminal.KeyType("text") || out[0].Text != "ls\n" {
		t.Fatalf("unexpected element 0: %+v", out[0])
	}
	if out[1].Modifiers != 4 || out[1].Type != terminal.KeyType("key") {
		t.Fatalf("unexpected element 1: %+v", out[1])
	}
}

func TestDaemonLastAttachedRoundTrips(t *testing.T) {
	d := &Daemon{activeSession: make(map[string]string)}

	if _, ok := d.lastAttached("dev1"); ok {
		t.Fatalf("expected no active session before attach")
	}

	d.setLastAttached("dev1", "sess-1")
	got, ok := d.lastAttached("dev1")
	if !ok || got != "sess-1" {
		t.Fatalf("got (%q, %v), want (%q, true)", got, ok, "sess-1")
	}

	d.setLastAttached("dev1", "sess-2")
	got, ok = d.lastAttached("dev1")
	if !ok || got != "sess-2" {
		t.Fatalf("re-attach did not overwrite: got (%q, %v)", got, ok)
	}
}
