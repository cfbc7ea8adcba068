package webrtc

import "testing"

func TestOwnershipTransfer(t *testing.T) {
	p := New(Config{})
	if p.Owner() != OwnerSignalingHandler {
		t.Fatalf("expected initial owner SignalingHandler, got %s", p.Owner())
	}
	if !p.TransferOwnership(OwnerPairingSession) {
		t.Fatalf("expected transfer to succeed")
	}
	if p.Owner() != OwnerPairingSession {
		t.Fatalf("expected owner PairingSession, got %s", p.Owner())
	}
}

func TestCloseByWrongOwnerIsNoOp(t *testing.T) {
	p := New(Config{})
	p.TransferOwnership(OwnerPairingSession)
	if p.CloseByOwner(OwnerSignalingHandler) {
		t.Fatalf("expected close by a non-owner to be refused")
	}
	if p.Owner() == OwnerDisposed {
		t.Fatalf("expected owner to remain unchanged after a refused close")
	}
}

func TestCloseByCorrectOwnerDisposes(t *testing.T) {
	p := New(Config{})
	p.TransferOwnership(OwnerConnectionManager)
	if !p.CloseByOwner(OwnerConnectionManager) {
		t.Fatalf("expected close by the current owner to succeed")
	}
	if p.Owner() != OwnerDisposed {
		t.Fatalf("expected owner Disposed after close, got %s", p.Owner())
	}
}

func TestTransferOwnershipRefusedAfterDisposed(t *testing.T) {
	p := New(Config{})
	p.Close()
	if p.TransferOwnership(OwnerConnectionManager) {
		t.Fatalf("expected transfer to be refused once disposed")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := New(Config{})
	p.Close()
	p.Close() // must not panic
	select {
	case <-p.Closed():
	default:
		t.Fatalf("expected Closed() channel to be closed")
	}
}
