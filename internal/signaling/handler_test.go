package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

func testStore(t *testing.T) *devicestore.Store {
	t.Helper()
	s, err := devicestore.Open(t.TempDir() + "/devices.yaml")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestHandleMessageSilentOnBadCiphertext(t *testing.T) {
	key, _ := cryptoutil.NewMasterSecret()
	h := NewPairingHandler(key, "session-123", testStore(t), nil, webrtc.Config{})
	res, err := h.HandleMessage(context.Background(), "not-valid-base64-ciphertext")
	if err != nil {
		t.Fatalf("expected no error (silent failure), got %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result on decryption failure")
	}
}

func TestHandleMessageReconnectionSilentOnUnknownDevice(t *testing.T) {
	ms, _ := cryptoutil.NewMasterSecret()
	key, _ := cryptoutil.DeriveKey(ms, cryptoutil.PurposeEncrypt)
	store := testStore(t)
	h := NewReconnectionHandler(store, nil, webrtc.Config{})
	h.encryptKey = key

	env := Envelope{
		Type:       TypeOffer,
		SessionID:  "",
		SDP:        "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
		DeviceID:   "unknown-device",
		DeviceName: "Phone",
		Timestamp:  1700000000,
		Nonce:      make([]byte, 16),
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ciphertext, _ := cryptoutil.Encrypt(key, plaintext)

	res, err := h.HandleMessage(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result for unknown device in reconnection mode")
	}
}
