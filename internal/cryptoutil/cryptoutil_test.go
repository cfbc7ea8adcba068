package cryptoutil

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	ms, err := NewMasterSecret()
	if err != nil {
		t.Fatalf("NewMasterSecret: %v", err)
	}
	a1, err := DeriveKey(ms, PurposeAuth)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	a2, err := DeriveKey(ms, PurposeAuth)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if !bytes.Equal(a1, a2) {
		t.Fatalf("same master secret and purpose must derive identical keys")
	}
	enc, err := DeriveKey(ms, PurposeEncrypt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a1, enc) {
		t.Fatalf("different purposes must derive different keys")
	}
	if len(a1) != KeySize {
		t.Fatalf("expected %d-byte key, got %d", KeySize, len(a1))
	}
}

func TestSessionIDDeterministicAndShape(t *testing.T) {
	ms, _ := NewMasterSecret()
	id1, err := SessionID(ms)
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	id2, _ := SessionID(ms)
	if id1 != id2 {
		t.Fatalf("session id must be deterministic for a given master secret")
	}
	if len(id1) != 24 {
		t.Fatalf("expected 24-char hex session id, got %d chars: %q", len(id1), id1)
	}
}

func TestRelayTopicFormat(t *testing.T) {
	ms, _ := NewMasterSecret()
	topic := RelayTopic(ms)
	if len(topic) != len("ras-")+12 {
		t.Fatalf("expected topic of form ras-<12 hex chars>, got %q", topic)
	}
	if topic[:4] != "ras-" {
		t.Fatalf("expected ras- prefix, got %q", topic)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := DeriveKey([]byte("some master secret material, 32b"), PurposeEncrypt)
	msgs := [][]byte{
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, m := range msgs {
		enc, err := Encrypt(key, m)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		dec, err := Decrypt(key, enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(dec, m) {
			t.Fatalf("round-trip mismatch: got %v want %v", dec, m)
		}
	}
}

func TestEncryptIVsDiffer(t *testing.T) {
	key, _ := DeriveKey([]byte("some master secret material, 32b"), PurposeEncrypt)
	e1, _ := Encrypt(key, []byte("same plaintext"))
	e2, _ := Encrypt(key, []byte("same plaintext"))
	if e1 == e2 {
		t.Fatalf("two encryptions with the same key must produce different ciphertext (different IVs)")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := DeriveKey([]byte("master secret one, needs 32byte"), PurposeEncrypt)
	key2, _ := DeriveKey([]byte("master secret two, needs 32byte"), PurposeEncrypt)
	enc, _ := Encrypt(key1, []byte("secret"))
	if _, err := Decrypt(key2, enc); err == nil {
		t.Fatalf("expected decryption with wrong key to fail")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, _ := DeriveKey([]byte("some master secret material, 32b"), PurposeEncrypt)
	enc, _ := Encrypt(key, []byte("secret message"))
	raw := []byte(enc)
	raw[len(raw)-1] ^= 0xFF
	if _, err := Decrypt(key, string(raw)); err == nil {
		t.Fatalf("expected tampered ciphertext to fail decryption")
	}
}

func TestMinCiphertextSize(t *testing.T) {
	key, _ := DeriveKey([]byte("some master secret material, 32b"), PurposeEncrypt)
	short := make([]byte, MinCiphertextSize-1)
	encoded := base64.StdEncoding.EncodeToString(short)
	if _, err := Decrypt(key, encoded); err == nil {
		t.Fatalf("expected too-short ciphertext to be rejected")
	}
}

func TestComputeSignalingHMACOrder(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	h1 := ComputeSignalingHMAC(key, "session-id", 1700000000, []byte("body"))
	h2 := ComputeSignalingHMAC(key, "session-id", 1700000000, []byte("body"))
	if !bytes.Equal(h1, h2) {
		t.Fatalf("HMAC must be deterministic")
	}
	if !VerifySignalingHMAC(key, "session-id", 1700000000, []byte("body"), h1) {
		t.Fatalf("expected HMAC to verify")
	}
	if VerifySignalingHMAC(key, "session-id", 1700000001, []byte("body"), h1) {
		t.Fatalf("expected HMAC to fail to verify with a different timestamp")
	}
}

func TestPairRequestResponseHMACDomainSeparated(t *testing.T) {
	authKey := []byte("0123456789abcdef0123456789abcdef")
	nonce := bytes.Repeat([]byte{0x01}, 32)
	req := ComputePairRequestHMAC(authKey, "session-id", "device-1", nonce)
	resp := ComputePairResponseHMAC(authKey, nonce)
	if bytes.Equal(req, resp) {
		t.Fatalf("pair-request and pair-response HMACs must be domain separated")
	}
}
