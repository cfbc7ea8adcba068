// Package cryptoutil implements the daemon's crypto primitives: HKDF-SHA256
// key derivation, constant-time HMAC compute/verify, AES-256-GCM symmetric
// encryption, and the session-id/relay-topic derivation rules that every
// paired client depends on bit-for-bit.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length in bytes of every derived key.
	KeySize = 32
	// MasterSecretSize is the length of the pairing master secret.
	MasterSecretSize = 32
	// NonceSize is the length of a signaling/auth nonce.
	NonceSize = 16
	// GCMIVSize is the length of the AES-GCM IV (never reused with the same key).
	GCMIVSize = 12
	// GCMTagSize is the length of the AES-GCM authentication tag.
	GCMTagSize = 16
	// MinCiphertextSize is IV + tag; anything shorter cannot possibly decrypt.
	MinCiphertextSize = GCMIVSize + GCMTagSize
)

// Purpose labels bound into HKDF's info parameter. These are wire contracts:
// every paired client derives the same key from the same label.
const (
	PurposeAuth      = "auth"
	PurposeEncrypt   = "encrypt"
	PurposeNtfy      = "ntfy"
	PurposeSignaling = "signaling"
	purposeSession   = "session"
)

// DeriveKey derives a 32-byte key from masterSecret via HKDF-SHA256 with an
// empty salt and the ASCII purpose label as info.
func DeriveKey(masterSecret []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := fillFromReader(r, key); err != nil {
		return nil, fmt.Errorf("derive key %q: %w", purpose, err)
	}
	return key, nil
}

func fillFromReader(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read")
		}
	}
	return total, nil
}

// SessionID derives the session identifier deterministically from the
// master secret: HKDF(master_secret, "session")[:12], hex-encoded to a
// 24-character string. See the Open Question in SPEC_FULL.md/spec.md §9 —
// this is the on-wire form existing paired clients accept.
func SessionID(masterSecret []byte) (string, error) {
	r := hkdf.New(sha256.New, masterSecret, nil, []byte(purposeSession))
	raw := make([]byte, 12)
	if _, err := fillFromReader(r, raw); err != nil {
		return "", fmt.Errorf("derive session id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// RelayTopic derives the ntfy-style pub/sub topic: "ras-" plus the first 6
// bytes of SHA256(master_secret), hex-encoded.
func RelayTopic(masterSecret []byte) string {
	sum := sha256.Sum256(masterSecret)
	return "ras-" + hex.EncodeToString(sum[:6])
}

// NewMasterSecret generates 32 uniformly random bytes.
func NewMasterSecret() ([]byte, error) {
	buf := make([]byte, MasterSecretSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	return buf, nil
}

// NewNonce generates n random bytes, used for both 16-byte signaling nonces
// and 32-byte auth-handshake nonces.
func NewNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return buf, nil
}

// ComputeHMAC returns HMAC-SHA256(key, data...) with each argument
// concatenated in order.
func ComputeHMAC(key []byte, data ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	for _, d := range data {
		mac.Write(d)
	}
	return mac.Sum(nil)
}

// VerifyHMAC compares expected against ComputeHMAC(key, data...) in
// constant time.
func VerifyHMAC(key, expected []byte, data ...[]byte) bool {
	got := ComputeHMAC(key, data...)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// BigEndianTimestamp renders a unix-second timestamp as an 8-byte
// big-endian integer, the form used throughout the HMAC wire contracts.
func BigEndianTimestamp(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	return buf
}

// ComputeSignalingHMAC concatenates UTF-8(session_id), big-endian 64-bit
// timestamp, then body, in that exact order — deviating breaks every
// existing mobile client.
func ComputeSignalingHMAC(key []byte, sessionID string, timestamp int64, body []byte) []byte {
	return ComputeHMAC(key, []byte(sessionID), BigEndianTimestamp(timestamp), body)
}

// VerifySignalingHMAC verifies a signaling HMAC in constant time.
func VerifySignalingHMAC(key []byte, sessionID string, timestamp int64, body, expected []byte) bool {
	got := ComputeSignalingHMAC(key, sessionID, timestamp, body)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// Pair-exchange domain separation prefixes: request and response HMACs must
// not be confusable with one another or with the signaling HMAC.
const (
	domainPairRequest  = "pair-request"
	domainPairResponse = "pair-response"
)

// ComputePairRequestHMAC computes auth_proof = HMAC(auth_key, "pair-request", session_id, device_id, nonce).
func ComputePairRequestHMAC(authKey []byte, sessionID, deviceID string, nonce []byte) []byte {
	return ComputeHMAC(authKey, []byte(domainPairRequest), []byte(sessionID), []byte(deviceID), nonce)
}

// VerifyPairRequestHMAC verifies a pair-request auth_proof in constant time.
func VerifyPairRequestHMAC(authKey []byte, sessionID, deviceID string, nonce, expected []byte) bool {
	got := ComputePairRequestHMAC(authKey, sessionID, deviceID, nonce)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// ComputePairResponseHMAC computes auth_proof = HMAC(auth_key, "pair-response", nonce).
func ComputePairResponseHMAC(authKey []byte, nonce []byte) []byte {
	return ComputeHMAC(authKey, []byte(domainPairResponse), nonce)
}

// VerifyPairResponseHMAC verifies a pair-response auth_proof in constant time.
func VerifyPairResponseHMAC(authKey, nonce, expected []byte) bool {
	got := ComputePairResponseHMAC(authKey, nonce)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// Encrypt performs AES-256-GCM with a fresh random 12-byte IV. Wire format
// is IV ∥ ciphertext ∥ tag, base64-encoded.
func Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMIVSize)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	iv := make([]byte, GCMIVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails on a wrong key, a tampered ciphertext,
// or a payload shorter than MinCiphertextSize.
func Decrypt(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < MinCiphertextSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(raw))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, GCMIVSize)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	iv, ciphertext := raw[:GCMIVSize], raw[GCMIVSize:]
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
