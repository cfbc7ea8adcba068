package pairing

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
)

// qrPayloadVersion is the only protocol version the wire format supports
// today. Everything but version and the master secret is derived by the
// peer from the secret itself, so the QR payload stays tiny and the
// daemon's address never needs to be burned into it.
const qrPayloadVersion = 1

// EncodeQRPayload builds the base64 string embedded in the pairing QR
// code: a single version byte followed by the 32-byte master secret.
func EncodeQRPayload(masterSecret []byte) (string, error) {
	if len(masterSecret) != cryptoutil.MasterSecretSize {
		return "", fmt.Errorf("master secret must be %d bytes, got %d", cryptoutil.MasterSecretSize, len(masterSecret))
	}
	payload := make([]byte, 1+len(masterSecret))
	payload[0] = qrPayloadVersion
	copy(payload[1:], masterSecret)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeQRPayload parses a scanned QR payload back into a master secret.
func DecodeQRPayload(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode QR payload: %w", err)
	}
	if len(raw) != 1+cryptoutil.MasterSecretSize {
		return nil, fmt.Errorf("QR payload has unexpected length %d", len(raw))
	}
	if raw[0] != qrPayloadVersion {
		return nil, fmt.Errorf("unsupported QR payload version %d", raw[0])
	}
	secret := make([]byte, cryptoutil.MasterSecretSize)
	copy(secret, raw[1:])
	return secret, nil
}

// RenderTerminalQR returns the session's pairing payload rendered as a
// small ASCII QR code suitable for direct terminal display.
func (s *Session) RenderTerminalQR() (string, error) {
	payload, err := EncodeQRPayload(s.MasterSecret)
	if err != nil {
		return "", err
	}
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("build QR code: %w", err)
	}
	return qr.ToSmallString(false), nil
}
