package pairing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/rerr"
)

// AuthNonceSize is the size of the nonces exchanged during the data
// channel auth handshake. Deliberately larger than the signaling nonce:
// this value is never transmitted alongside a timestamp window, so it
// carries the full replay-resistance burden on its own.
const AuthNonceSize = 32

// authMessageType tags each frame of the 4-message data-channel
// handshake: AuthChallenge -> AuthResponse -> AuthVerify -> AuthSuccess,
// with AuthError usable at any point before success.
type authMessageType string

const (
	authChallenge authMessageType = "challenge"
	authResponse  authMessageType = "response"
	authVerify    authMessageType = "verify"
	authSuccess   authMessageType = "success"
	authErrorMsg  authMessageType = "error"
)

type authFrame struct {
	Type     authMessageType `json:"type"`
	Nonce    []byte          `json:"nonce,omitempty"`
	HMAC     []byte          `json:"hmac,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Code     string          `json:"code,omitempty"`
}

// AuthHandler drives the server side of the mutual-authentication
// handshake over an already-open WebRTC data channel (§4.7 flow 4).
type AuthHandler struct {
	authKey  []byte
	deviceID string
}

// NewAuthHandler builds a handler that proves knowledge of authKey and,
// on success, announces the daemon's own device id to the peer.
func NewAuthHandler(authKey []byte, deviceID string) *AuthHandler {
	return &AuthHandler{authKey: authKey, deviceID: deviceID}
}

// Transport is the minimal send surface the handshake needs (inbound
// frames arrive on RunHandshake's recv channel); internal/webrtc.Peer and
// any mock satisfy it directly.
type Transport interface {
	Send(data []byte) error
}

// RunHandshake executes the 4-message protocol against recv, a
// channel-backed source of inbound frames, and returns nil only on full
// mutual authentication. It always completes (success, a *rerr.Error, or
// ctx's deadline) within AuthTimeout.
func (h *AuthHandler) RunHandshake(ctx context.Context, transport Transport, recv <-chan []byte) error {
	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	serverNonce, err := cryptoutil.NewNonce(AuthNonceSize)
	if err != nil {
		return fmt.Errorf("generate server nonce: %w", err)
	}
	if err := h.send(transport, authFrame{Type: authChallenge, Nonce: serverNonce}); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	var response authFrame
	select {
	case <-ctx.Done():
		h.sendError(transport, rerr.CodeTimeout)
		return rerr.New(rerr.CodeTimeout, "auth handshake timed out waiting for response")
	case raw, ok := <-recv:
		if !ok {
			h.sendError(transport, rerr.CodeProtocolError)
			return rerr.New(rerr.CodeProtocolError, "data channel closed during handshake")
		}
		if err := json.Unmarshal(raw, &response); err != nil {
			h.sendError(transport, rerr.CodeProtocolError)
			return rerr.New(rerr.CodeProtocolError, "malformed auth response")
		}
	}

	if response.Type != authResponse {
		h.sendError(transport, rerr.CodeProtocolError)
		return rerr.New(rerr.CodeProtocolError, fmt.Sprintf("expected auth response, got %q", response.Type))
	}
	if len(response.Nonce) != AuthNonceSize {
		h.sendError(transport, rerr.CodeInvalidNonce)
		return rerr.New(rerr.CodeInvalidNonce, "invalid client nonce length")
	}
	if !cryptoutil.VerifyHMAC(h.authKey, response.HMAC, serverNonce) {
		h.sendError(transport, rerr.CodeInvalidHMAC)
		return rerr.New(rerr.CodeInvalidHMAC, "client HMAC verification failed")
	}
	clientNonce := response.Nonce

	serverHMAC := cryptoutil.ComputeHMAC(h.authKey, clientNonce)
	if err := h.send(transport, authFrame{Type: authVerify, HMAC: serverHMAC}); err != nil {
		return fmt.Errorf("send verify: %w", err)
	}

	if err := h.send(transport, authFrame{Type: authSuccess, DeviceID: h.deviceID}); err != nil {
		return fmt.Errorf("send success: %w", err)
	}
	return nil
}

func (h *AuthHandler) send(transport Transport, f authFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return transport.Send(b)
}

func (h *AuthHandler) sendError(transport Transport, code string) {
	_ = h.send(transport, authFrame{Type: authErrorMsg, Code: code})
}
