package signaling

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

// CapabilitiesProvider supplies the local capability set advertised in
// ANSWER and CAPABILITIES responses.
type CapabilitiesProvider func() Capabilities

// Result is returned by Handler.HandleMessage on a successful inbound
// envelope that requires a reply.
type Result struct {
	AnswerEncrypted    string
	DeviceID           string
	DeviceName         string
	Peer               *webrtc.Peer
	IsReconnection     bool
	IsCapabilityExchange bool
}

// Handler decrypts, validates, and routes inbound relay envelopes (§4.5).
// It operates in one of two modes, fixed at construction: pairing mode is
// bound to a specific session id (minted from the QR flow); reconnection
// mode has an empty session id and instead looks the envelope's device_id
// up in the device store.
type Handler struct {
	encryptKey   []byte
	sessionID    string // empty in reconnection mode
	reconnection bool

	stores  *devicestore.Store
	caps    CapabilitiesProvider
	peerCfg webrtc.Config

	validator *Validator

	peer *webrtc.Peer
}

// NewPairingHandler builds a Handler bound to a specific pairing session.
func NewPairingHandler(encryptKey []byte, sessionID string, stores *devicestore.Store, caps CapabilitiesProvider, peerCfg webrtc.Config) *Handler {
	return &Handler{
		encryptKey: encryptKey,
		sessionID:  sessionID,
		stores:     stores,
		caps:       caps,
		peerCfg:    peerCfg,
		validator:  NewValidator(),
	}
}

// NewReconnectionHandler builds a Handler that accepts reconnection
// requests from any previously paired device.
func NewReconnectionHandler(stores *devicestore.Store, caps CapabilitiesProvider, peerCfg webrtc.Config) *Handler {
	return &Handler{
		reconnection: true,
		stores:       stores,
		caps:         caps,
		peerCfg:      peerCfg,
		validator:    NewValidator(),
	}
}

// HandleMessage decrypts and processes one inbound envelope. All failures
// (decryption, parsing, validation, device lookup, peer creation) are
// silent by design — this is a security property (no oracle) and a hard
// test assertion — so a nil, nil return means "drop, no response".
func (h *Handler) HandleMessage(ctx context.Context, encrypted string) (*Result, error) {
	key := h.encryptKey
	expectedSession := h.sessionID

	var env Envelope
	if h.reconnection {
		// In reconnection mode we don't know the device (and thus the
		// per-device encrypt key) until after a first, unauthenticated
		// parse of the plaintext envelope is impossible — so reconnection
		// handlers are constructed per-device by the caller with that
		// device's derived encrypt key already set. Pairing handlers pass
		// their key at construction.
		key = h.encryptKey
	}

	plaintext, err := cryptoutil.Decrypt(key, encrypted)
	if err != nil {
		return nil, nil // silent: decryption failure
	}
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, nil // silent: malformed envelope
	}

	if env.Type == TypeCapabilities {
		return h.handleCapabilities(&env)
	}

	isReconnectionRequest := env.SessionID == ""
	if isReconnectionRequest != h.reconnection {
		return nil, nil // silent: mode mismatch
	}

	if env.Type == TypePairRequest {
		return h.handlePairRequest(&env)
	}

	if env.Type != TypeOffer {
		return nil, nil
	}

	if err := h.validator.Validate(&env, expectedSession, TypeOffer); err != nil {
		return nil, nil // silent: validation failure
	}

	var deviceName string
	if h.reconnection {
		dev, ok := h.stores.Get(env.DeviceID)
		if !ok {
			return nil, nil // silent: unknown device
		}
		deviceName = dev.DisplayName
	} else {
		deviceName = SanitizeDeviceName(env.DeviceName)
	}

	peer := webrtc.New(h.peerCfg)
	answerSDP, err := peer.AcceptOffer(ctx, env.SDP)
	if err != nil {
		log.Printf("[signaling] accept offer failed: %v", err)
		return nil, nil // silent: peer-creation failure
	}
	h.peer = peer

	caps := Capabilities{SupportsWebRTC: true, SupportsTURN: false, ProtocolVersion: 1}
	if h.caps != nil {
		c := h.caps()
		caps.TailscaleIP = c.TailscaleIP
		caps.TailscalePort = c.TailscalePort
	}

	answerEnv := Envelope{
		Type:         TypeAnswer,
		SessionID:    expectedSession,
		SDP:          answerSDP,
		Timestamp:    time.Now().Unix(),
		Nonce:        mustNonce(),
		Capabilities: &caps,
	}
	answerBytes, err := json.Marshal(answerEnv)
	if err != nil {
		return nil, nil
	}
	answerEncrypted, err := cryptoutil.Encrypt(key, answerBytes)
	if err != nil {
		return nil, nil
	}

	return &Result{
		AnswerEncrypted: answerEncrypted,
		DeviceID:        env.DeviceID,
		DeviceName:      deviceName,
		Peer:            peer,
		IsReconnection:  h.reconnection,
	}, nil
}

// handleCapabilities implements the reconnection-only CAPABILITIES
// sub-flow: no peer is created; the request is validated with a reduced
// set of checks (timestamp window and nonce length only).
func (h *Handler) handleCapabilities(env *Envelope) (*Result, error) {
	if !h.reconnection {
		return nil, nil // silent: only valid in reconnection mode
	}
	now := time.Now().Unix()
	delta := now - env.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if env.Timestamp <= 0 || delta > timestampWindowSeconds {
		return nil, nil
	}
	if len(env.Nonce) != cryptoutil.NonceSize {
		return nil, nil
	}

	caps := Capabilities{SupportsWebRTC: true, SupportsTURN: false, ProtocolVersion: 1}
	if h.caps != nil {
		c := h.caps()
		caps.TailscaleIP = c.TailscaleIP
		caps.TailscalePort = c.TailscalePort
	}
	respEnv := Envelope{
		Type:         TypeCapabilities,
		SessionID:    env.SessionID,
		Timestamp:    now,
		Nonce:        mustNonce(),
		Capabilities: &caps,
	}
	b, err := json.Marshal(respEnv)
	if err != nil {
		return nil, nil
	}
	enc, err := cryptoutil.Encrypt(h.encryptKey, b)
	if err != nil {
		return nil, nil
	}
	return &Result{AnswerEncrypted: enc, IsCapabilityExchange: true, IsReconnection: true}, nil
}

// handlePairRequest accepts a credential-only pair request (spec.md §4.7
// flow 5) and returns its device id and name in a Result with no peer and
// no encrypted reply. It does not check AuthProof or build a PairResponse,
// and the pairing coordinator that consumes the Result does neither and
// writes no device record for it.
func (h *Handler) handlePairRequest(env *Envelope) (*Result, error) {
	if env.PairRequest == nil {
		return nil, nil
	}
	return &Result{DeviceID: env.PairRequest.DeviceID, DeviceName: env.PairRequest.DeviceName}, nil
}

func mustNonce() []byte {
	n, err := cryptoutil.NewNonce(cryptoutil.NonceSize)
	if err != nil {
		return make([]byte, cryptoutil.NonceSize)
	}
	return n
}

// TakePeer clears the handler's internal peer reference and returns it,
// transferring close responsibility to the caller. After this call,
// Close() on the handler is a no-op.
func (h *Handler) TakePeer() *webrtc.Peer {
	p := h.peer
	h.peer = nil
	return p
}

// Close releases any peer the handler still owns. No-op if TakePeer has
// already been called.
func (h *Handler) Close() {
	if h.peer != nil {
		h.peer.CloseByOwner(webrtc.OwnerSignalingHandler)
		h.peer = nil
	}
}
