// Package signaling implements the pairing/reconnection signaling envelope,
// its validator, and the handler that decrypts, validates, and routes
// inbound relay messages (§4.3, §4.5 of the daemon spec).
package signaling

// MessageType discriminates the signaling envelope's variant. Go has no
// native protobuf one-of; we model it as a tagged struct with an explicit
// Type field, matching the teacher's ws.Envelope convention.
type MessageType string

const (
	TypeOffer        MessageType = "OFFER"
	TypeAnswer       MessageType = "ANSWER"
	TypeCapabilities MessageType = "CAPABILITIES"
	TypePairRequest  MessageType = "PAIR_REQUEST"
	TypePairResponse MessageType = "PAIR_RESPONSE"
)

// Capabilities describes what a peer supports, exchanged during the
// CAPABILITIES sub-flow and attached to OFFER/ANSWER envelopes.
type Capabilities struct {
	SupportsWebRTC  bool   `json:"supports_webrtc"`
	SupportsTURN    bool   `json:"supports_turn"`
	ProtocolVersion int    `json:"protocol_version"`
	TailscaleIP     string `json:"tailscale_ip,omitempty"`
	TailscalePort   int    `json:"tailscale_port,omitempty"`
}

// PairRequest is the credential-only pair-exchange request (§4.7 flow 5).
type PairRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Nonce      []byte `json:"nonce"`
	AuthProof  []byte `json:"auth_proof"`
}

// PairResponse is the credential-only pair-exchange response.
type PairResponse struct {
	DaemonDeviceID string `json:"daemon_device_id"`
	Hostname       string `json:"hostname"`
	AuthProof      []byte `json:"auth_proof"`
}

// Envelope is the signal message envelope described in spec.md §3/§6:
// serialized as a binary schema in the source system, modeled here as a
// single JSON-tagged struct with variant-specific optional sub-payloads —
// unknown/absent fields are simply zero-valued.
type Envelope struct {
	Type         MessageType   `json:"type"`
	SessionID    string        `json:"session_id"`
	SDP          string        `json:"sdp,omitempty"`
	DeviceID     string        `json:"device_id,omitempty"`
	DeviceName   string        `json:"device_name,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	Nonce        []byte        `json:"nonce"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	PairRequest  *PairRequest  `json:"pair_request,omitempty"`
	PairResponse *PairResponse `json:"pair_response,omitempty"`
}
