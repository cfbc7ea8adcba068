// Package pairing implements the pairing coordinator (spec.md §4.7): QR
// issuance, the pairing-session state machine, the direct-HTTP signaling
// endpoint, and the data-channel auth-handshake driver. Credential-only
// pair requests that arrive through signaling are accepted without
// creating a peer, but are not verified, persisted, or answered.
package pairing

import (
	"fmt"
	"time"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

// State is a pairing session's lifecycle state.
type State string

const (
	StatePending        State = "pending"
	StateSignaling      State = "signaling"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
)

// Timeout chain from spec.md §3/§5, cumulative from CreatedAt.
const (
	QRTimeout         = 300 * time.Second
	SignalingTimeout  = 30 * time.Second
	ConnectingTimeout = 30 * time.Second
	AuthTimeout       = 10 * time.Second
)

var validTransitions = map[State]map[State]bool{
	StatePending:        {StateSignaling: true, StateFailed: true, StateExpired: true},
	StateSignaling:      {StateConnecting: true, StateFailed: true, StateExpired: true},
	StateConnecting:     {StateAuthenticating: true, StateFailed: true, StateExpired: true},
	StateAuthenticating: {StateAuthenticated: true, StateFailed: true, StateExpired: true},
	StateAuthenticated:  {StateCompleted: true, StateFailed: true},
	StateCompleted:      {},
	StateFailed:         {},
	StateExpired:        {},
}

// Session is a single in-flight pairing attempt.
type Session struct {
	SessionID    string
	MasterSecret []byte
	AuthKey      []byte
	NtfyTopic    string
	CreatedAt    time.Time
	ExpiresAt    time.Time

	state State

	DeviceID   string
	DeviceName string
	Peer       *webrtc.Peer

	// PeerTransferred is a hard invariant (spec.md §3, §8): cleanup must
	// consult this flag and never close a peer whose ownership has already
	// been transferred. It must be set true strictly before State becomes
	// Completed.
	PeerTransferred bool
}

// NewSession mints a new pairing session: a random master secret, its
// derived auth key and session id, and the relay topic.
func NewSession() (*Session, error) {
	masterSecret, err := cryptoutil.NewMasterSecret()
	if err != nil {
		return nil, fmt.Errorf("generate master secret: %w", err)
	}
	return NewSessionFromSecret(masterSecret)
}

// NewSessionFromSecret builds a Session from a pre-existing master secret,
// used by tests and by any path that needs to reconstruct the session
// deterministically.
func NewSessionFromSecret(masterSecret []byte) (*Session, error) {
	authKey, err := cryptoutil.DeriveKey(masterSecret, cryptoutil.PurposeAuth)
	if err != nil {
		return nil, fmt.Errorf("derive auth key: %w", err)
	}
	sessionID, err := cryptoutil.SessionID(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("derive session id: %w", err)
	}
	now := time.Now()
	return &Session{
		SessionID:    sessionID,
		MasterSecret: masterSecret,
		AuthKey:      authKey,
		NtfyTopic:    cryptoutil.RelayTopic(masterSecret),
		CreatedAt:    now,
		ExpiresAt:    now.Add(QRTimeout),
		state:        StatePending,
	}, nil
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// TransitionTo validates and applies a state change, per the transition
// table above.
func (s *Session) TransitionTo(newState State) error {
	allowed, ok := validTransitions[s.state]
	if !ok || !allowed[newState] {
		return fmt.Errorf("invalid pairing transition: %s -> %s", s.state, newState)
	}
	s.state = newState
	return nil
}

// IsExpired checks elapsed time against the cumulative timeout for the
// session's current state.
func (s *Session) IsExpired(now time.Time) bool {
	elapsed := now.Sub(s.CreatedAt)
	switch s.state {
	case StatePending:
		return elapsed > QRTimeout
	case StateSignaling:
		return elapsed > QRTimeout+SignalingTimeout
	case StateConnecting:
		return elapsed > QRTimeout+SignalingTimeout+ConnectingTimeout
	case StateAuthenticating:
		return elapsed > QRTimeout+SignalingTimeout+ConnectingTimeout+AuthTimeout
	default:
		return false
	}
}

// Zeroize overwrites the secret buffers with zeros and clears the peer
// reference, per the secret-hygiene requirement in spec.md §4.7.
func (s *Session) Zeroize() {
	zero(s.MasterSecret)
	zero(s.AuthKey)
	s.Peer = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
