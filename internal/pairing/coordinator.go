package pairing

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/ratelimit"
	"github.com/ras-daemon/rasd/internal/signaling"
	"github.com/ras-daemon/rasd/internal/webrtc"
)

// OnPaired is invoked from finalize once the device record is persisted
// and the peer's owner tag is set to the connection manager; the session's
// PeerTransferred flag is set, and the session moves to StateCompleted,
// only after OnPaired returns.
type OnPaired func(deviceID, deviceName string, peer *webrtc.Peer)

// Coordinator owns the set of in-flight pairing sessions and both
// transports that can carry their signaling traffic: the relay (ntfy)
// and the direct LAN HTTP endpoint.
type Coordinator struct {
	DeviceID   string // the daemon's own device id, sent in AuthSuccess
	Store      *devicestore.Store
	Caps       signaling.CapabilitiesProvider
	PeerConfig webrtc.Config
	OnPaired   OnPaired

	sessionRate *ratelimit.KeyedLimiter
	ipRate      *ratelimit.KeyedLimiter

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewCoordinator builds a Coordinator ready to start sessions and serve
// the direct signaling endpoint.
func NewCoordinator(store *devicestore.Store, caps signaling.CapabilitiesProvider, peerCfg webrtc.Config, deviceID string) *Coordinator {
	return &Coordinator{
		DeviceID:    deviceID,
		Store:       store,
		Caps:        caps,
		PeerConfig:  peerCfg,
		sessionRate: ratelimit.NewPerMinute(10),
		ipRate:      ratelimit.NewPerMinute(100),
		sessions:    make(map[string]*Session),
	}
}

// StartSession mints a new pairing session, registers it, and transitions
// it into the signaling state so it is ready to accept an OFFER.
func (c *Coordinator) StartSession() (*Session, error) {
	s, err := NewSession()
	if err != nil {
		return nil, err
	}
	if err := s.TransitionTo(StateSignaling); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sessions[s.SessionID] = s
	c.mu.Unlock()
	return s, nil
}

// Session looks up an in-flight session by id.
func (c *Coordinator) Session(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

func (c *Coordinator) forget(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// ServeHTTP implements the direct-LAN signaling endpoint, POST
// /signal/{session_id}, with per-session and per-IP rate limits (§4.7,
// §4.8). The request body is the same encrypted envelope carried over
// the relay; the response body is the encrypted reply, or 204 if the
// message produced no reply (e.g. a dropped/invalid frame).
func (c *Coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := sessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	if !c.ipRate.Allow(clientIP(r)) || !c.sessionRate.Allow(sessionID) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	session, ok := c.Session(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	reply, err := c.handleEnvelope(r.Context(), session, string(body))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if reply == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(reply))
}

// handleEnvelope is the shared relay/direct signaling path: construct a
// Handler bound to this session's keys, process the envelope, advance
// the session's state, and return the encrypted reply (empty if none).
func (c *Coordinator) handleEnvelope(ctx context.Context, session *Session, encrypted string) (string, error) {
	encryptKey, err := deriveEncryptKey(session.MasterSecret)
	if err != nil {
		return "", err
	}
	h := signaling.NewPairingHandler(encryptKey, session.SessionID, c.Store, c.Caps, c.PeerConfig)
	res, err := h.HandleMessage(ctx, encrypted)
	if err != nil {
		return "", fmt.Errorf("handle signaling envelope: %w", err)
	}
	if res == nil {
		return "", nil
	}

	if err := session.TransitionTo(StateConnecting); err != nil {
		log.Printf("[pairing] %s: %v", session.SessionID, err)
	}
	session.DeviceID = res.DeviceID
	session.DeviceName = res.DeviceName
	if res.Peer == nil {
		// Capability exchange and relay-borne pair requests never create a
		// peer; nothing to connect or authenticate.
		return res.AnswerEncrypted, nil
	}

	res.Peer.TransferOwnership(webrtc.OwnerPairingSession)
	session.Peer = res.Peer

	go c.finishAfterConnect(session)

	return res.AnswerEncrypted, nil
}

// finishAfterConnect waits for the WebRTC peer to finish ICE/DTLS/SCTP
// negotiation and the data channel to open, then runs the auth handshake
// and finalizes the session.
func (c *Coordinator) finishAfterConnect(session *Session) {
	peer := session.Peer
	if peer == nil {
		c.fail(session, "no peer after signaling")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ConnectingTimeout)
	defer cancel()
	if err := peer.WaitConnected(ctx); err != nil {
		c.fail(session, fmt.Sprintf("peer did not connect: %v", err))
		return
	}

	if err := session.TransitionTo(StateAuthenticating); err != nil {
		c.fail(session, err.Error())
		return
	}

	if err := c.runAuth(session, peer); err != nil {
		c.fail(session, fmt.Sprintf("auth handshake failed: %v", err))
		return
	}

	if err := session.TransitionTo(StateAuthenticated); err != nil {
		c.fail(session, err.Error())
		return
	}

	c.finalize(session, peer)
}

func (c *Coordinator) runAuth(session *Session, peer *webrtc.Peer) error {
	recv := make(chan []byte, 8)
	peer.OnMessage(func(b []byte) {
		select {
		case recv <- b:
		default:
		}
	})
	handler := NewAuthHandler(session.AuthKey, c.DeviceID)
	ctx, cancel := context.WithTimeout(context.Background(), AuthTimeout)
	defer cancel()
	return handler.RunHandshake(ctx, peer, recv)
}

// finalize persists the paired device, transfers peer ownership to the
// connection manager (via OnPaired), marks peer_transferred, and only
// then moves the session to Completed — the strict ordering spec.md
// requires so a concurrent cleanup sweep never races a half-transferred
// peer.
func (c *Coordinator) finalize(session *Session, peer *webrtc.Peer) {
	if err := c.Store.AddDevice(session.DeviceID, session.DeviceName, session.MasterSecret); err != nil {
		c.fail(session, fmt.Sprintf("persist device: %v", err))
		return
	}

	peer.TransferOwnership(webrtc.OwnerConnectionManager)
	if c.OnPaired != nil {
		c.OnPaired(session.DeviceID, session.DeviceName, peer)
	}
	session.PeerTransferred = true

	if err := session.TransitionTo(StateCompleted); err != nil {
		log.Printf("[pairing] %s: %v", session.SessionID, err)
	}
	session.Zeroize()
	c.forget(session.SessionID)
}

func (c *Coordinator) fail(session *Session, reason string) {
	log.Printf("[pairing] %s failed: %s", session.SessionID, reason)
	if !session.PeerTransferred && session.Peer != nil {
		session.Peer.CloseByOwner(webrtc.OwnerPairingSession)
	}
	_ = session.TransitionTo(StateFailed)
	session.Zeroize()
	c.forget(session.SessionID)
}

// ExpireStale scans all in-flight sessions and fails any that have
// exceeded their current state's cumulative timeout. Intended to be
// called periodically from the daemon's keep-alive loop.
func (c *Coordinator) ExpireStale(now time.Time) {
	c.mu.Lock()
	var stale []*Session
	for _, s := range c.sessions {
		if s.IsExpired(now) {
			stale = append(stale, s)
		}
	}
	c.mu.Unlock()

	for _, s := range stale {
		c.fail(s, "timed out")
	}
}

func deriveEncryptKey(masterSecret []byte) ([]byte, error) {
	return cryptoutil.DeriveKey(masterSecret, cryptoutil.PurposeEncrypt)
}

func sessionIDFromPath(path string) string {
	const prefix = "/signal/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return ""
	}
	return path[len(prefix):]
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// RelayPublisher is the subset of *ntfy.Client the coordinator needs to
// answer a relay-sourced envelope; satisfied directly by *ntfy.Client.
type RelayPublisher interface {
	Publish(ctx context.Context, payload string) bool
}

// HandleRelayMessage processes one envelope received over the relay
// topic for session and publishes any reply back to the same topic.
func (c *Coordinator) HandleRelayMessage(ctx context.Context, session *Session, publisher RelayPublisher, encrypted string) {
	reply, err := c.handleEnvelope(ctx, session, encrypted)
	if err != nil {
		log.Printf("[pairing] %s: relay envelope error: %v", session.SessionID, err)
		return
	}
	if reply == "" {
		return
	}
	if ok := publisher.Publish(ctx, reply); !ok {
		log.Printf("[pairing] %s: failed to publish relay reply", session.SessionID)
	}
}
