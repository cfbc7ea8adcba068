// Package webrtc wraps the pion/webrtc peer-connection implementation with
// the ownership discipline described in spec.md §4.6: a single negotiated
// data channel ("ras-control", id 0, ordered+reliable) and an explicit
// owner tag that prevents a peer from being double-closed across the
// handoff between the signaling handler, the pairing coordinator, and the
// connection manager.
package webrtc

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Owner identifies which subsystem currently holds close authority over a
// Peer.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerSignalingHandler
	OwnerPairingSession
	OwnerConnectionManager
	OwnerDisposed
)

func (o Owner) String() string {
	switch o {
	case OwnerSignalingHandler:
		return "SignalingHandler"
	case OwnerPairingSession:
		return "PairingSession"
	case OwnerConnectionManager:
		return "ConnectionManager"
	case OwnerDisposed:
		return "Disposed"
	default:
		return "None"
	}
}

// dataChannelLabel and dataChannelID are the wire contract for the
// negotiated control channel: both sides must configure the identical
// label, id, ordering, and reliability.
const (
	dataChannelLabel = "ras-control"
	dataChannelID    = uint16(0)
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

// Config controls Peer construction.
type Config struct {
	STUNServers    []string
	ICEGatherTimeout time.Duration
	ConnectTimeout   time.Duration
	// InjectVPNCandidate, if non-empty, is appended to the generated answer
	// SDP as an additional host candidate (e.g. a Tailscale address), so
	// peers on an overlay network can select a direct path.
	InjectVPNCandidate string
}

func (c Config) stunServers() []string {
	if len(c.STUNServers) > 0 {
		return c.STUNServers
	}
	return defaultSTUNServers
}

func (c Config) iceGatherTimeout() time.Duration {
	if c.ICEGatherTimeout > 0 {
		return c.ICEGatherTimeout
	}
	return 10 * time.Second
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 30 * time.Second
}

// Peer wraps a single pion/webrtc PeerConnection plus the negotiated
// control data channel.
type Peer struct {
	cfg Config

	mu    sync.Mutex
	owner Owner
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel

	connectedOnce  sync.Once
	connectedCh    chan struct{}
	channelOpenCh  chan struct{}
	closedCh       chan struct{}
	closeOnce      sync.Once

	onMessage func([]byte)
	onClose   func()
}

// New constructs a Peer not yet wired to a pion PeerConnection; call
// CreateOffer or AcceptOffer to do so.
func New(cfg Config) *Peer {
	return &Peer{
		cfg:           cfg,
		owner:         OwnerSignalingHandler,
		connectedCh:   make(chan struct{}),
		channelOpenCh: make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
}

func (p *Peer) iceServers() []webrtc.ICEServer {
	urls := p.cfg.stunServers()
	return []webrtc.ICEServer{{URLs: urls}}
}

func (p *Peer) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[peer] connection state: %s", state)
		if state == webrtc.PeerConnectionStateConnected {
			p.connectedOnce.Do(func() { close(p.connectedCh) })
		}
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			p.handleClosed()
		}
	})
	return pc, nil
}

func (p *Peer) wireDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		close(p.channelOpenCh)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.handleClosed()
	})
}

// CreateOffer creates the negotiated data channel, generates an offer, sets
// it as the local description, and waits (best-effort) for ICE gathering
// to complete. Returns the offer SDP.
func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	pc, err := p.newPeerConnection()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	negotiated := true
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &dataChannelID,
		Ordered:    &ordered,
	})
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create data channel: %w", err)
	}
	p.wireDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.waitICEGather(ctx, gatherComplete)

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return local.SDP, nil
}

// AcceptOffer applies a remote SDP offer, creates the negotiated data
// channel, generates an answer, waits (best-effort) for ICE gathering, and
// returns the (possibly VPN-candidate-augmented) answer SDP.
func (p *Peer) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	pc, err := p.newPeerConnection()
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()

	negotiated := true
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &dataChannelID,
		Ordered:    &ordered,
	})
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create data channel: %w", err)
	}
	p.wireDataChannel(dc)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.waitICEGather(ctx, gatherComplete)

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("no local description after ICE gathering")
	}
	return injectVPNCandidate(local.SDP, p.cfg.InjectVPNCandidate), nil
}

func (p *Peer) waitICEGather(ctx context.Context, done <-chan struct{}) {
	timer := time.NewTimer(p.cfg.iceGatherTimeout())
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Printf("[peer] ICE gathering timed out, proceeding best-effort")
	case <-ctx.Done():
	}
}

// injectVPNCandidate appends an extra host candidate line for an overlay
// network address (e.g. Tailscale) so peers on that network can prefer a
// direct path. candidate is the full "a=candidate:..." line; empty is a
// no-op.
func injectVPNCandidate(sdp, candidate string) string {
	if candidate == "" {
		return sdp
	}
	return sdp + candidate + "\r\n"
}

// WaitConnected blocks until both the peer connection reports Connected
// and the data channel reports Open, or timeout elapses.
func (p *Peer) WaitConnected(ctx context.Context) error {
	timeout := p.cfg.connectTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-p.connectedCh:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for peer connection")
	}
	select {
	case <-p.channelOpenCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for data channel open")
	}
}

// OnMessage registers the callback invoked for every inbound data-channel
// message.
func (p *Peer) OnMessage(cb func([]byte)) {
	p.mu.Lock()
	p.onMessage = cb
	p.mu.Unlock()
}

// OnClose registers the callback invoked once the peer transitions to
// closed, from any cause.
func (p *Peer) OnClose(cb func()) {
	p.mu.Lock()
	p.onClose = cb
	p.mu.Unlock()
}

// Send writes data to the control channel. Fails if the channel is not yet
// open.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open")
	}
	return dc.Send(data)
}

// Owner returns the current owner tag.
func (p *Peer) Owner() Owner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// TransferOwnership changes the owner tag unless the peer is already
// disposed. Returns false if the transfer was refused.
func (p *Peer) TransferOwnership(newOwner Owner) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == OwnerDisposed {
		return false
	}
	p.owner = newOwner
	return true
}

// CloseByOwner closes the peer only if caller matches the current owner,
// then marks it Disposed. If caller does not match, this is a no-op with a
// warning — it prevents the double-close race between the pairing
// finalizer and the device-lifecycle owner.
func (p *Peer) CloseByOwner(caller Owner) bool {
	p.mu.Lock()
	if p.owner != caller {
		owner := p.owner
		p.mu.Unlock()
		log.Printf("[peer] close_by_owner(%s) refused: current owner is %s", caller, owner)
		return false
	}
	p.owner = OwnerDisposed
	p.mu.Unlock()
	p.doClose()
	return true
}

// Close forces the peer closed regardless of owner (legacy path). Safe to
// call multiple times.
func (p *Peer) Close() {
	p.mu.Lock()
	p.owner = OwnerDisposed
	p.mu.Unlock()
	p.doClose()
}

func (p *Peer) doClose() {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	p.handleClosed()
}

func (p *Peer) handleClosed() {
	p.closeOnce.Do(func() {
		close(p.closedCh)
		p.mu.Lock()
		cb := p.onClose
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
}

// Closed returns a channel closed once the peer is closed, from any cause.
func (p *Peer) Closed() <-chan struct{} {
	return p.closedCh
}
