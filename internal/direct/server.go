// Package direct implements the LAN-direct WebSocket reconnection
// transport (spec.md §4.8): GET /ws/{device_id}, authenticated by an
// HMAC-over-device-id handshake frame rather than a bearer token.
package direct

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ras-daemon/rasd/internal/connmgr"
	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
	"github.com/ras-daemon/rasd/internal/logger"
)

// wsCloseAuthFailed is the close code spec.md §4.8 mandates for any
// authentication failure on the LAN-direct handshake.
const wsCloseAuthFailed websocket.StatusCode = 4001

const timestampWindow = 30 * time.Second

// LanDirectAuthRequest is the first binary frame a reconnecting device
// must send.
type LanDirectAuthRequest struct {
	DeviceID     string `json:"device_id"`
	Timestamp    int64  `json:"timestamp"`
	SignatureHex string `json:"signature_hex"`
}

// LanDirectAuthResponse is the daemon's reply once the handshake frame
// checks out.
type LanDirectAuthResponse struct {
	Status string `json:"status"`
}

// Server is the LAN-direct WebSocket listener.
type Server struct {
	Store *devicestore.Store
	Conns *connmgr.Manager

	// Pairing, if set, is mounted at POST /signal/{session_id} to carry
	// the direct (non-relay) pairing signaling flow over the same
	// listener as the reconnection socket (spec.md §4.7 flow 2).
	Pairing http.Handler

	mu       sync.Mutex
	listener net.Listener
}

// Start begins listening on addr and serving GET /ws/{device_id} plus,
// if Pairing is set, POST /signal/{session_id}.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{device_id}", s.handleConnect)
	if s.Pairing != nil {
		mux.Handle("/signal/", s.Pairing)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("direct listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("direct server listening", "addr", addr)
	return http.Serve(ln, mux)
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	dev, ok := s.Store.Get(deviceID)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("direct websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(512 * 1024)

	ctx := r.Context()
	if !s.authenticate(ctx, conn, dev) {
		return
	}

	peer := newWSPeer(conn)
	s.Conns.AddConnection(deviceID, peer, "direct-ws", nil)
}

// authenticate reads the first frame, validates it, and replies. On any
// failure it closes with wsCloseAuthFailed and returns false.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, dev devicestore.Device) bool {
	authKey, err := cryptoutil.DeriveKey(dev.MasterSecret, cryptoutil.PurposeAuth)
	if err != nil {
		conn.Close(wsCloseAuthFailed, "auth key derivation failed")
		return false
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return false
	}
	var req LanDirectAuthRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.Close(wsCloseAuthFailed, "malformed auth request")
		return false
	}
	if req.DeviceID != dev.DeviceID {
		conn.Close(wsCloseAuthFailed, "device id mismatch")
		return false
	}
	now := time.Now().Unix()
	delta := now - req.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > timestampWindow {
		conn.Close(wsCloseAuthFailed, "stale timestamp")
		return false
	}
	sig, err := hex.DecodeString(req.SignatureHex)
	if err != nil {
		conn.Close(wsCloseAuthFailed, "malformed signature")
		return false
	}
	if !cryptoutil.VerifyHMAC(authKey, sig, []byte(req.DeviceID), cryptoutil.BigEndianTimestamp(req.Timestamp), []byte{}) {
		conn.Close(wsCloseAuthFailed, "bad signature")
		return false
	}

	resp, _ := json.Marshal(LanDirectAuthResponse{Status: "authenticated"})
	if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
		return false
	}
	return true
}

// wsPeer adapts a *websocket.Conn to connmgr.Peer.
type wsPeer struct {
	conn *websocket.Conn

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	closeOnce sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{conn: conn}
	go p.readLoop()
	return p
}

func (p *wsPeer) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			p.fireClose()
			return
		}
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func (p *wsPeer) fireClose() {
	p.mu.Lock()
	cb := p.onClose
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (p *wsPeer) Send(data []byte) error {
	return p.conn.Write(context.Background(), websocket.MessageText, data)
}

func (p *wsPeer) OnMessage(cb func([]byte)) {
	p.mu.Lock()
	p.onMessage = cb
	p.mu.Unlock()
}

func (p *wsPeer) OnClose(cb func()) {
	p.mu.Lock()
	p.onClose = cb
	p.mu.Unlock()
}

func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
