// Package vpnudp implements the VPN-direct framed UDP reconnection
// transport (spec.md §4.8): a single shared socket multiplexing many
// per-remote logical connections, each authenticated by an HMAC-derived
// auth key rather than the socket's own identity.
package vpnudp

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
)

// handshakeMagic and handshakeVersion identify the fixed 8-byte
// handshake packet that creates a logical connection. Fields are
// big-endian on the wire.
const (
	handshakeMagic   uint32 = 0x52415355 // "RASU"
	handshakeVersion uint32 = 1

	handshakeLen = 8 // magic(4) + version(4)

	maxDeviceIDLen = 100
)

// OnConnection is invoked, as a spawned goroutine, whenever a new remote
// address completes the handshake packet. It must never be awaited
// inline by the read loop: the callback itself calls Receive on the new
// Transport to consume the subsequent auth packet, and a synchronous
// call here would deadlock waiting on a packet this same read loop is
// responsible for delivering.
type OnConnection func(t *Transport)

// Listener owns the single shared UDP socket and the table of logical,
// per-remote-address connections layered on top of it.
type Listener struct {
	Store  *devicestore.Store
	Notify OnConnection

	conn *net.UDPConn

	mu          sync.Mutex
	connections map[string]*Transport
}

// Listen opens the shared UDP socket on addr and starts the read loop in
// the background. Call Close to stop it.
func (l *Listener) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	l.conn = conn
	l.connections = make(map[string]*Transport)

	log.Printf("[vpnudp] listening on %s", addr)
	go l.readLoop()
	return nil
}

// Close shuts down the shared socket. Per spec, this is the only path
// allowed to close it — individual logical connections must not.
func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

func (l *Listener) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		packet := append([]byte(nil), buf[:n]...)
		l.handlePacket(packet, remote)
	}
}

func (l *Listener) handlePacket(packet []byte, remote *net.UDPAddr) {
	key := remote.String()

	l.mu.Lock()
	t, known := l.connections[key]
	l.mu.Unlock()

	if known {
		t.deliver(packet)
		return
	}

	if !isHandshake(packet) {
		return // unknown address, non-handshake packet: drop, never creates a transport
	}

	t = newTransport(l, remote)
	l.mu.Lock()
	l.connections[key] = t
	l.mu.Unlock()

	if l.Notify != nil {
		go l.Notify(t)
	}
}

func isHandshake(packet []byte) bool {
	if len(packet) != handshakeLen {
		return false
	}
	magic := binary.BigEndian.Uint32(packet[0:4])
	version := binary.BigEndian.Uint32(packet[4:8])
	return magic == handshakeMagic && version == handshakeVersion
}

// forget removes a logical connection's entry; called lazily, on the
// next packet addressed to it after Close(), never synchronously from
// Close() itself (the remote may still be mid-flight).
func (l *Listener) forget(key string) {
	l.mu.Lock()
	delete(l.connections, key)
	l.mu.Unlock()
}

func (l *Listener) writeTo(data []byte, remote *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(data, remote)
	return err
}

// Transport is one logical, per-remote-address connection layered over
// the shared socket. Framing: length-prefixed uint32 big-endian ∥
// payload for data packets.
type Transport struct {
	listener *Listener
	remote   *net.UDPAddr

	mu     sync.Mutex
	inbox  chan []byte
	closed bool
}

func newTransport(l *Listener, remote *net.UDPAddr) *Transport {
	return &Transport{listener: l, remote: remote, inbox: make(chan []byte, 32)}
}

func (t *Transport) deliver(packet []byte) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		// A packet arrived for a connection the local side already closed:
		// this is exactly the lazy-cleanup trigger.
		t.listener.forget(t.remote.String())
		return
	}
	select {
	case t.inbox <- packet:
	default:
		log.Printf("[vpnudp] dropping packet from %s: inbox full", t.remote)
	}
}

// Receive blocks for the next framed payload (handshake, auth, or data)
// from this remote address.
func (t *Transport) Receive() ([]byte, error) {
	packet, ok := <-t.inbox
	if !ok {
		return nil, fmt.Errorf("vpnudp: transport closed")
	}
	return unframe(packet)
}

// unframe strips the handshake's fixed shape (returned verbatim) or
// validates and strips a length-prefixed data/auth frame.
func unframe(packet []byte) ([]byte, error) {
	if isHandshake(packet) {
		return packet, nil
	}
	if len(packet) < 4 {
		return nil, fmt.Errorf("vpnudp: truncated frame")
	}
	length := binary.BigEndian.Uint32(packet[0:4])
	if uint32(len(packet)-4) < length {
		return nil, fmt.Errorf("vpnudp: truncated payload")
	}
	return packet[4 : 4+length], nil
}

// Send writes a length-prefixed data packet to this transport's remote
// address.
func (t *Transport) Send(payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return t.listener.writeTo(frame, t.remote)
}

// Reply sends the single-byte auth result spec.md §6 requires: 0x01 on
// success, 0x00 on failure.
func (t *Transport) Reply(ok bool) error {
	b := byte(0x00)
	if ok {
		b = 0x01
	}
	return t.listener.writeTo([]byte{b}, t.remote)
}

// Close marks this logical connection closed without touching the
// shared socket. Actual map removal happens lazily on the next inbound
// packet (see deliver), matching the spec's required ordering.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// AsPeer wraps this (already-authenticated) Transport in the
// send/on_message/on_close/close shape connmgr.Peer requires, pumping
// Receive() into a callback on a dedicated goroutine.
func (t *Transport) AsPeer() *Peer {
	p := &Peer{transport: t}
	go p.pump()
	return p
}

// Peer adapts a Transport's blocking Receive() into connmgr's
// callback-based Peer interface.
type Peer struct {
	transport *Transport

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
}

func (p *Peer) pump() {
	for {
		data, err := p.transport.Receive()
		if err != nil {
			p.mu.Lock()
			cb := p.onClose
			p.mu.Unlock()
			if cb != nil {
				cb()
			}
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

func (p *Peer) Send(data []byte) error { return p.transport.Send(data) }
func (p *Peer) Close() error           { return p.transport.Close() }

func (p *Peer) OnMessage(cb func([]byte)) {
	p.mu.Lock()
	p.onMessage = cb
	p.mu.Unlock()
}

func (p *Peer) OnClose(cb func()) {
	p.mu.Lock()
	p.onClose = cb
	p.mu.Unlock()
}

// AuthPayload is the parsed form of the auth packet exchanged once a
// logical connection is established: len:uint32 ∥ device_id(UTF-8) ∥
// auth_key(32).
type AuthPayload struct {
	DeviceID string
	AuthKey  []byte
}

// ParseAuthPayload decodes the auth packet, rejecting any oversized
// device id, truncated payload, or parse error.
func ParseAuthPayload(data []byte) (AuthPayload, error) {
	if len(data) < 4 {
		return AuthPayload{}, fmt.Errorf("vpnudp: truncated auth payload")
	}
	idLen := binary.BigEndian.Uint32(data[0:4])
	if idLen > maxDeviceIDLen {
		return AuthPayload{}, fmt.Errorf("vpnudp: device id length %d exceeds maximum", idLen)
	}
	rest := data[4:]
	if uint32(len(rest)) < idLen+cryptoutil.KeySize {
		return AuthPayload{}, fmt.Errorf("vpnudp: truncated auth payload")
	}
	deviceID := string(rest[:idLen])
	authKey := append([]byte(nil), rest[idLen:idLen+cryptoutil.KeySize]...)
	return AuthPayload{DeviceID: deviceID, AuthKey: authKey}, nil
}

// Authenticate validates an AuthPayload against the device store: the
// device must exist and the supplied key must equal
// HKDF(device.master_secret, "auth") in constant time.
func Authenticate(store *devicestore.Store, payload AuthPayload) (devicestore.Device, bool) {
	dev, ok := store.Get(payload.DeviceID)
	if !ok {
		return devicestore.Device{}, false
	}
	expected, err := cryptoutil.DeriveKey(dev.MasterSecret, cryptoutil.PurposeAuth)
	if err != nil {
		return devicestore.Device{}, false
	}
	if subtle.ConstantTimeCompare(expected, payload.AuthKey) != 1 {
		return devicestore.Device{}, false
	}
	return dev, true
}
