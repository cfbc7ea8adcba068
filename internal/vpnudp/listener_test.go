package vpnudp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/devicestore"
)

func handshakePacket() []byte {
	buf := make([]byte, handshakeLen)
	binary.BigEndian.PutUint32(buf[0:4], handshakeMagic)
	binary.BigEndian.PutUint32(buf[4:8], handshakeVersion)
	return buf
}

func frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func authPacket(deviceID string, authKey []byte) []byte {
	idBytes := []byte(deviceID)
	buf := make([]byte, 4+len(idBytes)+len(authKey))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(idBytes)))
	copy(buf[4:], idBytes)
	copy(buf[4+len(idBytes):], authKey)
	return buf
}

func TestListenerCreatesTransportOnHandshake(t *testing.T) {
	l := &Listener{}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	notified := make(chan *Transport, 1)
	l.Notify = func(tr *Transport) { notified <- tr }

	client, err := net.DialUDP("udp", nil, l.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write(handshakePacket()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case tr := <-notified:
		if tr == nil {
			t.Fatalf("expected non-nil transport")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection notification")
	}
}

func TestUnknownAddressNonHandshakeNeverCreatesTransport(t *testing.T) {
	l := &Listener{}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	notified := make(chan *Transport, 1)
	l.Notify = func(tr *Transport) { notified <- tr }

	client, err := net.DialUDP("udp", nil, l.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("not a handshake")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-notified:
		t.Fatalf("expected no transport to be created for a non-handshake packet")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransportReceiveUnframesDataPacket(t *testing.T) {
	l := &Listener{}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	notified := make(chan *Transport, 1)
	l.Notify = func(tr *Transport) { notified <- tr }

	client, err := net.DialUDP("udp", nil, l.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	client.Write(handshakePacket())
	tr := <-notified

	hs, err := tr.Receive()
	if err != nil {
		t.Fatalf("Receive handshake: %v", err)
	}
	if !isHandshake(hs) {
		t.Fatalf("expected the handshake packet itself to come back first")
	}

	client.Write(frame([]byte("hello")))
	payload, err := tr.Receive()
	if err != nil {
		t.Fatalf("Receive data: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestParseAuthPayloadRejectsOversizedDeviceID(t *testing.T) {
	huge := make([]byte, 200)
	packet := authPacket(string(huge), make([]byte, cryptoutil.KeySize))
	if _, err := ParseAuthPayload(packet); err == nil {
		t.Fatalf("expected error for oversized device id")
	}
}

func TestParseAuthPayloadRoundTrip(t *testing.T) {
	key := make([]byte, cryptoutil.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	packet := authPacket("device-1", key)
	payload, err := ParseAuthPayload(packet)
	if err != nil {
		t.Fatalf("ParseAuthPayload: %v", err)
	}
	if payload.DeviceID != "device-1" || string(payload.AuthKey) != string(key) {
		t.Fatalf("unexpected parsed payload: %+v", payload)
	}
}

func TestAuthenticateAcceptsCorrectKey(t *testing.T) {
	store, err := devicestore.Open(t.TempDir() + "/devices.yaml")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	secret, _ := cryptoutil.NewMasterSecret()
	if err := store.AddDevice("device-1", "Phone", secret); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	authKey, _ := cryptoutil.DeriveKey(secret, cryptoutil.PurposeAuth)

	dev, ok := Authenticate(store, AuthPayload{DeviceID: "device-1", AuthKey: authKey})
	if !ok || dev.DeviceID != "device-1" {
		t.Fatalf("expected successful authentication")
	}
}

func TestAuthenticateRejectsWrongKey(t *testing.T) {
	store, err := devicestore.Open(t.TempDir() + "/devices.yaml")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	secret, _ := cryptoutil.NewMasterSecret()
	if err := store.AddDevice("device-1", "Phone", secret); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	_, ok := Authenticate(store, AuthPayload{DeviceID: "device-1", AuthKey: make([]byte, cryptoutil.KeySize)})
	if ok {
		t.Fatalf("expected authentication to fail with wrong key")
	}
}

func TestCloseDoesNotCloseSharedSocket(t *testing.T) {
	l := &Listener{}
	if err := l.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	notified := make(chan *Transport, 2)
	l.Notify = func(tr *Transport) { notified <- tr }

	addr := l.conn.LocalAddr().(*net.UDPAddr)
	client1, _ := net.DialUDP("udp", nil, addr)
	defer client1.Close()
	client1.Write(handshakePacket())
	tr1 := <-notified
	tr1.Close()

	client2, _ := net.DialUDP("udp", nil, addr)
	defer client2.Close()
	if _, err := client2.Write(handshakePacket()); err != nil {
		t.Fatalf("write from second client: %v", err)
	}

	select {
	case tr2 := <-notified:
		if tr2 == tr1 {
			t.Fatalf("expected a distinct transport for the second remote address")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the shared socket to still accept new handshakes after a transport Close")
	}
}
