package signaling

import (
	"strings"
	"testing"
	"time"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Type:      TypeOffer,
		SessionID: "abc123",
		SDP:       "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
		DeviceID:  "device-1",
		DeviceName: "Phone",
		Timestamp: time.Now().Unix(),
		Nonce:     make([]byte, 16),
	}
}

func TestValidateAcceptsWellFormedOffer(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	if err := v.Validate(env, "abc123", TypeOffer); err != nil {
		t.Fatalf("expected valid offer to pass: %v", err)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	if err := v.Validate(env, "abc123", TypeAnswer); err == nil {
		t.Fatalf("expected type mismatch to be rejected")
	}
}

func TestValidateRejectsSessionMismatch(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	if err := v.Validate(env, "different-session", TypeOffer); err == nil {
		t.Fatalf("expected session mismatch to be rejected")
	}
}

func TestValidateTimestampBoundary(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 0)
	v := &Validator{nonces: NewValidator().nonces, now: func() time.Time { return fixed }}

	atBound := validEnvelope()
	atBound.Timestamp = fixed.Unix() - 30
	if err := v.Validate(atBound, "abc123", TypeOffer); err != nil {
		t.Fatalf("expected exactly-30s-old timestamp to be accepted: %v", err)
	}

	v2 := &Validator{nonces: NewValidator().nonces, now: func() time.Time { return fixed }}
	pastBound := validEnvelope()
	pastBound.Timestamp = fixed.Unix() - 31
	if err := v2.Validate(pastBound, "abc123", TypeOffer); err == nil {
		t.Fatalf("expected 31s-old timestamp to be rejected")
	}
}

func TestValidateRejectsNonceReplay(t *testing.T) {
	v := NewValidator()
	env1 := validEnvelope()
	if err := v.Validate(env1, "abc123", TypeOffer); err != nil {
		t.Fatalf("first validate should pass: %v", err)
	}
	env2 := validEnvelope()
	env2.Nonce = env1.Nonce
	if err := v.Validate(env2, "abc123", TypeOffer); err == nil {
		t.Fatalf("expected replayed nonce to be rejected")
	}
}

func TestValidateRejectsBadNonceLength(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.Nonce = make([]byte, 8)
	if err := v.Validate(env, "abc123", TypeOffer); err == nil {
		t.Fatalf("expected wrong nonce length to be rejected")
	}
}

func TestValidateRejectsBadSDP(t *testing.T) {
	cases := []string{
		"",
		"not-an-sdp",
		"v=0\r\nno m line here\r\n",
		strings.Repeat("v=0\r\nm=x\r\n", 20000),
	}
	for _, sdp := range cases {
		v := NewValidator()
		env := validEnvelope()
		env.SDP = sdp
		if err := v.Validate(env, "abc123", TypeOffer); err == nil {
			t.Fatalf("expected invalid SDP to be rejected: %q", sdp)
		}
	}
}

func TestValidateOfferRequiresDeviceFields(t *testing.T) {
	v := NewValidator()
	env := validEnvelope()
	env.DeviceID = ""
	if err := v.Validate(env, "abc123", TypeOffer); err == nil {
		t.Fatalf("expected missing device_id to be rejected for OFFER")
	}

	v2 := NewValidator()
	env2 := validEnvelope()
	env2.DeviceName = ""
	if err := v2.Validate(env2, "abc123", TypeOffer); err == nil {
		t.Fatalf("expected missing device_name to be rejected for OFFER")
	}
}

func TestSanitizeDeviceName(t *testing.T) {
	cases := map[string]string{
		"Pixel 8":                "Pixel 8",
		"  leading and trailing ": "leading and trailing",
		"multi   space   run":    "multi space run",
		"with\x00control\x7Fbytes": "with control bytes",
		"":                       "",
	}
	for in, want := range cases {
		got := SanitizeDeviceName(in)
		if got != want {
			t.Fatalf("SanitizeDeviceName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeDeviceNameTruncates(t *testing.T) {
	long := strings.Repeat("a", 100)
	got := SanitizeDeviceName(long)
	if len(got) != 64 {
		t.Fatalf("expected truncation to 64 chars, got %d", len(got))
	}
}
