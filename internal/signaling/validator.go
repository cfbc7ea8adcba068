package signaling

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ras-daemon/rasd/internal/cryptoutil"
	"github.com/ras-daemon/rasd/internal/noncecache"
	"github.com/ras-daemon/rasd/internal/rerr"
)

const (
	timestampWindowSeconds = 30
	maxMessageSize         = 64 * 1024
	maxSessionIDLength     = 64
	maxDeviceNameLength    = 64
	maxDeviceIDLength      = 128
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)

// Validator enforces the per-message checks described in spec.md §4.3, in
// the exact order the original implementation applies them: type, session
// binding, timestamp freshness, nonce replay, SDP sanity, and (for OFFER)
// device identity fields.
type Validator struct {
	nonces *noncecache.Cache
	now    func() time.Time
}

// NewValidator builds a Validator with its own bounded nonce cache
// (capacity 100, FIFO eviction).
func NewValidator() *Validator {
	return &Validator{nonces: noncecache.New(100), now: time.Now}
}

// Validate checks env against expectedType and expectedSessionID (empty
// expectedSessionID means reconnection mode, where any session id is
// rejected by construction — callers pass the session id they expect).
func (v *Validator) Validate(env *Envelope, expectedSessionID string, expectedType MessageType) error {
	if env.Type != expectedType {
		return rerr.New("WRONG_MESSAGE_TYPE", string(env.Type))
	}

	if env.SessionID == "" {
		return rerr.New("MISSING_DEVICE_ID", "empty session_id")
	}
	if len(env.SessionID) > maxSessionIDLength {
		return rerr.New("INVALID_SESSION_ID_FORMAT", "session_id too long")
	}
	if !sessionIDPattern.MatchString(env.SessionID) {
		return rerr.New("INVALID_SESSION_ID_FORMAT", "session_id contains disallowed characters")
	}
	if env.SessionID != expectedSessionID {
		return rerr.New("INVALID_SESSION", "session_id mismatch")
	}

	if env.Timestamp <= 0 {
		return rerr.New("INVALID_TIMESTAMP", "non-positive timestamp")
	}
	now := v.now().Unix()
	delta := now - env.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > timestampWindowSeconds {
		return rerr.New("INVALID_TIMESTAMP", "outside freshness window")
	}

	if len(env.Nonce) != cryptoutil.NonceSize {
		return rerr.New("INVALID_NONCE", "wrong nonce length")
	}
	if !v.nonces.CheckAndAdd(env.Nonce) {
		return rerr.New("NONCE_REPLAY", "nonce already seen")
	}

	if err := validateSDP(env.SDP); err != nil {
		return err
	}

	if expectedType == TypeOffer {
		if env.DeviceID == "" || len(env.DeviceID) > maxDeviceIDLength {
			return rerr.New("MISSING_DEVICE_ID", "device_id empty or too long")
		}
		if env.DeviceName == "" {
			return rerr.New("MISSING_DEVICE_NAME", "device_name empty")
		}
	}

	return nil
}

func validateSDP(sdp string) error {
	if sdp == "" {
		return rerr.New("INVALID_SDP", "empty SDP")
	}
	if len(sdp) > maxMessageSize {
		return rerr.New("MESSAGE_TOO_LARGE", "SDP exceeds 64 KiB")
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return rerr.New("INVALID_SDP", "SDP must start with v=0")
	}
	if !strings.Contains(sdp, "m=") {
		return rerr.New("INVALID_SDP", "SDP missing m= line")
	}
	return nil
}

// SanitizeDeviceName replaces control bytes with spaces, collapses
// whitespace runs, trims, and truncates to 64 characters. Invalid UTF-8
// becomes the replacement character; a bare empty name passes through as
// empty.
func SanitizeDeviceName(name string) string {
	if name == "" {
		return ""
	}
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "�")
	}
	cleaned := make([]rune, 0, len(name))
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			cleaned = append(cleaned, ' ')
		} else {
			cleaned = append(cleaned, r)
		}
	}
	collapsed := collapseWhitespace(string(cleaned))
	trimmed := strings.TrimSpace(collapsed)
	if utf8.RuneCountInString(trimmed) > maxDeviceNameLength {
		runes := []rune(trimmed)
		trimmed = string(runes[:maxDeviceNameLength])
	}
	return trimmed
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, " ")
}
