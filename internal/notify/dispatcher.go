package notify

import (
	"sync"
	"time"
)

// Sink broadcasts a notification event to every connection attached to
// the daemon. The orchestrator wires this to the connection manager.
type Sink interface {
	BroadcastAll(eventType string, payload any)
}

type cooldownState struct {
	lastAt      time.Time
	lastPattern string
	lastType    Type
}

// SessionNamer resolves a session ID to the display name used in
// notification titles. Missing entries fall back to the session ID.
type SessionNamer func(sessionID string) string

// Dispatcher deduplicates MatchResults per session within a cooldown
// window and broadcasts the survivors (spec §4.14).
type Dispatcher struct {
	sink     Sink
	cooldown time.Duration
	namer    SessionNamer

	mu    sync.Mutex
	state map[string]*cooldownState
}

// NewDispatcher builds a Dispatcher. namer may be nil, in which case
// titles use the raw session ID.
func NewDispatcher(sink Sink, cooldown time.Duration, namer SessionNamer) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		cooldown: cooldown,
		namer:    namer,
		state:    make(map[string]*cooldownState),
	}
}

// Dispatch sends a notification for match unless it is suppressed by
// the per-session cooldown. Returns true if it was sent.
func (d *Dispatcher) Dispatch(sessionID string, match MatchResult) bool {
	now := time.Now()

	d.mu.Lock()
	st, ok := d.state[sessionID]
	if !ok {
		st = &cooldownState{}
		d.state[sessionID] = st
	}
	suppressed := ok && now.Sub(st.lastAt) < d.cooldown && st.lastType == match.Type
	if !suppressed {
		st.lastAt = now
		st.lastPattern = match.Pattern
		st.lastType = match.Type
	}
	d.mu.Unlock()

	if suppressed {
		return false
	}

	name := sessionID
	if d.namer != nil {
		if n := d.namer(sessionID); n != "" {
			name = n
		}
	}

	d.sink.BroadcastAll("notification", map[string]any{
		"session_id":   sessionID,
		"type":         string(match.Type),
		"title":        title(name, match.Type),
		"body":         match.Snippet,
		"snippet":      match.Snippet,
		"timestamp_ms": now.UnixMilli(),
	})
	return true
}

// ClearSession drops cooldown state for a session, e.g. on session kill.
func (d *Dispatcher) ClearSession(sessionID string) {
	d.mu.Lock()
	delete(d.state, sessionID)
	d.mu.Unlock()
}

func title(sessionName string, t Type) string {
	switch t {
	case TypeApproval:
		return sessionName + ": Approval needed"
	case TypeCompletion:
		return sessionName + ": Task completed"
	case TypeError:
		return sessionName + ": Error detected"
	default:
		return sessionName
	}
}
