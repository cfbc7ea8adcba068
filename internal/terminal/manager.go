package terminal

import (
	"context"
	"fmt"
	"sync"

	"github.com/ras-daemon/rasd/internal/mux"
	"github.com/ras-daemon/rasd/internal/rerr"
	"github.com/ras-daemon/rasd/internal/sessionmgr"
)

// DetachReason names why an attachment ended.
type DetachReason string

const (
	ReasonUserRequest   DetachReason = "user_request"
	ReasonSessionKilled DetachReason = "session_killed"
)

// Sink delivers terminal events to one or all attached connections. The
// daemon orchestrator wires this to the connection manager plus whatever
// wire encoding the dispatcher uses.
type Sink interface {
	SendTo(connectionID string, eventType string, payload any)
	BroadcastTo(connectionIDs []string, eventType string, payload any)
}

// Matcher is fed every output chunk so the notification pipeline can scan
// it independently of buffering/fan-out.
type Matcher interface {
	Feed(sessionID string, chunk []byte)
}

type attachment struct {
	connectionID string
	size         *mux.WindowSize
}

type sessionState struct {
	mu          sync.Mutex
	sessionID   string
	muxName     string
	buffer      *Buffer
	attachments map[string]*attachment
	capture     *capture
}

// Manager owns attach/detach bookkeeping, per-session buffers, and output
// capture supervision (spec.md §4.12).
type Manager struct {
	mux     mux.Multiplexer
	sink    Sink
	matcher Matcher

	bufferMaxBytes int

	mu     sync.Mutex
	states map[string]*sessionState
}

// New constructs a Manager. matcher may be nil if notification scanning
// is not wired up.
func New(m mux.Multiplexer, sink Sink, matcher Matcher, bufferMaxBytes int) *Manager {
	return &Manager{
		mux:            m,
		sink:           sink,
		matcher:        matcher,
		bufferMaxBytes: bufferMaxBytes,
		states:         make(map[string]*sessionState),
	}
}

func (m *Manager) stateFor(sessionID, muxName string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[sessionID]
	if !ok {
		s = &sessionState{
			sessionID:   sessionID,
			muxName:     muxName,
			buffer:      NewBuffer(m.bufferMaxBytes),
			attachments: make(map[string]*attachment),
		}
		m.states[sessionID] = s
	}
	return s
}

// AttachRequest is the input to Attach.
type AttachRequest struct {
	SessionID    string
	ConnectionID string
	MuxName      string
	FromSequence *uint64
	Size         *mux.WindowSize
}

// Attach registers connectionID as an observer of sessionID's output,
// starting capture if this is the first attachment, and replays buffered
// chunks if FromSequence was requested.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) error {
	if !sessionmgr.ValidSessionID(req.SessionID) {
		return rerr.New(rerr.CodeInvalidSessionID, "malformed session id")
	}

	state := m.stateFor(req.SessionID, req.MuxName)

	state.mu.Lock()
	defer state.mu.Unlock()

	if state.capture == nil {
		cap, err := startCapture(ctx, m.mux, req.MuxName, func(chunk []byte) {
			m.onOutput(state, chunk)
		})
		if err != nil {
			if err == errSessionGone {
				return rerr.New(rerr.CodeSessionGone, "session vanished before attach completed")
			}
			return rerr.Codef(rerr.CodePipeSetupFailed, "start capture: %v", err)
		}
		state.capture = cap
	}

	state.attachments[req.ConnectionID] = &attachment{connectionID: req.ConnectionID, size: req.Size}

	m.sink.SendTo(req.ConnectionID, "attached", map[string]any{
		"session_id":            req.SessionID,
		"buffer_start_sequence": state.buffer.StartSequence(),
		"current_sequence":      state.buffer.CurrentSequence(),
	})

	if req.FromSequence != nil {
		chunks, skipped := state.buffer.Since(*req.FromSequence)
		if skipped != nil {
			m.sink.SendTo(req.ConnectionID, "output_skipped", map[string]any{
				"session_id": req.SessionID,
				"from":       skipped.From,
				"to":         skipped.To,
			})
		}
		for _, c := range chunks {
			m.sink.SendTo(req.ConnectionID, "terminal_output", map[string]any{
				"session_id": req.SessionID,
				"data":       c.Data,
				"sequence":   c.Sequence,
			})
		}
	}

	return nil
}

// Detach removes connectionID from sessionID's attachment set, stopping
// capture if no attachments remain.
func (m *Manager) Detach(sessionID, connectionID string, reason DetachReason) {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	delete(state.attachments, connectionID)
	empty := len(state.attachments) == 0
	if empty && state.capture != nil {
		state.capture.stop()
		state.capture = nil
	}
	state.mu.Unlock()

	m.sink.SendTo(connectionID, "detached", map[string]any{
		"session_id": sessionID,
		"reason":     string(reason),
	})

	if !empty {
		m.resizeToLargest(state)
	}
}

// Input forwards key elements to the session, rejecting if connectionID
// is not attached.
func (m *Manager) Input(ctx context.Context, sessionID, connectionID string, elements []Element) error {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	m.mu.Unlock()
	if !ok {
		return rerr.New(rerr.CodeNotAttached, "no such session attachment")
	}

	state.mu.Lock()
	_, attached := state.attachments[connectionID]
	muxName := state.muxName
	state.mu.Unlock()
	if !attached {
		return rerr.New(rerr.CodeNotAttached, "connection is not attached to this session")
	}

	data := EncodeElements(elements)
	if len(data) == 0 {
		return nil
	}
	if err := m.mux.SendKeys(ctx, muxName, data, true); err != nil {
		return fmt.Errorf("terminal: send keys: %w", err)
	}
	return nil
}

// Resize updates connectionID's reported window size for sessionID and
// re-applies the largest still-attached size to the multiplexer pane.
func (m *Manager) Resize(sessionID, connectionID string, size mux.WindowSize) error {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	m.mu.Unlock()
	if !ok {
		return rerr.New(rerr.CodeNotAttached, "no such session attachment")
	}

	state.mu.Lock()
	a, attached := state.attachments[connectionID]
	if attached {
		a.size = &size
	}
	state.mu.Unlock()
	if !attached {
		return rerr.New(rerr.CodeNotAttached, "connection is not attached to this session")
	}

	m.resizeToLargest(state)
	return nil
}

// SessionKilled notifies every attachment, stops capture, and clears the
// buffer for a session the session manager has torn down.
func (m *Manager) SessionKilled(sessionID string) {
	m.mu.Lock()
	state, ok := m.states[sessionID]
	delete(m.states, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	connIDs := make([]string, 0, len(state.attachments))
	for id := range state.attachments {
		connIDs = append(connIDs, id)
	}
	if state.capture != nil {
		state.capture.stop()
		state.capture = nil
	}
	state.buffer.Clear()
	state.mu.Unlock()

	for _, id := range connIDs {
		m.sink.SendTo(id, "detached", map[string]any{
			"session_id": sessionID,
			"reason":     string(ReasonSessionKilled),
		})
	}
}

// ConnectionClosed removes connectionID from every session's attachment
// set, stopping any capture left with no attachments.
func (m *Manager) ConnectionClosed(connectionID string) {
	m.mu.Lock()
	states := make([]*sessionState, 0, len(m.states))
	for _, s := range m.states {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, state := range states {
		state.mu.Lock()
		if _, ok := state.attachments[connectionID]; !ok {
			state.mu.Unlock()
			continue
		}
		delete(state.attachments, connectionID)
		empty := len(state.attachments) == 0
		if empty && state.capture != nil {
			state.capture.stop()
			state.capture = nil
		}
		state.mu.Unlock()
		if !empty {
			m.resizeToLargest(state)
		}
	}
}

func (m *Manager) onOutput(state *sessionState, chunk []byte) {
	c := state.buffer.Append(chunk)

	state.mu.Lock()
	connIDs := make([]string, 0, len(state.attachments))
	for id := range state.attachments {
		connIDs = append(connIDs, id)
	}
	state.mu.Unlock()

	m.sink.BroadcastTo(connIDs, "terminal_output", map[string]any{
		"session_id": state.sessionID,
		"data":       c.Data,
		"sequence":   c.Sequence,
	})

	if m.matcher != nil {
		m.matcher.Feed(state.sessionID, chunk)
	}
}

// resizeToLargest asks the multiplexer to resize the window to the
// largest still-attached client's reported size, if any attachment
// reported one.
func (m *Manager) resizeToLargest(state *sessionState) {
	state.mu.Lock()
	var largest *mux.WindowSize
	for _, a := range state.attachments {
		if a.size == nil {
			continue
		}
		if largest == nil || a.size.Cols*a.size.Rows > largest.Cols*largest.Rows {
			largest = a.size
		}
	}
	muxName := state.muxName
	state.mu.Unlock()

	if largest != nil {
		m.mux.ResizeWindow(context.Background(), muxName, *largest)
	}
}
