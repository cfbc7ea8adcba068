package notify

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config tunes the matcher and dispatcher (spec §4.14).
type Config struct {
	Patterns            PatternSet
	CooldownSeconds     float64
	RegexTimeout        time.Duration
	SlidingWindowBytes  int
	SnippetContextChars int
	MaxSnippetLength    int
}

// DefaultConfig mirrors the reference notification configuration's
// defaults: a 5s cooldown, 100ms regex watchdog, and a 500-byte window.
func DefaultConfig() Config {
	return Config{
		Patterns:            DefaultPatternSet(),
		CooldownSeconds:     5.0,
		RegexTimeout:        100 * time.Millisecond,
		SlidingWindowBytes:  500,
		SnippetContextChars: 25,
		MaxSnippetLength:    60,
	}
}

type sessionState struct {
	mu            sync.Mutex
	window        []byte
	altScreen     *altScreenTracker
	lastWasPrompt bool
}

// OnMatch is invoked for every match found while scanning a chunk.
type OnMatch func(sessionID string, result MatchResult)

// Matcher implements terminal.Matcher: it is fed every output chunk for
// every session and emits MatchResults via onMatch.
type Matcher struct {
	cfg     Config
	onMatch OnMatch

	mu     sync.Mutex
	states map[string]*sessionState
}

// New builds a Matcher. onMatch is called synchronously from Feed for
// every pattern hit; callers that need to fan out further should keep
// onMatch non-blocking (e.g. handing off to a Dispatcher).
func New(cfg Config, onMatch OnMatch) *Matcher {
	return &Matcher{
		cfg:     cfg,
		onMatch: onMatch,
		states:  make(map[string]*sessionState),
	}
}

func (m *Matcher) stateFor(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[sessionID]
	if !ok {
		s = &sessionState{altScreen: newAltScreenTracker()}
		m.states[sessionID] = s
	}
	return s
}

// Reset clears all matcher state for a session, e.g. on session kill.
func (m *Matcher) Reset(sessionID string) {
	m.mu.Lock()
	delete(m.states, sessionID)
	m.mu.Unlock()
}

// Feed scans a chunk of raw terminal output for sessionID and reports
// any matches via onMatch.
func (m *Matcher) Feed(sessionID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	st := m.stateFor(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.altScreen.feed(chunk) {
		return
	}

	combined := append(append([]byte(nil), st.window...), chunk...)
	text := stripANSI(strings.ToValidUTF8(string(combined), "�"))

	for _, p := range m.cfg.Patterns.Approval {
		if loc := m.safeSearch(p, text); loc != nil {
			m.emit(sessionID, TypeApproval, p.String(), text, loc)
		}
	}
	for _, p := range m.cfg.Patterns.Error {
		if loc := m.safeSearch(p, text); loc != nil {
			m.emit(sessionID, TypeError, p.String(), text, loc)
		}
	}

	promptFound := false
	for _, p := range m.cfg.Patterns.ShellPrompt {
		loc := m.safeSearch(p, text)
		if loc == nil {
			continue
		}
		promptFound = true
		if !st.lastWasPrompt {
			m.onMatch(sessionID, MatchResult{
				Type:     TypeCompletion,
				Pattern:  p.String(),
				Snippet:  "Task completed",
				Position: loc[0],
			})
		}
		break
	}
	st.lastWasPrompt = promptFound && len(strings.TrimSpace(text)) < 20

	if len(combined) > m.cfg.SlidingWindowBytes {
		st.window = combined[len(combined)-m.cfg.SlidingWindowBytes:]
	} else {
		st.window = combined
	}
}

func (m *Matcher) emit(sessionID string, typ Type, pattern, text string, loc []int) {
	m.onMatch(sessionID, MatchResult{
		Type:     typ,
		Pattern:  pattern,
		Snippet:  m.snippet(text, loc),
		Position: loc[0],
	})
}

// safeSearch runs regex.FindStringIndex on a goroutine with a watchdog:
// Go's regexp engine has no interrupt point, so this bounds how long we
// wait for a result rather than truly preempting a runaway match (spec's
// ReDoS-timeout requirement, adapted from the reference signal-alarm
// implementation which isn't available without cgo/unix-signal plumbing
// here).
func (m *Matcher) safeSearch(re *regexp.Regexp, text string) []int {
	if m.cfg.RegexTimeout <= 0 {
		return re.FindStringIndex(text)
	}
	result := make(chan []int, 1)
	go func() {
		result <- re.FindStringIndex(text)
	}()
	select {
	case loc := <-result:
		return loc
	case <-time.After(m.cfg.RegexTimeout):
		return nil
	}
}

func (m *Matcher) snippet(text string, loc []int) string {
	context := m.cfg.SnippetContextChars
	start := loc[0] - context
	if start < 0 {
		start = 0
	}
	end := loc[1] + context
	if end > len(text) {
		end = len(text)
	}
	s := strings.TrimSpace(text[start:end])
	s = strings.Join(strings.Fields(s), " ")

	if start > 0 {
		s = "..." + s
	}
	if end < len(text) {
		s = s + "..."
	}

	max := m.cfg.MaxSnippetLength
	if max > 0 && len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}
