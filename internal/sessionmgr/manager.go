package sessionmgr

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ras-daemon/rasd/internal/mux"
	"github.com/ras-daemon/rasd/internal/ratelimit"
	"github.com/ras-daemon/rasd/internal/rerr"
)

const (
	idLength           = 12
	idAlphabet         = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultMaxSessions = 20
	defaultCreateRate  = 10 // per 60s per device
	killGracePeriod    = 500 * time.Millisecond
	maxDisplayNameLen  = 64
	recentDirLimit     = 10
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{12}$`)

// ValidSessionID reports whether id matches the daemon's 12-char
// alphanumeric session identifier shape.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Emitter delivers session lifecycle events; the daemon orchestrator wires
// this to the connection manager's broadcast path.
type Emitter interface {
	Emit(event Event)
}

// Event is one emitted session lifecycle notification.
type Event struct {
	Type      string // created, killed, renamed, error
	SessionID string
	Payload   any
}

// Config bounds what the manager will create and where.
type Config struct {
	DBPath      string
	RootDir     string
	AllowedDirs []string // subpaths of RootDir permitted; empty means "all under root"
	DeniedDirs  []string
	Agents      map[string]string // agent name -> binary/command
	MaxSessions int
	CreateRate  int // per 60s per device
}

// Manager owns the in-memory and on-disk SessionRecord table, reconciled
// against the multiplexer on Initialize and on every List.
type Manager struct {
	mux     mux.Multiplexer
	store   *recordStore
	emitter Emitter
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*SessionRecord

	createRate *ratelimit.KeyedLimiter
}

// New constructs a Manager. Call Initialize before first use.
func New(m mux.Multiplexer, emitter Emitter, cfg Config) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.CreateRate <= 0 {
		cfg.CreateRate = defaultCreateRate
	}
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sessionmgr: open store: %w", err)
	}
	return &Manager{
		mux:        m,
		store:      store,
		emitter:    emitter,
		cfg:        cfg,
		sessions:   make(map[string]*SessionRecord),
		createRate: ratelimit.NewPerMinute(cfg.CreateRate),
	}, nil
}

// Close releases the backing store.
func (m *Manager) Close() error {
	return m.store.close()
}

// Initialize loads persisted records and reconciles them against the
// multiplexer's actual session list.
func (m *Manager) Initialize(ctx context.Context) error {
	records, err := m.store.list()
	if err != nil {
		return fmt.Errorf("sessionmgr: load records: %w", err)
	}
	m.mu.Lock()
	for _, r := range records {
		m.sessions[r.ID] = r
	}
	m.mu.Unlock()
	return m.reconcile(ctx)
}

// reconcile drops records whose mux session vanished and adopts any mux
// session the table doesn't already track, per spec.md §4.11.
func (m *Manager) reconcile(ctx context.Context) error {
	muxSessions, err := m.mux.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("sessionmgr: list mux sessions: %w", err)
	}
	liveNames := make(map[string]bool, len(muxSessions))
	for _, s := range muxSessions {
		liveNames[s.Name] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trackedNames := make(map[string]bool, len(m.sessions))
	for id, r := range m.sessions {
		trackedNames[r.MuxName] = true
		if !liveNames[r.MuxName] {
			delete(m.sessions, id)
			m.store.delete(id)
		}
	}

	for _, s := range muxSessions {
		if trackedNames[s.Name] {
			continue
		}
		id := newSessionID()
		now := time.Now()
		r := &SessionRecord{
			ID:             id,
			MuxName:        s.Name,
			DisplayName:    s.Name,
			Directory:      "",
			Agent:          "unknown",
			Status:         StatusActive,
			CreatedAt:      now,
			LastActivityAt: now,
		}
		m.sessions[id] = r
		m.store.upsert(r)
	}
	return nil
}

// List reconciles then returns sessions sorted by LastActivityAt desc.
func (m *Manager) List(ctx context.Context) ([]*SessionRecord, error) {
	if err := m.reconcile(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]*SessionRecord, 0, len(m.sessions))
	for _, r := range m.sessions {
		cp := *r
		out = append(out, &cp)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	DeviceID    string
	DisplayName string
	Directory   string
	Agent       string
}

// Create validates, provisions, and persists a new session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*SessionRecord, error) {
	if !m.createRate.Allow(req.DeviceID) {
		return nil, rerr.New(rerr.CodeRateLimited, "session creation rate limit exceeded")
	}
	dir, err := m.validateDirectory(req.Directory)
	if err != nil {
		return nil, err
	}
	command, ok := m.cfg.Agents[req.Agent]
	if !ok {
		return nil, rerr.Codef(rerr.CodeAgentNotFound, "unknown agent %q", req.Agent)
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, rerr.New(rerr.CodeMaxSessionsReached, "maximum session count reached")
	}
	m.mu.Unlock()

	id := newSessionID()
	muxName := fmt.Sprintf("ras-%s-%s", req.Agent, id)
	displayName := req.DisplayName
	if displayName == "" {
		displayName = muxName
	}
	now := time.Now()
	record := &SessionRecord{
		ID:             id,
		MuxName:        muxName,
		DisplayName:    sanitizeDisplayName(displayName),
		Directory:      dir,
		Agent:          req.Agent,
		Status:         StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[id] = record
	m.mu.Unlock()

	if err := m.mux.NewSession(ctx, muxName, dir, command); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.emit(Event{Type: "error", SessionID: id, Payload: err.Error()})
		return nil, rerr.Codef(rerr.CodeTmuxError, "create session: %v", err)
	}

	record.Status = StatusActive
	if err := m.store.upsert(record); err != nil {
		return nil, fmt.Errorf("sessionmgr: persist session: %w", err)
	}
	m.store.touchRecentDirectory(dir, now)
	m.emit(Event{Type: "created", SessionID: id, Payload: *record})
	return record, nil
}

// Kill sends a graceful interrupt, waits killGracePeriod, then force-kills
// the underlying mux session.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.mu.Lock()
	record, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return rerr.New(rerr.CodeSessionNotFound, "no such session")
	}
	if record.Status == StatusKilling {
		return rerr.New(rerr.CodeSessionKilling, "session is already being killed")
	}

	record.Status = StatusKilling
	m.store.upsert(record)

	m.mux.SendKeys(ctx, record.MuxName, []byte{0x03}, true) // Ctrl-C, best-effort
	time.Sleep(killGracePeriod)

	if err := m.mux.KillSession(ctx, record.MuxName); err != nil {
		record.Status = StatusActive
		m.store.upsert(record)
		m.emit(Event{Type: "error", SessionID: id, Payload: err.Error()})
		return rerr.Codef(rerr.CodeKillFailed, "kill session: %v", err)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.store.delete(id)
	m.emit(Event{Type: "killed", SessionID: id})
	return nil
}

// Rename validates and applies a new display name.
func (m *Manager) Rename(ctx context.Context, id, newName string) error {
	clean := sanitizeDisplayName(newName)
	if clean == "" {
		return rerr.New(rerr.CodeInvalidName, "display name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.sessions[id]
	if !ok {
		return rerr.New(rerr.CodeSessionNotFound, "no such session")
	}
	for otherID, other := range m.sessions {
		if otherID != id && other.DisplayName == clean {
			return rerr.New(rerr.CodeSessionExists, "a session with that name already exists")
		}
	}

	record.DisplayName = clean
	if err := m.store.upsert(record); err != nil {
		return fmt.Errorf("sessionmgr: persist rename: %w", err)
	}
	m.emit(Event{Type: "renamed", SessionID: id, Payload: clean})
	return nil
}

// Touch updates a session's last-activity timestamp, called on every
// inbound keystroke or outbound output chunk.
func (m *Manager) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.sessions[id]; ok {
		record.LastActivityAt = at
		m.store.upsert(record)
	}
}

// Get returns a copy of the record for id, if tracked.
func (m *Manager) Get(id string) (*SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// GetAgents returns the configured agent names, sorted.
func (m *Manager) GetAgents(ctx context.Context) []string {
	names := make([]string, 0, len(m.cfg.Agents))
	for name := range m.cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDirectories lists the root's immediate children plus a bounded
// recent-directory list maintained on successful creations.
func (m *Manager) GetDirectories(ctx context.Context) ([]string, []string, error) {
	entries, err := os.ReadDir(m.cfg.RootDir)
	if err != nil {
		return nil, nil, fmt.Errorf("sessionmgr: read root dir: %w", err)
	}
	var children []string
	for _, e := range entries {
		if e.IsDir() {
			children = append(children, e.Name())
		}
	}
	recent, err := m.store.recentDirectories(recentDirLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("sessionmgr: recent directories: %w", err)
	}
	return children, recent, nil
}

func (m *Manager) validateDirectory(dir string) (string, error) {
	if dir == "" {
		dir = m.cfg.RootDir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", rerr.New(rerr.CodeDirNotFound, "invalid directory path")
	}
	root, err := filepath.Abs(m.cfg.RootDir)
	if err != nil {
		return "", rerr.New(rerr.CodeDirNotFound, "invalid root directory")
	}
	if !strings.HasPrefix(abs, root) {
		return "", rerr.New(rerr.CodeDirNotAllowed, "directory is outside the permitted root")
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return "", rerr.New(rerr.CodeDirNotFound, "directory does not exist")
	}
	for _, denied := range m.cfg.DeniedDirs {
		if strings.HasPrefix(abs, denied) {
			return "", rerr.New(rerr.CodeDirNotAllowed, "directory is denylisted")
		}
	}
	if len(m.cfg.AllowedDirs) > 0 {
		allowed := false
		for _, a := range m.cfg.AllowedDirs {
			if strings.HasPrefix(abs, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", rerr.New(rerr.CodeDirNotAllowed, "directory is not in the allowed list")
		}
	}
	return abs, nil
}

func (m *Manager) emit(event Event) {
	if m.emitter != nil {
		m.emitter.Emit(event)
	}
}

func newSessionID() string {
	b := make([]byte, idLength)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(idAlphabet))))
		b[i] = idAlphabet[n.Int64()]
	}
	return string(b)
}

var controlOrDisallowed = regexp.MustCompile(`[\x00-\x1f\x7f]`)

func sanitizeDisplayName(name string) string {
	cleaned := controlOrDisallowed.ReplaceAllString(name, " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxDisplayNameLen {
		cleaned = cleaned[:maxDisplayNameLen]
	}
	return cleaned
}
