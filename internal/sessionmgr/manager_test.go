package sessionmgr

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ras-daemon/rasd/internal/mux"
	"github.com/ras-daemon/rasd/internal/rerr"
)

type fakeMux struct {
	mu       sync.Mutex
	sessions map[string]mux.SessionInfo
	failNew  bool
	failKill bool
}

func newFakeMux() *fakeMux {
	return &fakeMux{sessions: make(map[string]mux.SessionInfo)}
}

func (f *fakeMux) Verify(ctx context.Context) (string, error) { return "3.2", nil }

func (f *fakeMux) ListSessions(ctx context.Context) ([]mux.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mux.SessionInfo
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeMux) NewSession(ctx context.Context, name, dir, command string) error {
	if f.failNew {
		return errFake
	}
	f.mu.Lock()
	f.sessions[name] = mux.SessionInfo{Name: name, Windows: 1}
	f.mu.Unlock()
	return nil
}

func (f *fakeMux) KillSession(ctx context.Context, name string) error {
	if f.failKill {
		return errFake
	}
	f.mu.Lock()
	delete(f.sessions, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeMux) HasSession(ctx context.Context, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

func (f *fakeMux) SendKeys(ctx context.Context, name string, data []byte, literal bool) error {
	return nil
}
func (f *fakeMux) CapturePane(ctx context.Context, name string) (string, error) { return "", nil }
func (f *fakeMux) ResizeWindow(ctx context.Context, name string, size mux.WindowSize) error {
	return nil
}
func (f *fakeMux) GetWindowSize(ctx context.Context, name string) (mux.WindowSize, error) {
	return mux.WindowSize{Cols: 80, Rows: 24}, nil
}
func (f *fakeMux) PipePane(ctx context.Context, name, targetPath string) error { return nil }

// adopt registers a session directly in the fake mux's table without going
// through NewSession, simulating a session the daemon never created.
func (f *fakeMux) adopt(name string) {
	f.mu.Lock()
	f.sessions[name] = mux.SessionInfo{Name: name, Windows: 1}
	f.mu.Unlock()
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFake = fakeErr("fake mux failure")

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func testManager(t *testing.T, fm *fakeMux) (*Manager, *recordingEmitter) {
	t.Helper()
	root := t.TempDir()
	emitter := &recordingEmitter{}
	m, err := New(fm, emitter, Config{
		DBPath:  filepath.Join(t.TempDir(), "sessions.db"),
		RootDir: root,
		Agents:  map[string]string{"claude": "claude"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m, emitter
}

func TestCreateSessionHappyPath(t *testing.T) {
	fm := newFakeMux()
	m, emitter := testManager(t, fm)

	record, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude", DisplayName: "My Session"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ValidSessionID(record.ID) {
		t.Fatalf("expected a 12-char alphanumeric id, got %q", record.ID)
	}
	if record.Status != StatusActive {
		t.Fatalf("expected active status, got %q", record.Status)
	}
	if !fm.HasSession(context.Background(), record.MuxName) {
		t.Fatalf("expected mux session to exist")
	}

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 || emitter.events[0].Type != "created" {
		t.Fatalf("expected one created event, got %+v", emitter.events)
	}
}

func TestCreateRejectsUnknownAgent(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	_, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "nope"})
	if rerr.CodeOf(err) != rerr.CodeAgentNotFound {
		t.Fatalf("expected CodeAgentNotFound, got %v", err)
	}
}

func TestCreateRejectsDirectoryOutsideRoot(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	_, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude", Directory: "/etc"})
	if rerr.CodeOf(err) != rerr.CodeDirNotAllowed {
		t.Fatalf("expected CodeDirNotAllowed, got %v", err)
	}
}

func TestCreateEnforcesMaxSessions(t *testing.T) {
	fm := newFakeMux()
	root := t.TempDir()
	emitter := &recordingEmitter{}
	m, err := New(fm, emitter, Config{
		DBPath:      filepath.Join(t.TempDir(), "sessions.db"),
		RootDir:     root,
		Agents:      map[string]string{"claude": "claude"},
		MaxSessions: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Initialize(context.Background())

	if _, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err = m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	if rerr.CodeOf(err) != rerr.CodeMaxSessionsReached {
		t.Fatalf("expected CodeMaxSessionsReached, got %v", err)
	}
}

func TestCreateRollsBackOnMuxFailure(t *testing.T) {
	fm := newFakeMux()
	fm.failNew = true
	m, _ := testManager(t, fm)

	_, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	if rerr.CodeOf(err) != rerr.CodeTmuxError {
		t.Fatalf("expected CodeTmuxError, got %v", err)
	}
	sessions, _ := m.List(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions to remain after rollback, got %d", len(sessions))
	}
}

func TestKillRemovesSession(t *testing.T) {
	fm := newFakeMux()
	m, emitter := testManager(t, fm)

	record, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Kill(context.Background(), record.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := m.Get(record.ID); ok {
		t.Fatalf("expected session to be gone after kill")
	}

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	var sawKilled bool
	for _, e := range emitter.events {
		if e.Type == "killed" {
			sawKilled = true
		}
	}
	if !sawKilled {
		t.Fatalf("expected a killed event, got %+v", emitter.events)
	}
}

func TestKillUnknownSessionErrors(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	err := m.Kill(context.Background(), "nonexistent1")
	if rerr.CodeOf(err) != rerr.CodeSessionNotFound {
		t.Fatalf("expected CodeSessionNotFound, got %v", err)
	}
}

func TestRenameRejectsDuplicate(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	a, _ := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude", DisplayName: "alpha"})
	b, _ := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude", DisplayName: "beta"})

	err := m.Rename(context.Background(), b.ID, "alpha")
	if rerr.CodeOf(err) != rerr.CodeSessionExists {
		t.Fatalf("expected CodeSessionExists, got %v", err)
	}

	if err := m.Rename(context.Background(), a.ID, "  alpha   renamed  "); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	updated, _ := m.Get(a.ID)
	if updated.DisplayName != "alpha renamed" {
		t.Fatalf("expected sanitized display name, got %q", updated.DisplayName)
	}
}

func TestReconcileAdoptsUntrackedMuxSession(t *testing.T) {
	fm := newFakeMux()
	fm.adopt("some-foreign-session")
	m, _ := testManager(t, fm)

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Agent != "unknown" {
		t.Fatalf("expected one adopted session with agent=unknown, got %+v", sessions)
	}
}

func TestReconcileDropsVanishedSession(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	record, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fm.mu.Lock()
	delete(fm.sessions, record.MuxName)
	fm.mu.Unlock()

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected vanished session to be dropped, got %+v", sessions)
	}
}

func TestListSortedByLastActivityDesc(t *testing.T) {
	fm := newFakeMux()
	m, _ := testManager(t, fm)

	a, _ := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	b, _ := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})

	m.Touch(a.ID, time.Now().Add(time.Hour))

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != a.ID || sessions[1].ID != b.ID {
		t.Fatalf("expected a before b by last activity, got %+v", sessions)
	}
}

func TestCreateEnforcesPerDeviceRateLimit(t *testing.T) {
	fm := newFakeMux()
	root := t.TempDir()
	emitter := &recordingEmitter{}
	m, err := New(fm, emitter, Config{
		DBPath:     filepath.Join(t.TempDir(), "sessions.db"),
		RootDir:    root,
		Agents:     map[string]string{"claude": "claude"},
		CreateRate: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Initialize(context.Background())

	for i := 0; i < 2; i++ {
		if _, err := m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"}); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	_, err = m.Create(context.Background(), CreateRequest{DeviceID: "dev-1", Agent: "claude"})
	if rerr.CodeOf(err) != rerr.CodeRateLimited {
		t.Fatalf("expected CodeRateLimited, got %v", err)
	}
}
