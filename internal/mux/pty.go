package mux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// PtyHarness is a creack/pty-backed Multiplexer satisfying the same
// interface as Tmux, for development and tests on machines without a
// tmux binary. Each "session" is one pty-attached subprocess.
type PtyHarness struct {
	mu       sync.Mutex
	sessions map[string]*ptySession
}

type ptySession struct {
	cmd *exec.Cmd
	f   *os.File
	buf []byte
}

// NewPtyHarness returns an empty harness.
func NewPtyHarness() *PtyHarness {
	return &PtyHarness{sessions: make(map[string]*ptySession)}
}

func (h *PtyHarness) Verify(ctx context.Context) (string, error) {
	return MinVersion, nil
}

func (h *PtyHarness) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []SessionInfo
	for name := range h.sessions {
		out = append(out, SessionInfo{Name: name, Windows: 1, Attached: false})
	}
	return out, nil
}

func (h *PtyHarness) NewSession(ctx context.Context, name, dir, command string) error {
	if command == "" {
		command = "/bin/sh"
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}
	h.mu.Lock()
	h.sessions[name] = &ptySession{cmd: cmd, f: f}
	h.mu.Unlock()
	return nil
}

func (h *PtyHarness) KillSession(ctx context.Context, name string) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	delete(h.sessions, name)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("pty: no such session %q", name)
	}
	s.f.Close()
	return s.cmd.Process.Kill()
}

func (h *PtyHarness) HasSession(ctx context.Context, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[name]
	return ok
}

func (h *PtyHarness) SendKeys(ctx context.Context, name string, data []byte, literal bool) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("pty: no such session %q", name)
	}
	_, err := s.f.Write(data)
	return err
}

func (h *PtyHarness) CapturePane(ctx context.Context, name string) (string, error) {
	return "", fmt.Errorf("pty: capture-pane not supported, use PipePane")
}

func (h *PtyHarness) ResizeWindow(ctx context.Context, name string, size WindowSize) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("pty: no such session %q", name)
	}
	return pty.Setsize(s.f, &pty.Winsize{Cols: uint16(size.Cols), Rows: uint16(size.Rows)})
}

func (h *PtyHarness) GetWindowSize(ctx context.Context, name string) (WindowSize, error) {
	return WindowSize{Cols: 80, Rows: 24}, nil
}

// PipePane streams the pty's raw bytes to targetPath as they arrive.
func (h *PtyHarness) PipePane(ctx context.Context, name, targetPath string) error {
	h.mu.Lock()
	s, ok := h.sessions[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("pty: no such session %q", name)
	}
	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open pipe target: %w", err)
	}
	go func() {
		defer out.Close()
		buf := make([]byte, 4096)
		for {
			n, err := s.f.Read(buf)
			if n > 0 {
				out.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

var _ Multiplexer = (*PtyHarness)(nil)
var _ Multiplexer = (*Tmux)(nil)
