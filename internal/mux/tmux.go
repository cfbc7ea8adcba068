// Package mux wraps the multiplexer CLI (spec.md §6 External Interfaces):
// a thin exec.Command layer over tmux subcommands, plus a pty-backed
// development harness satisfying the same interface for environments
// without tmux installed.
package mux

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MinVersion is the lowest tmux release the daemon supports.
const MinVersion = "2.1"

// WindowSize is a terminal's column/row extent.
type WindowSize struct {
	Cols int
	Rows int
}

// SessionInfo mirrors one row of `tmux list-sessions`.
type SessionInfo struct {
	Name     string
	Windows  int
	Attached bool
}

// Multiplexer is the interface the session and terminal managers program
// against; Tmux and the pty dev harness both implement it.
type Multiplexer interface {
	Verify(ctx context.Context) (version string, err error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	NewSession(ctx context.Context, name, dir, command string) error
	KillSession(ctx context.Context, name string) error
	HasSession(ctx context.Context, name string) bool
	SendKeys(ctx context.Context, name string, data []byte, literal bool) error
	CapturePane(ctx context.Context, name string) (string, error)
	ResizeWindow(ctx context.Context, name string, size WindowSize) error
	GetWindowSize(ctx context.Context, name string) (WindowSize, error)
	PipePane(ctx context.Context, name, targetPath string) error
}

// Tmux shells out to a tmux binary, optionally bound to a private server
// socket so sessions stay isolated from the user's interactive tmux.
type Tmux struct {
	Binary     string
	SocketPath string
}

// New returns a Tmux wrapper, defaulting Binary to "tmux".
func New(socketPath string) *Tmux {
	return &Tmux{Binary: "tmux", SocketPath: socketPath}
}

func (t *Tmux) command(ctx context.Context, args ...string) *exec.Cmd {
	full := args
	if t.SocketPath != "" {
		full = append([]string{"-S", t.SocketPath}, args...)
	}
	return exec.CommandContext(ctx, t.Binary, full...)
}

// Verify runs `tmux -V` and returns the reported version string.
func (t *Tmux) Verify(ctx context.Context) (string, error) {
	out, err := t.command(ctx, "-V").Output()
	if err != nil {
		return "", fmt.Errorf("tmux -V: %w", err)
	}
	version := strings.TrimSpace(string(out))
	version = strings.TrimPrefix(version, "tmux ")
	return version, nil
}

// ListSessions runs `tmux list-sessions` with a fixed format string.
func (t *Tmux) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := t.command(ctx, "list-sessions", "-F", "#{session_name}\t#{session_windows}\t#{session_attached}").Output()
	if err != nil {
		if isNoServerRunning(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	var sessions []SessionInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 3 {
			continue
		}
		windows, _ := strconv.Atoi(fields[1])
		sessions = append(sessions, SessionInfo{
			Name:     fields[0],
			Windows:  windows,
			Attached: fields[2] == "1",
		})
	}
	return sessions, nil
}

// NewSession creates a detached session named name in dir, running command.
func (t *Tmux) NewSession(ctx context.Context, name, dir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	if out, err := t.command(ctx, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// KillSession terminates name.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if out, err := t.command(ctx, "kill-session", "-t", name).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux kill-session: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// HasSession reports whether name currently exists.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	return t.command(ctx, "has-session", "-t", name).Run() == nil
}

// SendKeys forwards data to name. literal suppresses tmux's own key-name
// parsing so raw bytes (including escape sequences) pass through untouched.
func (t *Tmux) SendKeys(ctx context.Context, name string, data []byte, literal bool) error {
	args := []string{"send-keys", "-t", name}
	if literal {
		args = append(args, "-l")
	}
	args = append(args, string(data))
	if out, err := t.command(ctx, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CapturePane returns the current visible contents of name's pane.
func (t *Tmux) CapturePane(ctx context.Context, name string) (string, error) {
	out, err := t.command(ctx, "capture-pane", "-t", name, "-p").Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}

// ResizeWindow sets name's window to the given size.
func (t *Tmux) ResizeWindow(ctx context.Context, name string, size WindowSize) error {
	args := []string{"resize-window", "-t", name, "-x", strconv.Itoa(size.Cols), "-y", strconv.Itoa(size.Rows)}
	if out, err := t.command(ctx, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux resize-window: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// GetWindowSize reads name's current window dimensions.
func (t *Tmux) GetWindowSize(ctx context.Context, name string) (WindowSize, error) {
	out, err := t.command(ctx, "display-message", "-t", name, "-p", "#{window_width}\t#{window_height}").Output()
	if err != nil {
		return WindowSize{}, fmt.Errorf("tmux display-message: %w", err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), "\t")
	if len(fields) != 2 {
		return WindowSize{}, fmt.Errorf("tmux display-message: unexpected output %q", out)
	}
	cols, _ := strconv.Atoi(fields[0])
	rows, _ := strconv.Atoi(fields[1])
	return WindowSize{Cols: cols, Rows: rows}, nil
}

// PipePane starts streaming name's raw pane bytes to targetPath, a named
// pipe the daemon reads from for output capture.
func (t *Tmux) PipePane(ctx context.Context, name, targetPath string) error {
	args := []string{"pipe-pane", "-t", name, "-O", fmt.Sprintf("cat >> %s", shellQuote(targetPath))}
	if out, err := t.command(ctx, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux pipe-pane: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isNoServerRunning(err error) bool {
	var exitErr *exec.ExitError
	if eerr, ok := err.(*exec.ExitError); ok {
		exitErr = eerr
	}
	return exitErr != nil && exitErr.ExitCode() == 1
}
