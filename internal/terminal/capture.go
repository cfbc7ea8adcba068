package terminal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ras-daemon/rasd/internal/mux"
)

// capture supervises a single pipe-pane FIFO streaming raw pane bytes
// from the multiplexer into onChunk.
type capture struct {
	fifoPath string
	cancel   context.CancelFunc
}

// startCapture creates a FIFO, asks the multiplexer to pipe muxName's
// pane into it, and spawns a reader goroutine feeding every chunk to
// onChunk until the returned capture is stopped.
func startCapture(ctx context.Context, m mux.Multiplexer, muxName string, onChunk func([]byte)) (*capture, error) {
	fifoPath := filepath.Join(os.TempDir(), fmt.Sprintf("ras-pipe-%s", muxName))
	os.Remove(fifoPath) // stale FIFO from a previous run
	if err := unix.Mkfifo(fifoPath, 0o600); err != nil {
		return nil, fmt.Errorf("terminal: mkfifo: %w", err)
	}

	if err := m.PipePane(ctx, muxName, fifoPath); err != nil {
		os.Remove(fifoPath)
		if !m.HasSession(ctx, muxName) {
			return nil, errSessionGone
		}
		return nil, fmt.Errorf("terminal: pipe-pane: %w", err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	c := &capture{fifoPath: fifoPath, cancel: cancel}
	go c.readLoop(captureCtx, onChunk)
	return c, nil
}

var errSessionGone = fmt.Errorf("terminal: session vanished before capture could start")

func (c *capture) readLoop(ctx context.Context, onChunk func([]byte)) {
	// Opening a FIFO for read blocks until a writer (tmux's pipe-pane
	// shell) opens the other end; that happens as soon as PipePane
	// returns, so this unblocks promptly in practice.
	f, err := os.OpenFile(c.fifoPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		log.Printf("[terminal] open capture fifo %s: %v", c.fifoPath, err)
		return
	}
	defer f.Close()
	defer os.Remove(c.fifoPath)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		f.Close()
		close(done)
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			onChunk(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *capture) stop() {
	c.cancel()
}
