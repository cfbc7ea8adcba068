package clipboard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ras-daemon/rasd/internal/rerr"
)

// Sink delivers clipboard protocol events to a device, mirroring
// terminal.Sink and notify.Sink's (eventType, payload) shape.
type Sink interface {
	Send(deviceID string, eventType string, payload any)
}

// KeySender forwards a paste keystroke to the device's active terminal.
type KeySender interface {
	SendKeys(ctx context.Context, deviceID string, keystroke string) error
}

// ImagePathSender types a completed image's file path into the active
// terminal instead of using the OS clipboard, when wired up.
type ImagePathSender interface {
	SendImagePath(ctx context.Context, deviceID string, path string) error
}

// Manager runs the single in-flight image-transfer state machine plus
// text-paste approval (spec.md §4.15).
type Manager struct {
	cfg       Config
	sink      Sink
	keys      KeySender
	imagePath ImagePathSender // nil falls back to OS-clipboard paste
	platform  PlatformInfo
	backend   Backend

	mu         sync.Mutex
	current    *transfer
	timeoutGen uint64
}

// New constructs a Manager, running startup temp-file hygiene
// immediately. imagePath may be nil.
func New(cfg Config, sink Sink, keys KeySender, imagePath ImagePathSender, platform PlatformInfo, backend Backend) *Manager {
	cleanupOldImageFiles(tempImageMaxAge)
	return &Manager{
		cfg:       cfg,
		sink:      sink,
		keys:      keys,
		imagePath: imagePath,
		platform:  platform,
		backend:   backend,
	}
}

// Verify checks that the configured (or auto-detected) clipboard tool
// is present, for daemon startup preflight.
func (m *Manager) Verify() error {
	tool := m.cfg.ClipboardTool
	if tool == "" {
		tool = m.platform.ClipboardTool
	}
	return CheckTool(tool)
}

func (m *Manager) pasteKeystroke() string {
	if m.cfg.PasteKeystroke != "" {
		return m.cfg.PasteKeystroke
	}
	return m.platform.PasteKeystroke
}

// Handle dispatches an inbound clipboard message to the matching
// handler, exactly one field of which is expected to be set.
func (m *Manager) Handle(ctx context.Context, deviceID string, msg Message) error {
	switch {
	case msg.ImageStart != nil:
		return m.handleImageStart(deviceID, *msg.ImageStart)
	case msg.ImageChunk != nil:
		return m.handleImageChunk(ctx, deviceID, *msg.ImageChunk)
	case msg.ImageCancel != nil:
		return m.handleImageCancel(deviceID, *msg.ImageCancel)
	case msg.TextPaste != nil:
		return m.handleTextPaste(ctx, deviceID, *msg.TextPaste)
	case msg.TextPasteApproved != nil:
		return m.handleTextPasteApproved(ctx, deviceID, *msg.TextPasteApproved)
	default:
		return rerr.New(rerr.CodeInvalidChunk, "clipboard message carries no known payload")
	}
}

func (m *Manager) handleImageStart(deviceID string, start ImageStart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		err := rerr.New(rerr.CodeTransferInProgress, "another transfer is in progress")
		m.sendErrorLocked(deviceID, "", err)
		return err
	}
	if start.TotalSize <= 0 {
		err := rerr.New(rerr.CodeSizeExceeded, "image size must be greater than 0")
		m.sendErrorLocked(deviceID, start.TransferID, err)
		return err
	}
	if start.TotalSize > m.cfg.MaxImageSize {
		err := rerr.Codef(rerr.CodeSizeExceeded, "image exceeds %dMB limit", m.cfg.MaxImageSize/1024/1024)
		m.sendErrorLocked(deviceID, start.TransferID, err)
		return err
	}
	if start.Format == FormatUnspecified {
		err := rerr.New(rerr.CodeInvalidFormat, "image format not specified")
		m.sendErrorLocked(deviceID, start.TransferID, err)
		return err
	}
	if start.TotalChunks <= 0 {
		err := rerr.New(rerr.CodeInvalidChunk, "total chunks must be greater than 0")
		m.sendErrorLocked(deviceID, start.TransferID, err)
		return err
	}

	m.current = newTransfer(start.TransferID, deviceID, start.TotalSize, start.Format, start.TotalChunks)
	m.startTimeoutLocked()
	return nil
}

func (m *Manager) handleImageChunk(ctx context.Context, deviceID string, chunk ImageChunk) error {
	m.mu.Lock()

	if m.current == nil {
		err := rerr.New(rerr.CodeInvalidChunk, "no transfer in progress")
		m.sendErrorLocked(deviceID, "", err)
		m.mu.Unlock()
		return err
	}
	if m.current.transferID != chunk.TransferID {
		m.mu.Unlock()
		return nil // late arrival for a superseded transfer; ignore
	}
	if chunk.Index < 0 || chunk.Index >= m.current.totalChunks {
		err := rerr.Codef(rerr.CodeInvalidChunk, "invalid chunk index: %d", chunk.Index)
		m.sendErrorLocked(deviceID, chunk.TransferID, err)
		m.mu.Unlock()
		return err
	}
	if len(chunk.Data) > m.cfg.ChunkSize {
		err := rerr.Codef(rerr.CodeInvalidChunk, "chunk exceeds %d bytes", m.cfg.ChunkSize)
		m.sendErrorLocked(deviceID, chunk.TransferID, err)
		m.mu.Unlock()
		return err
	}

	m.current.chunks[chunk.Index] = append([]byte(nil), chunk.Data...)
	m.startTimeoutLocked()
	m.sendProgressLocked(deviceID)

	complete := m.current.isComplete()
	m.mu.Unlock()

	if complete {
		m.completeImageTransfer(ctx, deviceID)
	}
	return nil
}

func (m *Manager) handleImageCancel(deviceID string, cancel ImageCancel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.transferID != cancel.TransferID {
		return nil
	}
	m.cancelTimeoutLocked()
	m.current = nil
	m.sink.Send(deviceID, "clipboard_cancelled", Cancelled{TransferID: cancel.TransferID})
	return nil
}

func (m *Manager) handleTextPaste(ctx context.Context, deviceID string, msg TextPaste) error {
	size := len(msg.Text)
	if size == 0 {
		err := rerr.New(rerr.CodeSizeExceeded, "text cannot be empty")
		m.sendError(deviceID, "", err)
		return err
	}

	if size > m.cfg.TextApprovalThreshold {
		preview := msg.Text
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		m.sink.Send(deviceID, "clipboard_approval_required", ApprovalRequired{Size: size, Preview: preview})
		return nil
	}

	return m.pasteText(ctx, deviceID, msg.Text)
}

func (m *Manager) handleTextPasteApproved(ctx context.Context, deviceID string, msg TextPasteApproved) error {
	return m.pasteText(ctx, deviceID, msg.Text)
}

func (m *Manager) pasteText(ctx context.Context, deviceID, text string) error {
	if err := m.backend.SetText(ctx, text); err != nil {
		wrapped := rerr.Codef(rerr.CodeClipboardFailed, "%v", err)
		m.sendError(deviceID, "", wrapped)
		return wrapped
	}
	if err := m.keys.SendKeys(ctx, deviceID, m.pasteKeystroke()); err != nil {
		wrapped := rerr.Codef(rerr.CodePasteFailed, "%v", err)
		m.sendError(deviceID, "", wrapped)
		return wrapped
	}
	m.sink.Send(deviceID, "clipboard_complete", Complete{ContentType: ContentText})
	return nil
}

func (m *Manager) completeImageTransfer(ctx context.Context, deviceID string) {
	m.mu.Lock()
	t := m.current
	if t == nil {
		m.mu.Unlock()
		return
	}
	m.cancelTimeoutLocked()
	t.state = StateAssembling
	m.mu.Unlock()

	data := make([]byte, 0, t.totalSize)
	for i := 0; i < t.totalChunks; i++ {
		data = append(data, t.chunks[i]...)
	}

	if int64(len(data)) != t.totalSize {
		m.sendError(deviceID, t.transferID, rerr.Codef(rerr.CodeChunkMissing,
			"size mismatch: expected %d, got %d", t.totalSize, len(data)))
		return
	}

	m.mu.Lock()
	t.state = StatePasting
	m.mu.Unlock()

	path := filepath.Join(os.TempDir(), fmt.Sprintf("ras-image-%s%s", shortID(t.transferID), t.format.ext()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		m.sendError(deviceID, t.transferID, rerr.Codef(rerr.CodeClipboardFailed, "failed to save image: %v", err))
		return
	}

	if m.imagePath != nil {
		if err := m.imagePath.SendImagePath(ctx, deviceID, path); err != nil {
			m.sendError(deviceID, t.transferID, rerr.Codef(rerr.CodePasteFailed, "%v", err))
			return
		}
	} else {
		timeoutCtx, cancel := context.WithTimeout(ctx, m.cfg.PasteTimeout)
		err := m.backend.SetImage(timeoutCtx, data, t.format)
		cancel()
		if err != nil {
			m.sendError(deviceID, t.transferID, rerr.Codef(rerr.CodeClipboardFailed, "%v", err))
			return
		}
		if err := m.keys.SendKeys(ctx, deviceID, m.pasteKeystroke()); err != nil {
			m.sendError(deviceID, t.transferID, rerr.Codef(rerr.CodePasteFailed, "%v", err))
			return
		}
	}

	m.mu.Lock()
	t.state = StateComplete
	m.current = nil
	m.mu.Unlock()

	m.sink.Send(deviceID, "clipboard_complete", Complete{TransferID: t.transferID, ContentType: ContentImage})
}

func (m *Manager) sendProgressLocked(deviceID string) {
	t := m.current
	m.sink.Send(deviceID, "clipboard_progress", Progress{
		TransferID:     t.transferID,
		ReceivedChunks: t.receivedCount(),
		TotalChunks:    t.totalChunks,
		ReceivedBytes:  t.receivedBytes(),
		TotalBytes:     t.totalSize,
	})
}

func (m *Manager) sendError(deviceID, transferID string, err *rerr.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrorLocked(deviceID, transferID, err)
}

func (m *Manager) sendErrorLocked(deviceID, transferID string, err *rerr.Error) {
	m.sink.Send(deviceID, "clipboard_error", ErrorEvent{TransferID: transferID, Code: err.Code, Message: err.Message})
	m.cancelTimeoutLocked()
	m.current = nil
}

func (m *Manager) startTimeoutLocked() {
	m.timeoutGen++
	gen := m.timeoutGen
	timeout := m.cfg.TransferTimeout
	time.AfterFunc(timeout, func() { m.onTimeout(gen, timeout) })
}

func (m *Manager) cancelTimeoutLocked() {
	m.timeoutGen++
}

func (m *Manager) onTimeout(gen uint64, timeout time.Duration) {
	m.mu.Lock()
	if gen != m.timeoutGen || m.current == nil {
		m.mu.Unlock()
		return
	}
	t := m.current
	err := rerr.Codef(rerr.CodeTransferTimeout, "no data received for %s", timeout)
	m.sendErrorLocked(t.deviceID, t.transferID, err)
	m.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
