package notify

import (
	"regexp"
	"sync"

	"github.com/charmbracelet/x/vt"
)

// ansiEscape strips CSI sequences (including private-mode prefixes like
// ESC[?1049h), OSC sequences terminated by BEL, and character-set
// selection sequences, so pattern matching runs against the text a user
// would actually read rather than raw control codes. No pack example
// strips ANSI escapes for pattern-matching purposes, so this mirrors the
// escape-sequence shapes the reference notification matcher strips
// rather than any example's code.
var ansiEscape = regexp.MustCompile(
	"\x1b\\[\\??[0-9;]*[a-zA-Z]" +
		"|\x1b\\].*?\x07" +
		"|\x1b\\([A-Za-z]",
)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// altScreenTracker feeds raw output through a vt.Emulator purely to track
// alternate-screen-buffer transitions (DECSET 1049/47/1047) through the
// emulator's AltScreen callback — authoritative state tracking instead of regexing the enter/exit escapes by hand, which
// would desync from any sequence variant the emulator already handles.
type altScreenTracker struct {
	mu  sync.Mutex
	emu *vt.Emulator
	alt bool
}

func newAltScreenTracker() *altScreenTracker {
	t := &altScreenTracker{emu: vt.NewEmulator(1, 1)}
	t.emu.SetCallbacks(vt.Callbacks{
		AltScreen: func(on bool) {
			t.alt = on
		},
	})
	return t
}

// feed writes raw (pre-strip) output into the emulator and returns the
// resulting alt-screen state.
func (t *altScreenTracker) feed(raw []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emu.Write(raw)
	return t.alt
}
