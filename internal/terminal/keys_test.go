package terminal

import "testing"

func TestEncodeBaseSequences(t *testing.T) {
	cases := []struct {
		key  KeyType
		want string
	}{
		{KeyEnter, "\r"},
		{KeyTab, "\t"},
		{KeyBackspace, "\x7f"},
		{KeyEscape, "\x1b"},
		{KeyDelete, "\x1b[3~"},
		{KeyInsert, "\x1b[2~"},
		{KeyUp, "\x1b[A"},
		{KeyDown, "\x1b[B"},
		{KeyRight, "\x1b[C"},
		{KeyLeft, "\x1b[D"},
		{KeyHome, "\x1b[H"},
		{KeyEnd, "\x1b[F"},
		{KeyPageUp, "\x1b[5~"},
		{KeyPageDown, "\x1b[6~"},
		{KeyF1, "\x1bOP"},
		{KeyF4, "\x1bOS"},
		{KeyF5, "\x1b[15~"},
		{KeyF12, "\x1b[24~"},
		{KeyCtrlC, "\x03"},
		{KeyCtrlD, "\x04"},
		{KeyCtrlZ, "\x1a"},
	}
	for _, c := range cases {
		got := string(Encode(c.key, 0))
		if got != c.want {
			t.Errorf("Encode(%s, 0) = %q, want %q", c.key, got, c.want)
		}
	}
}

func TestShiftTabProducesCSIZ(t *testing.T) {
	got := string(Encode(KeyTab, ModShift))
	if got != "\x1b[Z" {
		t.Fatalf("Shift+Tab = %q, want ESC[Z", got)
	}
}

func TestModifierRewritesExtendedSequences(t *testing.T) {
	got := string(Encode(KeyUp, ModCtrl))
	if got != "\x1b[1;5A" {
		t.Fatalf("Ctrl+Up = %q, want ESC[1;5A", got)
	}
	got = string(Encode(KeyDelete, ModShift|ModAlt))
	if got != "\x1b[3;4~" {
		t.Fatalf("Shift+Alt+Delete = %q, want ESC[3;4~", got)
	}
	got = string(Encode(KeyF1, ModCtrl))
	if got != "\x1b[1;5P" {
		t.Fatalf("Ctrl+F1 = %q, want ESC[1;5P", got)
	}
}

func TestCtrlCIgnoresExtraModifier(t *testing.T) {
	got := string(Encode(KeyCtrlC, ModAlt))
	if got != "\x03" {
		t.Fatalf("Ctrl+C with extra modifier = %q, want 0x03 unaffected", got)
	}
}

func TestEncodeElementsConcatenatesInOrder(t *testing.T) {
	elements := []Element{
		{Type: KeyText, Text: "ls -la"},
		{Type: KeyEnter},
	}
	got := string(EncodeElements(elements))
	if got != "ls -la\r" {
		t.Fatalf("EncodeElements = %q, want %q", got, "ls -la\r")
	}
}
