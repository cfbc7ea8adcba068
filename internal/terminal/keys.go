package terminal

import "fmt"

// Modifier bits, combined with OR (spec.md §4.13).
const (
	ModShift = 1
	ModAlt   = 2
	ModCtrl  = 4
)

// KeyType names one logical key input.
type KeyType string

const (
	KeyText      KeyType = "text" // literal UTF-8 text, carried in Element.Text
	KeyEnter     KeyType = "enter"
	KeyTab       KeyType = "tab"
	KeyBackspace KeyType = "backspace"
	KeyEscape    KeyType = "escape"
	KeyDelete    KeyType = "delete"
	KeyInsert    KeyType = "insert"
	KeyUp        KeyType = "up"
	KeyDown      KeyType = "down"
	KeyRight     KeyType = "right"
	KeyLeft      KeyType = "left"
	KeyHome      KeyType = "home"
	KeyEnd       KeyType = "end"
	KeyPageUp    KeyType = "page_up"
	KeyPageDown  KeyType = "page_down"
	KeyF1        KeyType = "f1"
	KeyF2        KeyType = "f2"
	KeyF3        KeyType = "f3"
	KeyF4        KeyType = "f4"
	KeyF5        KeyType = "f5"
	KeyF6        KeyType = "f6"
	KeyF7        KeyType = "f7"
	KeyF8        KeyType = "f8"
	KeyF9        KeyType = "f9"
	KeyF10       KeyType = "f10"
	KeyF11       KeyType = "f11"
	KeyF12       KeyType = "f12"
	KeyCtrlC     KeyType = "ctrl_c"
	KeyCtrlD     KeyType = "ctrl_d"
	KeyCtrlZ     KeyType = "ctrl_z"
)

// Element is one keystroke the client sent: either literal text, or a
// named key plus its modifier bits.
type Element struct {
	Type      KeyType
	Modifiers int
	Text      string
}

// extended describes a CSI/SS3-style sequence eligible for the
// modifier-rewrite rule.
type extended struct {
	params string
	final  byte
	ssForm bool // true for ESC O <final> (F1-F4); false for ESC[ ... <final>
}

var extendedSeqs = map[KeyType]extended{
	KeyDelete:   {params: "3", final: '~'},
	KeyInsert:   {params: "2", final: '~'},
	KeyUp:       {params: "", final: 'A'},
	KeyDown:     {params: "", final: 'B'},
	KeyRight:    {params: "", final: 'C'},
	KeyLeft:     {params: "", final: 'D'},
	KeyHome:     {params: "", final: 'H'},
	KeyEnd:      {params: "", final: 'F'},
	KeyPageUp:   {params: "5", final: '~'},
	KeyPageDown: {params: "6", final: '~'},
	KeyF1:       {params: "", final: 'P', ssForm: true},
	KeyF2:       {params: "", final: 'Q', ssForm: true},
	KeyF3:       {params: "", final: 'R', ssForm: true},
	KeyF4:       {params: "", final: 'S', ssForm: true},
	KeyF5:       {params: "15", final: '~'},
	KeyF6:       {params: "17", final: '~'},
	KeyF7:       {params: "18", final: '~'},
	KeyF8:       {params: "19", final: '~'},
	KeyF9:       {params: "20", final: '~'},
	KeyF10:      {params: "21", final: '~'},
	KeyF11:      {params: "23", final: '~'},
	KeyF12:      {params: "24", final: '~'},
}

// Encode translates a (KeyType, modifiers) pair to the bytes tmux's
// send-keys -l flag should forward verbatim.
func Encode(keyType KeyType, modifiers int) []byte {
	switch keyType {
	case KeyEnter:
		return []byte("\r")
	case KeyTab:
		if modifiers == ModShift {
			return []byte("\x1b[Z")
		}
		return []byte("\t")
	case KeyBackspace:
		return []byte{0x7f}
	case KeyEscape:
		return []byte{0x1b}
	case KeyCtrlC:
		return []byte{0x03}
	case KeyCtrlD:
		return []byte{0x04}
	case KeyCtrlZ:
		return []byte{0x1a}
	}

	if seq, ok := extendedSeqs[keyType]; ok {
		return encodeExtended(seq, modifiers)
	}
	return nil
}

func encodeExtended(seq extended, modifiers int) []byte {
	if modifiers == 0 {
		if seq.ssForm {
			return []byte(fmt.Sprintf("\x1bO%c", seq.final))
		}
		return []byte(fmt.Sprintf("\x1b[%s%c", seq.params, seq.final))
	}
	params := seq.params
	if params == "" {
		params = "1"
	}
	modParam := 1 + modifiers
	return []byte(fmt.Sprintf("\x1b[%s;%d%c", params, modParam, seq.final))
}

// EncodeElement turns one client-supplied key element into raw bytes:
// literal text passes through as UTF-8; named keys go through Encode.
func EncodeElement(e Element) []byte {
	if e.Type == KeyText {
		return []byte(e.Text)
	}
	return Encode(e.Type, e.Modifiers)
}

// EncodeElements concatenates the encoded bytes of every element in order.
func EncodeElements(elements []Element) []byte {
	var out []byte
	for _, e := range elements {
		out = append(out, EncodeElement(e)...)
	}
	return out
}
