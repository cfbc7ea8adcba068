package daemon

import (
	"encoding/json"

	"github.com/ras-daemon/rasd/internal/clipboard"
	"github.com/ras-daemon/rasd/internal/mux"
)

// envelope wraps every device-channel message with a variant field for
// dispatch, using a type-tagged-then-reparse pattern: unmarshal the
// envelope first to read the variant, then unmarshal the same bytes
// again into the variant's own payload type.
type envelope struct {
	Variant string `json:"variant"`
}

// sessionCommand is the payload for the "session" variant (spec.md §4.11).
type sessionCommand struct {
	Op          string `json:"op"` // list, create, kill, rename, get_agents, get_directories
	Directory   string `json:"directory,omitempty"`
	Agent       string `json:"agent,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// terminalCommand is the payload for the "terminal" variant (spec.md §4.12).
type terminalCommand struct {
	Op           string            `json:"op"` // attach, detach, input, resize
	SessionID    string            `json:"session_id"`
	FromSequence *uint64           `json:"from_sequence,omitempty"`
	Size         *mux.WindowSize   `json:"size,omitempty"`
	Elements     []terminalElement `json:"elements,omitempty"`
}

type terminalElement struct {
	Type      string `json:"type"`
	Modifiers int    `json:"modifiers,omitempty"`
	Text      string `json:"text,omitempty"`
}

// pingCommand is the payload for the "ping" variant, answered with a
// "pong" event carrying the same nonce.
type pingCommand struct {
	Nonce string `json:"nonce,omitempty"`
}

func decodeVariant(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Variant, nil
}

func decodeSessionCommand(data []byte) (sessionCommand, error) {
	var cmd sessionCommand
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

func decodeTerminalCommand(data []byte) (terminalCommand, error) {
	var cmd terminalCommand
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}

func decodeClipboardMessage(data []byte) (clipboard.Message, error) {
	var msg clipboard.Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func decodePingCommand(data []byte) (pingCommand, error) {
	var cmd pingCommand
	err := json.Unmarshal(data, &cmd)
	return cmd, err
}
