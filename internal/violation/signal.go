package violation

import (
	"strings"
	"time"
)

// SignalKind names a browser event forwarded by the shell.
type SignalKind string

const (
	SignalHidden         SignalKind = "visibility_hidden"
	SignalVisible        SignalKind = "visibility_visible"
	SignalBlur           SignalKind = "blur"
	SignalFocus          SignalKind = "focus"
	SignalCopy           SignalKind = "copy"
	SignalPaste          SignalKind = "paste"
	SignalContextMenu    SignalKind = "context_menu"
	SignalKeyDown        SignalKind = "keydown"
	SignalDevtoolsTiming SignalKind = "devtools_timing"
)

// Signal is one browser event.
type Signal struct {
	Kind      SignalKind     `json:"kind" binding:"required"`
	Key       string         `json:"key,omitempty"`
	Ctrl      bool           `json:"ctrl,omitempty"`
	Shift     bool           `json:"shift,omitempty"`
	Alt       bool           `json:"alt,omitempty"`
	Meta      bool           `json:"meta,omitempty"`
	ElapsedMs int64          `json:"elapsedMs,omitempty"`
	At        time.Time      `json:"at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Decision tells the shell what to do with the event it forwarded.
type Decision struct {
	Suppress bool   `json:"suppress"`
	Warning  string `json:"warning,omitempty"`
}

const (
	warnContextMenu = "Klik kanan dinonaktifkan selama ujian."
	warnShortcut    = "Pintasan keyboard ini tidak diizinkan selama ujian."
)

var blockedShortcuts = map[string]struct{}{
	"f12":          {},
	"ctrl+shift+i": {},
	"ctrl+shift+j": {},
	"ctrl+shift+c": {},
	"ctrl+shift+k": {},
	"ctrl+u":       {},
	"ctrl+s":       {},
	"ctrl+p":       {},
	"printscreen":  {},
	"meta+alt+i":   {},
	"meta+alt+j":   {},
	"meta+alt+c":   {},
	"meta+shift+s": {},
}

// Combo renders the key combination as "ctrl+shift+i".
func (s Signal) Combo() string {
	var parts []string
	if s.Ctrl {
		parts = append(parts, "ctrl")
	}
	if s.Meta {
		parts = append(parts, "meta")
	}
	if s.Alt {
		parts = append(parts, "alt")
	}
	if s.Shift {
		parts = append(parts, "shift")
	}
	return strings.Join(append(parts, strings.ToLower(s.Key)), "+")
}

// Blocked reports whether the combination is suppressed during the exam.
func (s Signal) Blocked() bool {
	_, ok := blockedShortcuts[s.Combo()]
	return ok
}
