package model

import (
	"time"
)

// ViolationType enumerates integrity events reported to the server.
type ViolationType string

const (
	ViolationTabHidden       ViolationType = "tab_hidden"
	ViolationTabVisible      ViolationType = "tab_visible"
	ViolationWindowBlur      ViolationType = "window_blur"
	ViolationWindowFocus     ViolationType = "window_focus"
	ViolationDevtoolsOpen    ViolationType = "devtools_open"
	ViolationCopy            ViolationType = "copy"
	ViolationPaste           ViolationType = "paste"
	ViolationContextMenu     ViolationType = "context_menu"
	ViolationBlockedShortcut ViolationType = "blocked_shortcut"
	ViolationShareStopped    ViolationType = "screen_share_stopped"
)

// Violation is one detected integrity event.
type Violation struct {
	Type      ViolationType  `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ViolationRequest is the payload of POST /olympiads/{id}/violation.
type ViolationRequest struct {
	ViolationType ViolationType  `json:"violationType"`
	Details       map[string]any `json:"details,omitempty"`
}
