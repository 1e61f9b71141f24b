// Package host is the narrow window/badge surface of the browser the broker
// runs behind. The extension shell owns the real browser APIs; the broker
// only ever asks it to open a window, close a window or set the badge.
package host

import (
	"context"
)

// WindowID is the browser's opaque window handle.
type WindowID int64

type WindowSpec struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Left   int    `json:"left"`
	Top    int    `json:"top"`
}

type Host interface {
	OpenWindow(ctx context.Context, spec WindowSpec) (WindowID, error)
	CloseWindow(ctx context.Context, id WindowID) error
	SetBadge(ctx context.Context, text string) error
}

// Command names sent to the shell.
const (
	CommandOpenWindow  = "window.create"
	CommandCloseWindow = "window.remove"
	CommandSetBadge    = "badge.setText"
)

// Command is an outbound request for the shell. The shell answers with a
// host.result message carrying the same ID.
type Command struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Payload any    `json:"payload"`
}
