// Package portal registers global keyboard shortcuts through the
// xdg-desktop-portal GlobalShortcuts broker. Wayland compositors do not
// expose shortcut registration directly; the portal mediates it behind a
// user-facing permission dialog, which makes registration a long-lived,
// stateful protocol exchange rather than a single call.
package portal

import (
	"context"
	"os"
)

// Request describes one shortcut registration attempt.
type Request struct {
	// ID uniquely identifies the shortcut within the app (e.g. "record-toggle").
	ID string
	// Description is shown in the broker's configuration dialog.
	Description string
	// PreferredTrigger is the suggested key combination (e.g. "CTRL+SHIFT+Space").
	// The user can remap it in the dialog, so the bound trigger may differ.
	PreferredTrigger string
}

// Bound is one shortcut as confirmed by the broker.
type Bound struct {
	ID      string
	Trigger string // trigger description chosen by the user, may be empty
}

// Activation is one activation event from the broker's signal stream.
type Activation struct {
	ShortcutID string
}

// Handler receives shortcut activations on the listener goroutine.
// It must not block for long; it runs inline in the event loop.
type Handler interface {
	HandleActivation()
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func()

func (f HandlerFunc) HandleActivation() { f() }

// Broker abstracts the portal transport so tests can substitute a fake.
type Broker interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one connection to the broker. Connections are cheap and private;
// each registration attempt dials its own so that closing one cannot
// disturb another.
type Conn interface {
	CreateSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one broker-side session object. Exactly one session is
// logically live per SessionManager. A session must be explicitly closed:
// at least one broker implementation treats a merely-dropped session as
// still trusted and silently skips the confirmation dialog on later
// registrations.
type Session interface {
	// Bind associates the requested shortcut with the session. It may block
	// until the user confirms or dismisses the broker's dialog.
	Bind(ctx context.Context, req Request) ([]Bound, error)
	// Activations subscribes to the session's activation signal stream.
	// The returned channel is closed when ctx is cancelled or the
	// connection drops.
	Activations(ctx context.Context) (<-chan Activation, error)
	// Close releases the broker-side session. Safe to call once per session.
	Close() error
}

// IsPortalSession reports whether global shortcuts must go through the
// portal broker instead of a native OS API. Wayland sessions have no
// direct registration path.
func IsPortalSession() bool {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return true
	}
	return os.Getenv("XDG_SESSION_TYPE") == "wayland"
}
