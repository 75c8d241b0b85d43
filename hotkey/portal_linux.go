//go:build linux

package hotkey

import (
	"context"
	"sync"
	"time"

	"dikt/log"
	"dikt/portal"
)

const (
	shortcutID          = "record-toggle"
	shortcutDescription = "Toggle dictation recording"
)

// registerWindow bounds one full registration attempt, including the
// time the user may spend in the broker's configuration dialog.
const registerWindow = 90 * time.Second

// portalHotkey adapts the portal session manager to the Hotkey
// interface. The broker reports a single activation per press with no
// release event, so activations alternate between keydown and keyup.
type portalHotkey struct {
	mgr     *portal.SessionManager
	trigger string

	keydown chan struct{}
	keyup   chan struct{}

	mu   sync.Mutex
	down bool
}

// NewPortal returns a Hotkey backed by the desktop portal broker.
// preferredTrigger is a suggestion; the user can remap it in the
// broker's dialog.
func NewPortal(preferredTrigger string) Hotkey {
	return newPortalWith(portal.NewSessionManager(), preferredTrigger)
}

func newPortalWith(mgr *portal.SessionManager, preferredTrigger string) *portalHotkey {
	if preferredTrigger == "" {
		preferredTrigger = DefaultTrigger
	}
	return &portalHotkey{
		mgr:     mgr,
		trigger: preferredTrigger,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *portalHotkey) Register() error {
	ctx, cancel := context.WithTimeout(context.Background(), registerWindow)
	defer cancel()

	req := portal.Request{
		ID:               shortcutID,
		Description:      shortcutDescription,
		PreferredTrigger: h.trigger,
	}
	bound, err := h.mgr.Register(ctx, req, portal.HandlerFunc(h.toggle))
	if err != nil {
		return err
	}
	if bound != "" && bound != h.trigger {
		log.Infof("hotkey: portal bound trigger %q instead of %q", bound, h.trigger)
	}
	return nil
}

func (h *portalHotkey) toggle() {
	h.mu.Lock()
	h.down = !h.down
	down := h.down
	h.mu.Unlock()

	ch := h.keyup
	if down {
		ch = h.keydown
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *portalHotkey) Unregister() {
	h.mgr.Unregister()
}

func (h *portalHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *portalHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

// ResetPortal clears the broker's sticky unavailable state so the next
// Register retries discovery. Wired to an explicit user action only.
func ResetPortal(hk Hotkey) {
	if p, ok := hk.(*portalHotkey); ok {
		p.mgr.ResetUnavailable()
	}
}
