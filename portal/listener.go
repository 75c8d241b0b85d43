package portal

import (
	"context"
	"sync"

	"dikt/log"
)

// listenerHandle is the manager's grip on one listener goroutine:
// a cooperative shutdown signal, a forced abort, and a done channel
// that closes when the goroutine has fully terminated.
type listenerHandle struct {
	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	cancel       context.CancelFunc
	ready        chan error
}

func (h *listenerHandle) signalShutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
}

func (h *listenerHandle) abort() {
	h.cancel()
}

// spawnListener starts the goroutine owning sess's activation stream and
// records its handle as the manager's current listener.
func (m *SessionManager) spawnListener(conn Conn, sess Session, shortcutID string, handler Handler) *listenerHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &listenerHandle{
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		ready:    make(chan error, 1),
	}

	m.mu.Lock()
	m.listener = h
	m.mu.Unlock()

	go m.runListener(ctx, conn, sess, shortcutID, handler, h)
	return h
}

// runListener subscribes to the session's activation stream, reports
// readiness once, and dispatches matching activations until shut down.
//
// The session is closed on every exit path. Skipping the close is not a
// mere leak: a session left open on the broker side stays "trusted" and
// later registrations silently bypass the user confirmation dialog.
func (m *SessionManager) runListener(ctx context.Context, conn Conn, sess Session, shortcutID string, handler Handler, h *listenerHandle) {
	defer close(h.done)
	defer h.cancel()
	defer conn.Close()

	events, err := sess.Activations(ctx)
	if err != nil {
		m.closeSession(sess)
		h.ready <- err
		return
	}
	h.ready <- nil

	defer m.closeSession(sess)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				log.Warn("portal: activation stream ended")
				return
			}
			if ev.ShortcutID != shortcutID {
				continue
			}
			log.Infof("portal: shortcut %q activated", shortcutID)
			handler.HandleActivation()
		case <-h.shutdown:
			log.Info("portal: listener shutting down")
			return
		case <-ctx.Done():
			log.Warn("portal: listener aborted")
			return
		}
	}
}
