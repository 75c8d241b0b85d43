package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dikt/log"
)

// Timeouts for the registration pipeline. Connect and session creation
// are pure IPC and fail fast; bind waits on a human, so it gets a long
// leash. GNOME in particular shows a configuration dialog on every bind.
const (
	connectTimeout  = 5 * time.Second
	bindTimeout     = 60 * time.Second
	readyTimeout    = 2 * time.Second
	shutdownTimeout = 3 * time.Second
)

// SessionManager serializes shortcut registrations against the portal
// broker and owns the lifetime of the listener goroutine consuming
// activation events.
//
// The ordering contract is strict: a previous listener must have
// observably terminated, with its session closed, before a new broker
// session is created. Brokers that see a stale session still open reuse
// its authorization and skip the confirmation dialog on every later
// bind, which silently breaks re-registration.
type SessionManager struct {
	broker Broker

	// unavailable latches true on any connect or create-session failure.
	// Only ResetUnavailable clears it.
	unavailable atomic.Bool
	// registering guards the whole Register pipeline via CAS. Concurrent
	// calls are rejected, never queued.
	registering atomic.Bool

	mu       sync.Mutex
	listener *listenerHandle

	connectTimeout  time.Duration
	bindTimeout     time.Duration
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewSessionManager returns a manager talking to the real session bus.
func NewSessionManager() *SessionManager {
	return NewSessionManagerWith(NewBroker())
}

// NewSessionManagerWith uses the given broker; tests pass a FakeBroker.
func NewSessionManagerWith(b Broker) *SessionManager {
	return &SessionManager{
		broker:          b,
		connectTimeout:  connectTimeout,
		bindTimeout:     bindTimeout,
		readyTimeout:    readyTimeout,
		shutdownTimeout: shutdownTimeout,
	}
}

// Register binds req with the broker and starts a listener dispatching
// activations of req.ID to handler. It returns the trigger description
// the user settled on, which may differ from req.PreferredTrigger or be
// empty. Any previously registered shortcut is torn down first.
//
// Register may block for up to a minute while the user deals with the
// broker's configuration dialog. It is not cancellable mid-flight: once
// admitted it runs to completion before another call is accepted.
func (m *SessionManager) Register(ctx context.Context, req Request, handler Handler) (string, error) {
	if m.unavailable.Load() {
		return "", fmt.Errorf("%w; use the fallback input backend or retry from settings", ErrBrokerUnavailable)
	}
	if !m.registering.CompareAndSwap(false, true) {
		return "", ErrRegistrationInProgress
	}
	defer m.registering.Store(false)

	log.Infof("portal: registering shortcut %q (trigger %q)", req.ID, req.PreferredTrigger)

	// The old listener must be fully gone before a new session exists.
	m.stopListenerAndWait()

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	conn, err := m.broker.Dial(dialCtx)
	cancel()
	if err != nil {
		m.unavailable.Store(true)
		log.Warnf("portal: broker dial failed, marking unavailable: %v", err)
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	createCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	sess, err := conn.CreateSession(createCtx)
	cancel()
	if err != nil {
		conn.Close()
		m.unavailable.Store(true)
		log.Warnf("portal: session creation failed, marking unavailable: %v", err)
		return "", fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	log.Info("portal: session created; a system dialog may appear to configure the shortcut")

	bindCtx, cancel := context.WithTimeout(ctx, m.bindTimeout)
	bound, err := sess.Bind(bindCtx, req)
	timedOut := errors.Is(bindCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		m.closeSession(sess)
		conn.Close()
		switch {
		case timedOut:
			// User never answered the dialog. The broker itself is fine,
			// so this is retryable and not sticky.
			return "", fmt.Errorf("%w; try again and confirm the system dialog", ErrBindTimeout)
		case errors.Is(err, ErrUserCancelled):
			return "", fmt.Errorf("%w; try again and confirm the system dialog", ErrUserCancelled)
		default:
			return "", fmt.Errorf("%w: %v", ErrBindFailed, err)
		}
	}

	trigger := ""
	for _, b := range bound {
		if b.ID == req.ID {
			trigger = b.Trigger
			break
		}
	}

	h := m.spawnListener(conn, sess, req.ID, handler)

	select {
	case err := <-h.ready:
		if err != nil {
			// The listener closed the session and exited on its own.
			m.clearListener(h)
			return "", fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
		}
	case <-time.After(m.readyTimeout):
		// Not fatal: the listener may legitimately still be starting up.
		log.Warnf("portal: listener readiness timed out for %q", req.ID)
	}

	log.Infof("portal: shortcut %q registered (trigger %q)", req.ID, trigger)
	return trigger, nil
}

// Unregister signals the current listener to shut down. Best effort and
// non-blocking; the listener closes its session on the way out.
func (m *SessionManager) Unregister() {
	m.mu.Lock()
	h := m.listener
	m.listener = nil
	m.mu.Unlock()
	if h != nil {
		h.signalShutdown()
		log.Info("portal: shutdown signalled to listener")
	}
}

// Close mirrors Unregister. It does not wait for the listener, since
// teardown must not block.
func (m *SessionManager) Close() {
	m.Unregister()
}

// ResetUnavailable clears the sticky unavailable flag so the next
// Register retries broker discovery. Call only on explicit user action.
func (m *SessionManager) ResetUnavailable() {
	m.unavailable.Store(false)
}

// stopListenerAndWait tears down the previous listener and blocks until
// it has terminated. If cooperative shutdown overruns its window the
// listener task is aborted outright: a lingering session corrupts the
// authorization of every later registration, which is worse than the
// risk of skipping one close call.
func (m *SessionManager) stopListenerAndWait() {
	m.mu.Lock()
	h := m.listener
	m.listener = nil
	m.mu.Unlock()
	if h == nil {
		return
	}

	h.signalShutdown()
	select {
	case <-h.done:
		return
	case <-time.After(m.shutdownTimeout):
		log.Warnf("portal: listener did not stop within %v, aborting it", m.shutdownTimeout)
		h.abort()
	}
	// After abort the listener unblocks promptly; wait for the handoff
	// so session teardown is ordered before the next session exists.
	select {
	case <-h.done:
	case <-time.After(m.shutdownTimeout):
		// Known gap: the broker-side session state is unconfirmed here.
		log.Errorf("portal: aborted listener still running; broker session may be left open")
	}
}

func (m *SessionManager) clearListener(h *listenerHandle) {
	m.mu.Lock()
	if m.listener == h {
		m.listener = nil
	}
	m.mu.Unlock()
}

func (m *SessionManager) closeSession(s Session) {
	if err := s.Close(); err != nil {
		log.Warnf("portal: session close failed: %v", err)
	}
}
