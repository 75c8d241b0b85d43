package portal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(b *FakeBroker) *SessionManager {
	m := NewSessionManagerWith(b)
	m.connectTimeout = 200 * time.Millisecond
	m.bindTimeout = 300 * time.Millisecond
	m.readyTimeout = 500 * time.Millisecond
	m.shutdownTimeout = 500 * time.Millisecond
	return m
}

type countingHandler struct {
	n     atomic.Int32
	fired chan struct{}
}

func newCountingHandler() *countingHandler {
	return &countingHandler{fired: make(chan struct{}, 16)}
}

func (h *countingHandler) HandleActivation() {
	h.n.Add(1)
	select {
	case h.fired <- struct{}{}:
	default:
	}
}

func (h *countingHandler) waitFired(t *testing.T) {
	t.Helper()
	select {
	case <-h.fired:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for activation dispatch")
	}
}

func waitClosed(t *testing.T, s *FakeSession) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Closes() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session close")
}

func TestRegisterReturnsNegotiatedTrigger(t *testing.T) {
	b := NewFakeBroker()
	b.Trigger = "Alt+R"
	m := newTestManager(b)
	h := newCountingHandler()

	trigger, err := m.Register(context.Background(), Request{
		ID:               "toggle",
		Description:      "Toggle X",
		PreferredTrigger: "Alt+R",
	}, h)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if trigger != "Alt+R" {
		t.Errorf("trigger = %q, want %q", trigger, "Alt+R")
	}

	b.Activate("toggle")
	h.waitFired(t)
	if got := h.n.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}

	m.Unregister()
	waitClosed(t, b.Sessions()[0])

	b.Activate("toggle")
	time.Sleep(50 * time.Millisecond)
	if got := h.n.Load(); got != 1 {
		t.Errorf("handler invoked %d times after unregister, want 1", got)
	}
}

func TestRemappedTriggerIsReported(t *testing.T) {
	b := NewFakeBroker()
	b.Trigger = "SUPER+d" // user remapped in the dialog
	m := newTestManager(b)

	trigger, err := m.Register(context.Background(), Request{ID: "toggle", PreferredTrigger: "Alt+R"}, newCountingHandler())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if trigger != "SUPER+d" {
		t.Errorf("trigger = %q, want remapped %q", trigger, "SUPER+d")
	}
}

func TestConcurrentRegisterRejected(t *testing.T) {
	b := NewFakeBroker()
	b.BindDelay = 200 * time.Millisecond
	m := newTestManager(b)

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
		firstDone <- err
	}()

	// Let the first call pass the CAS and park in bind.
	time.Sleep(50 * time.Millisecond)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrRegistrationInProgress) {
		t.Errorf("concurrent Register err = %v, want ErrRegistrationInProgress", err)
	}

	select {
	case err := <-firstDone:
		if err != nil {
			t.Errorf("first Register: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first Register")
	}

	// The flag is released; a retry is admitted now.
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Errorf("retry after completion: %v", err)
	}
}

func TestInProgressFlagClearedOnFailure(t *testing.T) {
	b := NewFakeBroker()
	b.DialErr = errors.New("no portal on this bus")
	m := newTestManager(b)

	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err == nil {
		t.Fatal("expected dial failure")
	}
	if m.registering.Load() {
		t.Error("registering flag still set after failed Register")
	}
}

func TestUnavailableIsSticky(t *testing.T) {
	b := NewFakeBroker()
	b.DialErr = errors.New("no portal on this bus")
	m := newTestManager(b)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}

	// The broker recovers, but the flag keeps us failing fast with no I/O.
	b.DialErr = nil
	_, err = m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want sticky ErrBrokerUnavailable", err)
	}
	if len(b.Ops()) != 0 {
		t.Errorf("broker saw ops %v while flag was sticky, want none", b.Ops())
	}

	m.ResetUnavailable()
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Errorf("Register after reset: %v", err)
	}
}

func TestCreateSessionFailureIsSticky(t *testing.T) {
	b := NewFakeBroker()
	b.CreateErr = errors.New("portal rejected session")
	m := newTestManager(b)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}
	_, err = m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBrokerUnavailable) {
		t.Errorf("err = %v, want sticky ErrBrokerUnavailable", err)
	}
}

func TestSupersedingRegisterClosesOldSessionFirst(t *testing.T) {
	b := NewFakeBroker()
	m := newTestManager(b)

	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Fatalf("second Register: %v", err)
	}

	ops := b.Ops()
	closeIdx, createIdx := -1, -1
	creates := 0
	for i, op := range ops {
		switch op {
		case "close":
			if closeIdx == -1 {
				closeIdx = i
			}
		case "create":
			creates++
			if creates == 2 {
				createIdx = i
			}
		}
	}
	if closeIdx == -1 || createIdx == -1 {
		t.Fatalf("ops = %v, want a close and a second create", ops)
	}
	if closeIdx > createIdx {
		t.Errorf("old session closed at %d after new session created at %d: %v", closeIdx, createIdx, ops)
	}

	if got := b.Sessions()[0].Closes(); got != 1 {
		t.Errorf("first session closed %d times, want 1", got)
	}
}

func TestActivationFiltering(t *testing.T) {
	b := NewFakeBroker()
	m := newTestManager(b)
	h := newCountingHandler()

	if _, err := m.Register(context.Background(), Request{ID: "record-toggle"}, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	b.Activate("other-id")
	time.Sleep(50 * time.Millisecond)
	if got := h.n.Load(); got != 0 {
		t.Errorf("handler invoked %d times for unrelated id, want 0", got)
	}

	b.Activate("record-toggle")
	h.waitFired(t)
	if got := h.n.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
}

func TestBindTimeoutIsRetryable(t *testing.T) {
	b := NewFakeBroker()
	b.BindDelay = time.Second
	m := newTestManager(b)
	m.bindTimeout = 100 * time.Millisecond

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBindTimeout) {
		t.Fatalf("err = %v, want ErrBindTimeout", err)
	}

	// Not sticky: the next attempt reaches the broker again.
	b.BindDelay = 0
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Errorf("Register after bind timeout: %v", err)
	}
}

func TestUserCancelledIsRetryable(t *testing.T) {
	b := NewFakeBroker()
	b.BindErr = ErrUserCancelled
	m := newTestManager(b)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("err = %v, want ErrUserCancelled", err)
	}
	// The session bound nothing but must still be released.
	waitClosed(t, b.Sessions()[0])

	b.BindErr = nil
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Errorf("Register after cancellation: %v", err)
	}
}

func TestSubscribeFailureClosesSession(t *testing.T) {
	b := NewFakeBroker()
	b.SubscribeErr = errors.New("signal match refused")
	m := newTestManager(b)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("err = %v, want ErrSubscribeFailed", err)
	}
	waitClosed(t, b.Sessions()[0])
	if got := b.Sessions()[0].Closes(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}

	m.mu.Lock()
	leftover := m.listener
	m.mu.Unlock()
	if leftover != nil {
		t.Error("listener handle left behind after subscription failure")
	}
}

func TestShutdownClosesSessionExactlyOnce(t *testing.T) {
	b := NewFakeBroker()
	m := newTestManager(b)

	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.Unregister()
	waitClosed(t, b.Sessions()[0])
	time.Sleep(20 * time.Millisecond)
	if got := b.Sessions()[0].Closes(); got != 1 {
		t.Errorf("session closed %d times, want exactly 1", got)
	}

	// A second Unregister is a no-op.
	m.Unregister()
	if got := b.Sessions()[0].Closes(); got != 1 {
		t.Errorf("session closed %d times after repeat unregister, want 1", got)
	}
}

func TestRegisterFailsFastWithoutListenerLeak(t *testing.T) {
	b := NewFakeBroker()
	b.BindErr = errors.New("compositor refused")
	m := newTestManager(b)

	_, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler())
	if !errors.Is(err, ErrBindFailed) {
		t.Fatalf("err = %v, want ErrBindFailed", err)
	}
	m.mu.Lock()
	leftover := m.listener
	m.mu.Unlock()
	if leftover != nil {
		t.Error("listener spawned despite bind failure")
	}
	waitClosed(t, b.Sessions()[0])
}
