package portal

import (
	"context"
	"testing"
	"time"
)

func TestReadinessTimeoutDoesNotFailRegistration(t *testing.T) {
	b := NewFakeBroker()
	b.Trigger = "Alt+R"
	b.SubscribeDelay = 300 * time.Millisecond
	m := newTestManager(b)
	m.readyTimeout = 50 * time.Millisecond

	trigger, err := m.Register(context.Background(), Request{ID: "toggle", PreferredTrigger: "Alt+R"}, newCountingHandler())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if trigger != "Alt+R" {
		t.Errorf("trigger = %q, want %q", trigger, "Alt+R")
	}

	// The listener finishes starting up after Register has returned.
	time.Sleep(400 * time.Millisecond)
	m.Unregister()
	waitClosed(t, b.Sessions()[0])
}

func TestWedgedListenerIsAbortedNotWaitedForever(t *testing.T) {
	b := NewFakeBroker()
	m := newTestManager(b)
	m.shutdownTimeout = 50 * time.Millisecond

	release := make(chan struct{})
	blocking := HandlerFunc(func() { <-release })
	defer close(release)

	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, blocking); err != nil {
		t.Fatalf("first Register: %v", err)
	}

	// Wedge the listener inside a dispatch so it cannot observe shutdown.
	b.Activate("toggle")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	if _, err := m.Register(context.Background(), Request{ID: "toggle"}, newCountingHandler()); err != nil {
		t.Fatalf("superseding Register: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("superseding Register blocked %v on a wedged listener", elapsed)
	}
}
