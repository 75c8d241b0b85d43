package portal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeBroker is an in-memory broker for tests. It records the order of
// protocol operations and lets tests push activation events, inject
// failures, and delay individual stages.
type FakeBroker struct {
	mu       sync.Mutex
	ops      []string
	sessions []*FakeSession

	DialErr        error
	DialDelay      time.Duration
	CreateErr      error
	BindErr        error
	BindDelay      time.Duration
	SubscribeErr   error
	SubscribeDelay time.Duration

	// Trigger is the trigger description the fake user "chooses".
	// Defaults to the request's preferred trigger.
	Trigger string
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{}
}

func (b *FakeBroker) record(op string) {
	b.mu.Lock()
	b.ops = append(b.ops, op)
	b.mu.Unlock()
}

// Ops returns the ordered log of protocol operations seen so far.
func (b *FakeBroker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// Activate delivers an activation event for id to every live session.
func (b *FakeBroker) Activate(id string) {
	b.mu.Lock()
	sessions := append([]*FakeSession(nil), b.sessions...)
	b.mu.Unlock()
	for _, s := range sessions {
		s.activate(id)
	}
}

// Sessions returns every session ever created, closed or not.
func (b *FakeBroker) Sessions() []*FakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*FakeSession(nil), b.sessions...)
}

func (b *FakeBroker) Dial(ctx context.Context) (Conn, error) {
	if b.DialDelay > 0 {
		select {
		case <-time.After(b.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	b.record("dial")
	return &fakeConn{broker: b}, nil
}

type fakeConn struct {
	broker *FakeBroker
}

func (c *fakeConn) CreateSession(ctx context.Context) (Session, error) {
	if c.broker.CreateErr != nil {
		return nil, c.broker.CreateErr
	}
	s := &FakeSession{
		broker: c.broker,
		events: make(chan Activation, 16),
	}
	c.broker.mu.Lock()
	c.broker.sessions = append(c.broker.sessions, s)
	c.broker.mu.Unlock()
	c.broker.record("create")
	return s, nil
}

func (c *fakeConn) Close() error {
	c.broker.record("conn-close")
	return nil
}

// FakeSession is one session created through a FakeBroker.
type FakeSession struct {
	broker *FakeBroker

	mu     sync.Mutex
	closed bool
	closes int
	events chan Activation
}

// Closes reports how many times Close was called on this session.
func (s *FakeSession) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *FakeSession) activate(id string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- Activation{ShortcutID: id}:
	default:
	}
}

func (s *FakeSession) Bind(ctx context.Context, req Request) ([]Bound, error) {
	if s.broker.BindDelay > 0 {
		select {
		case <-time.After(s.broker.BindDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.broker.BindErr != nil {
		return nil, s.broker.BindErr
	}
	s.broker.record("bind:" + req.ID)
	trigger := s.broker.Trigger
	if trigger == "" {
		trigger = req.PreferredTrigger
	}
	return []Bound{{ID: req.ID, Trigger: trigger}}, nil
}

func (s *FakeSession) Activations(ctx context.Context) (<-chan Activation, error) {
	if s.broker.SubscribeDelay > 0 {
		select {
		case <-time.After(s.broker.SubscribeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.broker.SubscribeErr != nil {
		return nil, s.broker.SubscribeErr
	}
	s.broker.record("subscribe")
	out := make(chan Activation, 16)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-s.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if s.closed {
		return fmt.Errorf("session closed twice")
	}
	s.closed = true
	close(s.events)
	s.broker.record("close")
	return nil
}
