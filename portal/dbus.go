package portal

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

const (
	portalService  = "org.freedesktop.portal.Desktop"
	portalPath     = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	shortcutsIface = "org.freedesktop.portal.GlobalShortcuts"
	requestIface   = "org.freedesktop.portal.Request"
	sessionIface   = "org.freedesktop.portal.Session"
)

// Portal request response codes.
const (
	responseSuccess   = 0
	responseCancelled = 1
)

var tokenSeq atomic.Uint64

func nextToken() string {
	return fmt.Sprintf("dikt_%d_%d", os.Getpid(), tokenSeq.Add(1))
}

type dbusBroker struct{}

// NewBroker returns the production Broker backed by the D-Bus session bus.
func NewBroker() Broker { return dbusBroker{} }

func (dbusBroker) Dial(ctx context.Context) (Conn, error) {
	type dialResult struct {
		bus *dbus.Conn
		err error
	}
	// ConnectSessionBus has no deadline of its own; dial on the side so a
	// wedged bus cannot hang past the caller's timeout.
	ch := make(chan dialResult, 1)
	go func() {
		bus, err := dbus.ConnectSessionBus()
		ch <- dialResult{bus, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("connecting to session bus: %w", r.err)
		}
		return &dbusConn{bus: r.bus}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.bus != nil {
				r.bus.Close()
			}
		}()
		return nil, fmt.Errorf("connecting to session bus: %w", ctx.Err())
	}
}

type dbusConn struct {
	bus *dbus.Conn
}

// senderToken derives the path component the portal uses for request
// objects from our unique bus name (":1.42" becomes "1_42").
func (c *dbusConn) senderToken() string {
	name := strings.TrimPrefix(c.bus.Names()[0], ":")
	return strings.ReplaceAll(name, ".", "_")
}

// awaitResponse calls a portal method that follows the request/response
// convention and waits for the Response signal on the request object.
func (c *dbusConn) awaitResponse(ctx context.Context, method, token string, args ...any) (map[string]dbus.Variant, error) {
	requestPath := dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/portal/desktop/request/%s/%s", c.senderToken(), token))

	matchOpts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(requestPath),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	}
	if err := c.bus.AddMatchSignal(matchOpts...); err != nil {
		return nil, fmt.Errorf("adding response match: %w", err)
	}
	defer c.bus.RemoveMatchSignal(matchOpts...)

	signals := make(chan *dbus.Signal, 8)
	c.bus.Signal(signals)
	defer c.bus.RemoveSignal(signals)

	var handle dbus.ObjectPath
	call := c.bus.Object(portalService, portalPath).CallWithContext(ctx, method, 0, args...)
	if err := call.Store(&handle); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return nil, fmt.Errorf("%s: connection closed while waiting for response", method)
			}
			if sig.Path != handle && sig.Path != requestPath {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			switch code {
			case responseSuccess:
				return results, nil
			case responseCancelled:
				return nil, ErrUserCancelled
			default:
				return nil, fmt.Errorf("%w: portal response code %d", ErrBindFailed, code)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *dbusConn) CreateSession(ctx context.Context) (Session, error) {
	token := nextToken()
	sessionToken := nextToken()
	options := map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(token),
		"session_handle_token": dbus.MakeVariant(sessionToken),
	}

	results, err := c.awaitResponse(ctx, shortcutsIface+".CreateSession", token, options)
	if err != nil {
		return nil, fmt.Errorf("creating shortcuts session: %w", err)
	}

	raw, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("creating shortcuts session: no session handle in response")
	}
	var path dbus.ObjectPath
	switch v := raw.Value().(type) {
	case dbus.ObjectPath:
		path = v
	case string:
		path = dbus.ObjectPath(v)
	default:
		return nil, fmt.Errorf("creating shortcuts session: unexpected session handle type %T", v)
	}
	return &dbusSession{conn: c, path: path}, nil
}

func (c *dbusConn) Close() error {
	return c.bus.Close()
}

// newShortcut marshals as the portal's (sa{sv}) shortcut struct.
type newShortcut struct {
	ID      string
	Options map[string]dbus.Variant
}

type dbusSession struct {
	conn *dbusConn
	path dbus.ObjectPath
}

func (s *dbusSession) Bind(ctx context.Context, req Request) ([]Bound, error) {
	token := nextToken()
	shortcuts := []newShortcut{{
		ID: req.ID,
		Options: map[string]dbus.Variant{
			"description":       dbus.MakeVariant(req.Description),
			"preferred_trigger": dbus.MakeVariant(req.PreferredTrigger),
		},
	}}
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	// parent_window is empty: the broker surfaces its dialog standalone.
	results, err := s.conn.awaitResponse(ctx, shortcutsIface+".BindShortcuts", token, s.path, shortcuts, "", options)
	if err != nil {
		return nil, err
	}
	return parseBound(results), nil
}

// parseBound extracts the bound shortcut list from a BindShortcuts
// response vardict. Unknown shapes degrade to an empty list; the trigger
// description is advisory.
func parseBound(results map[string]dbus.Variant) []Bound {
	raw, ok := results["shortcuts"]
	if !ok {
		return nil
	}
	var items [][]any
	switch v := raw.Value().(type) {
	case [][]any:
		items = v
	case []any:
		for _, entry := range v {
			if item, ok := entry.([]any); ok {
				items = append(items, item)
			}
		}
	default:
		return nil
	}
	var bound []Bound
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		id, _ := item[0].(string)
		opts, _ := item[1].(map[string]dbus.Variant)
		b := Bound{ID: id}
		if v, ok := opts["trigger_description"]; ok {
			b.Trigger, _ = v.Value().(string)
		}
		bound = append(bound, b)
	}
	return bound
}

func (s *dbusSession) Activations(ctx context.Context) (<-chan Activation, error) {
	matchOpts := []dbus.MatchOption{
		dbus.WithMatchInterface(shortcutsIface),
		dbus.WithMatchMember("Activated"),
	}
	if err := s.conn.bus.AddMatchSignal(matchOpts...); err != nil {
		return nil, fmt.Errorf("adding activation match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	s.conn.bus.Signal(signals)

	out := make(chan Activation, 16)
	go func() {
		defer close(out)
		defer s.conn.bus.RemoveSignal(signals)
		defer s.conn.bus.RemoveMatchSignal(matchOpts...)
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != shortcutsIface+".Activated" || len(sig.Body) < 2 {
					continue
				}
				// Body: (session_handle o, shortcut_id s, timestamp t, options a{sv})
				if handle, ok := sig.Body[0].(dbus.ObjectPath); !ok || handle != s.path {
					continue
				}
				id, _ := sig.Body[1].(string)
				select {
				case out <- Activation{ShortcutID: id}:
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

func (s *dbusSession) Close() error {
	call := s.conn.bus.Object(portalService, s.path).Call(sessionIface+".Close", 0)
	if call.Err != nil {
		return fmt.Errorf("closing portal session: %w", call.Err)
	}
	return nil
}
