// Package hotkey provides the global record shortcut across display
// servers. Wayland sessions go through the desktop portal broker,
// bare Linux consoles read evdev directly, everything else uses the
// platform hotkey API.
package hotkey

// DefaultTrigger is the key combination suggested when the user has not
// configured one. Portal brokers may let the user remap it.
const DefaultTrigger = "CTRL+SHIFT+Space"

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}
