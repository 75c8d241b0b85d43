//go:build !linux

package hotkey

import (
	"golang.design/x/hotkey"
)

// nativeHotkey registers Ctrl+Shift+Space through the platform hotkey
// API (Carbon on macOS, RegisterHotKey on Windows).
type nativeHotkey struct {
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
}

// New registers through the platform API. Custom triggers are a portal
// feature, the native backend always uses the default binding.
func New(_ string) Hotkey {
	return &nativeHotkey{
		hk:      hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeySpace),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}
}

func (h *nativeHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go func() {
		for {
			<-h.hk.Keydown()
			h.keydown <- struct{}{}
		}
	}()
	go func() {
		for {
			<-h.hk.Keyup()
			h.keyup <- struct{}{}
		}
	}()
	return nil
}

func (h *nativeHotkey) Unregister() {
	h.hk.Unregister()
}

func (h *nativeHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *nativeHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func Diagnose() (string, error) {
	return "hotkey support available (Ctrl+Shift+Space)", nil
}
