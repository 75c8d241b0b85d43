// Package clipboard places transcribed text on the system clipboard
// and optionally pastes it into the focused window with a synthetic
// key chord.
package clipboard

import cb "github.com/atotto/clipboard"

func Read() (string, error) {
	return cb.ReadAll()
}

func Copy(text string) error {
	return cb.WriteAll(text)
}
