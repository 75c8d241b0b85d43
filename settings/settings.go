// Package settings persists user preferences between runs.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

type Settings struct {
	// Trigger is the preferred global shortcut. On portal sessions the
	// user may remap it in the system dialog; the remapped value is not
	// written back here since the broker owns it.
	Trigger   string `toml:"trigger"`
	Language  string `toml:"language"`
	Format    string `toml:"format"`
	AutoPaste bool   `toml:"autopaste"`
}

func Default() Settings {
	return Settings{
		Trigger:   "CTRL+SHIFT+Space",
		Language:  "en",
		Format:    "flac",
		AutoPaste: true,
	}
}

// Path returns the settings file location under the user config dir.
func Path() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dikt", "settings.toml"), nil
}

// Load reads settings from the default path. A missing file yields
// defaults, not an error.
func Load() (Settings, error) {
	path, err := Path()
	if err != nil {
		return Default(), err
	}
	return LoadFrom(path)
}

func LoadFrom(path string) (Settings, error) {
	s := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return s, nil
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Default(), fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Save writes settings to the default path, creating the directory if
// needed.
func Save(s Settings) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, s)
}

func SaveTo(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(s); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return nil
}
