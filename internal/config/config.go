// Package config loads the optional clone profile and locates the log file.
//
// The profile lives at ~/.config/cardfleet/profile.yaml (XDG layout) and holds
// the knobs that rarely change between runs: pool width, default strategy and
// the shrink tuning flags. Command line flags override profile values, which
// override the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile holds the persistent run settings.
type Profile struct {
	// Threads is the clone worker pool width. 0 means sequential.
	Threads int `yaml:"threads"`
	// Strategy selects the default clone strategy: block, file or image.
	Strategy string `yaml:"strategy"`
	// SkipZeroFill disables the pre-shrink zero-fill pass.
	SkipZeroFill bool `yaml:"skip_zerofill"`
	// StrictLayout disables the last-partition fallback during source
	// layout detection.
	StrictLayout bool `yaml:"strict_layout"`
	// CopyWorkers switches the file strategy to the built-in parallel tree
	// copier with that many workers. 0 uses rsync.
	CopyWorkers int `yaml:"copy_workers"`
	// GuardBandBytes widens or narrows the margin below the smallest target
	// that forces a source shrink. 0 keeps the built-in default.
	GuardBandBytes uint64 `yaml:"guard_band_bytes"`
	// SafetyBufferBytes is the slack left after a shrink between the
	// filesystem end and the partition end. 0 keeps the built-in default.
	SafetyBufferBytes uint64 `yaml:"safety_buffer_bytes"`
}

// Default returns the built-in profile.
func Default() Profile {
	return Profile{Strategy: "block"}
}

// Load reads the profile from path, or from the default location when path
// is empty. A missing file yields the defaults; a malformed file is an error.
func Load(path string) (Profile, error) {
	p := Default()
	if path == "" {
		dir, err := userConfigDir()
		if err != nil {
			return p, nil
		}
		path = filepath.Join(dir, "profile.yaml")
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("reading profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	return p, nil
}

// userConfigDir returns ~/.config/cardfleet, using the invoking user's home
// when running under sudo.
func userConfigDir() (string, error) {
	home, err := userHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cardfleet"), nil
}

// LogFilePath determines where the run log goes. It prefers the invoking
// user's cache directory (~/.cache/cardfleet/cardfleet.log) and falls back to
// /tmp when that cannot be created. Under sudo the original user's home is
// used so the log stays readable without root.
func LogFilePath() string {
	home, err := userHomeDir()
	if err != nil {
		return "/tmp/cardfleet.log"
	}
	logDir := filepath.Join(home, ".cache", "cardfleet")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "/tmp/cardfleet.log"
	}
	return filepath.Join(logDir, "cardfleet.log")
}

func userHomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return "/home/" + sudoUser, nil
	}
	return os.UserHomeDir()
}
