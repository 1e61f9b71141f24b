// Package securefile writes small JSON state files atomically and resolves
// where they live on disk.
package securefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	FilePerm      os.FileMode = 0o600
	DirectoryPerm os.FileMode = 0o700

	// EnvVar selects a profile subfolder (local/, develop/). Empty means production.
	EnvVar = "QWB_ENV"
)

// AtomicWriteFile writes data to a sibling temp file and renames it over path.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// WriteJSON marshals v as indented JSON and writes it atomically, creating
// parent directories as needed.
func WriteJSON[T any](path string, v T) error {
	if err := os.MkdirAll(filepath.Dir(path), DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	return AtomicWriteFile(path, b, FilePerm)
}

// ReadJSON loads path into T. A missing file yields the zero value and
// found=false so first runs need no special casing.
func ReadJSON[T any](path string) (out T, found bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, false, nil
		}
		return out, false, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return out, true, nil
}

// WriteText writes a small text file atomically, creating parent
// directories as needed.
func WriteText(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return AtomicWriteFile(path, []byte(text), FilePerm)
}

// ReadText is ReadJSON for plain text files.
func ReadText(path string) (string, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read file: %w", err)
	}
	return string(b), true, nil
}

// ConfigPathCandidates returns the places a per-user file may live, in
// priority order: $SNAP_REAL_HOME/.config, $HOME/.config, then UserConfigDir.
func ConfigPathCandidates(app, filename string) ([]string, error) {
	if app == "" || filename == "" {
		return nil, errors.New("app and filename must not be empty")
	}

	envFolder, err := EnvFolder()
	if err != nil {
		return nil, err
	}

	var paths []string
	seen := map[string]bool{}
	add := func(parts ...string) {
		if envFolder != "" {
			parts = append(parts, envFolder)
		}
		p := filepath.Join(append(parts, filename)...)
		if seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	if realHome := os.Getenv("SNAP_REAL_HOME"); realHome != "" {
		add(realHome, ".config", app)
	}
	if home := os.Getenv("HOME"); home != "" {
		add(home, ".config", app)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		add(dir, app)
	} else if len(paths) == 0 {
		return nil, errors.Wrap(err, "user config dir")
	}

	return paths, nil
}

// DefaultPath is the first candidate from ConfigPathCandidates.
func DefaultPath(app, filename string) (string, error) {
	paths, err := ConfigPathCandidates(app, filename)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

func EnvFolder() (string, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar)))
	switch raw {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", errors.Newf("invalid %s %q (allowed: local, develop, empty)", EnvVar, raw)
	}
}
