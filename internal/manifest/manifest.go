// Package manifest parses capability manifests, the install-time input
// describing how to build and call one service.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/capd/internal/commander"
	"github.com/danmuck/capd/internal/plugin"
)

const FileName = "manifest.json"

var (
	ErrInvalidManifest = errors.New("manifest: invalid manifest")
	ErrInvalidName     = errors.New("manifest: invalid service name")
)

// Manifest is the JSON document shipped with a capability's sources.
type Manifest struct {
	Name     string                `json:"name"`
	Type     string                `json:"type"`
	Version  string                `json:"version"`
	Build    commander.BuildSpec   `json:"build"`
	Runtime  commander.RuntimeSpec `json:"runtime"`
	Metadata plugin.Metadata       `json:"metadata"`

	// Dir is the directory the manifest was loaded from; builds run there.
	Dir string `json:"-"`
}

func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Type = strings.ToLower(strings.TrimSpace(m.Type))
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Load reads path, or path/manifest.json when path is a directory.
func Load(path string) (Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Manifest{}, err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, FileName)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest load failed (%s): %w", abs, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", abs, err)
	}
	m.Dir = filepath.Dir(abs)
	return m, nil
}

func (m Manifest) Validate() error {
	if err := ValidateName(m.Name); err != nil {
		return err
	}
	if _, err := plugin.KindOf(m.Type); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if len(m.Build.Output) == 0 {
		return fmt.Errorf("%w: build.output must name the entry point", ErrInvalidManifest)
	}
	if err := m.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return nil
}

// ValidateName accepts names usable as a single path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}
