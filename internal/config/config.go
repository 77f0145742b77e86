package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danmuck/capd/internal/commander"
	"github.com/danmuck/capd/internal/manifest"
	"github.com/danmuck/capd/internal/plugin"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

// ServiceFile is the per-service config file name under the library root.
const ServiceFile = "service.toml"

var ErrInvalidService = errors.New("config: invalid service config")

// ServiceConfig is everything the daemon persists about an installed
// service between runs.
type ServiceConfig struct {
	Name     string                `toml:"name"`
	Class    string                `toml:"class"`
	Version  string                `toml:"version"`
	Entry    string                `toml:"entry"`
	Files    []string              `toml:"files"`
	Metadata plugin.Metadata       `toml:"metadata"`
	Runtime  commander.RuntimeSpec `toml:"runtime"`
}

func ValidateServiceConfig(cfg ServiceConfig) error {
	if err := manifest.ValidateName(cfg.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	if _, err := plugin.KindOf(cfg.Class); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	if strings.TrimSpace(cfg.Entry) == "" {
		return fmt.Errorf("%w: entry is required", ErrInvalidService)
	}
	if err := cfg.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidService, err)
	}
	return nil
}

// Store keeps one directory per service under root, each holding the
// installed files and service.toml.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

func (s *Store) Root() string {
	return s.root
}

// ServiceDir is the install directory for name.
func (s *Store) ServiceDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *Store) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

// Put encodes v as TOML at path. Relative paths are taken from the root.
// The file is replaced atomically.
func (s *Store) Put(path string, v any) error {
	target := s.resolve(path)
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("config encode failed (%s): %w", target, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*.toml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Get decodes path into v. A missing or unreadable file reports false.
func (s *Store) Get(path string, v any) bool {
	target := s.resolve(path)
	if err := loadToml(target, v); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", target).Msg("config.get skipped")
		}
		return false
	}
	return true
}

func (s *Store) PutService(cfg ServiceConfig) error {
	if err := ValidateServiceConfig(cfg); err != nil {
		return err
	}
	return s.Put(filepath.Join(cfg.Name, ServiceFile), cfg)
}

// GetService loads the config for name. Absent, corrupt or mismatched
// files all report false.
func (s *Store) GetService(name string) (ServiceConfig, bool) {
	if manifest.ValidateName(name) != nil {
		return ServiceConfig{}, false
	}
	var cfg ServiceConfig
	if !s.Get(filepath.Join(name, ServiceFile), &cfg) {
		return ServiceConfig{}, false
	}
	if cfg.Name != name {
		log.Warn().Str("service", name).Str("recorded", cfg.Name).Msg("config.get_service name mismatch")
		return ServiceConfig{}, false
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("config.get_service invalid")
		return ServiceConfig{}, false
	}
	return cfg, true
}

// RemoveService deletes the whole service directory. Removing an absent
// service is not an error.
func (s *Store) RemoveService(name string) error {
	if err := manifest.ValidateName(name); err != nil {
		return err
	}
	return os.RemoveAll(s.ServiceDir(name))
}

// List returns the names of services with a readable config, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), ServiceFile)); err != nil {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
