package registry

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/capd/internal/commander"
	"github.com/danmuck/capd/internal/config"
	"github.com/danmuck/capd/internal/manifest"
	"github.com/rs/zerolog/log"
)

// Install builds m from its directory into the service directory and
// persists the resulting config. Any failure removes what the install
// produced.
func (r *Registry) Install(m manifest.Manifest) (config.ServiceConfig, error) {
	if err := m.Validate(); err != nil {
		return config.ServiceConfig{}, err
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if err := r.claimInstall(m.Name); err != nil {
		return config.ServiceConfig{}, err
	}
	defer r.unclaim(m.Name)

	dest := r.store.ServiceDir(m.Name)
	_, statErr := os.Stat(dest)
	fresh := errors.Is(statErr, os.ErrNotExist)
	cleanup := func(c *commander.Commander, files []string) {
		if fresh {
			_ = os.RemoveAll(dest)
			return
		}
		_ = c.RemoveOutput(files)
	}

	log.Info().Str("service", m.Name).Str("src", m.Dir).Str("dest", dest).Msg("registry.install start")
	c := commander.New(m.Dir, dest, r.runner)
	files, err := c.Build(m.Build)
	if err != nil {
		cleanup(c, nil)
		return config.ServiceConfig{}, fmt.Errorf("registry: install %s: %w", m.Name, err)
	}
	if err := c.RuntimeDependency(m.Runtime.Dependency); err != nil {
		cleanup(c, files)
		return config.ServiceConfig{}, fmt.Errorf("registry: install %s: %w", m.Name, err)
	}
	cfg := config.FromManifest(m, files)
	if err := r.store.PutService(cfg); err != nil {
		cleanup(c, files)
		return config.ServiceConfig{}, fmt.Errorf("registry: install %s: %w", m.Name, err)
	}
	log.Info().Str("service", m.Name).Str("entry", cfg.Entry).Int("files", len(files)).Msg("registry.install done")
	return cfg, nil
}

// Uninstall disables the service's runtime hooks when it has a config,
// then removes its directory. Uninstalling an absent service succeeds.
func (r *Registry) Uninstall(name string) error {
	if err := manifest.ValidateName(name); err != nil {
		return err
	}
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if err := r.claimInstall(name); err != nil {
		return err
	}
	defer r.unclaim(name)
	if cfg, ok := r.store.GetService(name); ok && len(cfg.Runtime.Disable) > 0 {
		dir := r.store.ServiceDir(name)
		if ok, err := commander.New(dir, dir, r.runner).Disable(cfg.Runtime.Disable); err != nil || !ok {
			log.Warn().Err(err).Str("service", name).Bool("ok", ok).Msg("registry.uninstall disable failed")
		}
	}
	if err := r.store.RemoveService(name); err != nil {
		return fmt.Errorf("registry: uninstall %s: %w", name, err)
	}
	if r.logs != nil {
		if err := r.logs.Drop(name); err != nil {
			log.Warn().Err(err).Str("service", name).Msg("registry.uninstall drop logs failed")
		}
	}
	log.Info().Str("service", name).Msg("registry.uninstall done")
	return nil
}

func (r *Registry) hooks(name string) (*commander.Commander, config.ServiceConfig, error) {
	cfg, ok := r.store.GetService(name)
	if !ok {
		return nil, config.ServiceConfig{}, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	dir := r.store.ServiceDir(name)
	return commander.New(dir, dir, r.runner), cfg, nil
}

// Report runs the recorded status command.
func (r *Registry) Report(name string) (bool, error) {
	c, cfg, err := r.hooks(name)
	if err != nil {
		return false, err
	}
	return c.Status(cfg.Runtime.Status)
}

// Switch runs the recorded enable or disable commands.
func (r *Registry) Switch(name string, enable bool) (bool, error) {
	c, cfg, err := r.hooks(name)
	if err != nil {
		return false, err
	}
	if enable {
		return c.Enable(cfg.Runtime.Enable)
	}
	return c.Disable(cfg.Runtime.Disable)
}

// Installed returns the configs of every installed service.
func (r *Registry) Installed() ([]config.ServiceConfig, error) {
	names, err := r.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]config.ServiceConfig, 0, len(names))
	for _, name := range names {
		if cfg, ok := r.store.GetService(name); ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}
