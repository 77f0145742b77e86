package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/capd/internal/daemon"
	"github.com/danmuck/capd/internal/registry"
)

type fileConfig struct {
	ListenAddr       string   `toml:"listen_addr"`
	Root             string   `toml:"root"`
	AdminAddr        string   `toml:"admin_addr"`
	MaxConnections   int      `toml:"max_connections"`
	CallWorkers      int      `toml:"call_workers"`
	MetadataPolicy   string   `toml:"metadata_policy"`
	SpinInitial      string   `toml:"spin_initial"`
	SpinMax          string   `toml:"spin_max"`
	RequestCapacity  int      `toml:"request_capacity"`
	ResponseCapacity int      `toml:"response_capacity"`
	PluginLogDB      string   `toml:"plugin_log_db"`
	Python           string   `toml:"python"`
	CorsOrigins      []string `toml:"cors_origins"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	HookTimeout      string   `toml:"hook_timeout"`
	LoadTimeout      string   `toml:"load_timeout"`
}

// loadDaemonConfig overlays the keys present in path onto the defaults.
// An empty path yields the defaults.
func loadDaemonConfig(path string) (daemon.Config, error) {
	cfg := daemon.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemon.Config{}, fmt.Errorf("load capd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return daemon.Config{}, fmt.Errorf("load capd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("root") {
		cfg.Root = strings.TrimSpace(raw.Root)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("call_workers") {
		cfg.CallWorkers = raw.CallWorkers
	}
	if meta.IsDefined("metadata_policy") {
		p, err := registry.ParseMetadataPolicy(raw.MetadataPolicy)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.MetadataPolicy = p
	}
	if meta.IsDefined("spin_initial") {
		d, err := parseDuration("spin_initial", raw.SpinInitial)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.Backoff.InitialDelay = d
	}
	if meta.IsDefined("spin_max") {
		d, err := parseDuration("spin_max", raw.SpinMax)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.Backoff.MaxDelay = d
	}
	if cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		return daemon.Config{}, fmt.Errorf("spin_max %v is below spin_initial %v", cfg.Backoff.MaxDelay, cfg.Backoff.InitialDelay)
	}
	if meta.IsDefined("request_capacity") {
		cfg.RequestCapacity = raw.RequestCapacity
	}
	if meta.IsDefined("response_capacity") {
		cfg.ResponseCapacity = raw.ResponseCapacity
	}
	if meta.IsDefined("plugin_log_db") {
		cfg.PluginLogDB = strings.TrimSpace(raw.PluginLogDB)
	}
	if meta.IsDefined("python") {
		cfg.Python = strings.TrimSpace(raw.Python)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := parseDuration("handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("hook_timeout") {
		d, err := parseDuration("hook_timeout", raw.HookTimeout)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.HookTimeout = d
	}
	if meta.IsDefined("load_timeout") {
		d, err := parseDuration("load_timeout", raw.LoadTimeout)
		if err != nil {
			return daemon.Config{}, err
		}
		cfg.LoadTimeout = d
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
