package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/danmuck/capd/internal/plugin"
	"github.com/danmuck/capd/internal/registry"
	"github.com/danmuck/capd/internal/shm"
	"github.com/danmuck/capd/internal/tools"
)

const (
	DefaultListenAddr       = "127.0.0.1:42000"
	DefaultRoot             = "~/.vdm/libs"
	DefaultMaxConnections   = 128
	DefaultRequestCapacity  = 10 * 1024
	DefaultResponseCapacity = 1024 * 1024
	DefaultPython           = "python3"
	PluginLogFile           = ".plugin-logs.db"
)

// Daemon runtime configuration. Zero values take the defaults.
type Config struct {
	ListenAddr       string
	Root             string
	AdminAddr        string
	MaxConnections   int
	CallWorkers      int
	MetadataPolicy   registry.MetadataPolicy
	Backoff          shm.BackoffConfig
	RequestCapacity  int
	ResponseCapacity int
	PluginLogDB      string
	Python           string
	CorsOrigins      []string
	HandshakeTimeout time.Duration
	// HookTimeout bounds every build and runtime hook; zero means none.
	HookTimeout time.Duration
	// LoadTimeout bounds a script module's import at register time.
	LoadTimeout time.Duration

	// Opener and Runner replace plugin loading and hook execution.
	Opener registry.Opener
	Runner tools.CommandRunner
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       DefaultListenAddr,
		Root:             DefaultRoot,
		MaxConnections:   DefaultMaxConnections,
		CallWorkers:      4 * runtime.NumCPU(),
		MetadataPolicy:   registry.PolicyAlways,
		Backoff:          shm.DefaultBackoff(),
		RequestCapacity:  DefaultRequestCapacity,
		ResponseCapacity: DefaultResponseCapacity,
		Python:           DefaultPython,
		HandshakeTimeout: 5 * time.Second,
		LoadTimeout:      plugin.DefaultStartTimeout,
	}
}

// WithDefaults fills unset fields from DefaultConfig and expands the root.
func (c Config) WithDefaults() (Config, error) {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.Root) == "" {
		c.Root = def.Root
	}
	root, err := ExpandPath(c.Root)
	if err != nil {
		return Config{}, err
	}
	c.Root = root
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.CallWorkers <= 0 {
		c.CallWorkers = def.CallWorkers
	}
	c.Backoff = c.Backoff.WithDefaults()
	if c.RequestCapacity <= 0 {
		c.RequestCapacity = def.RequestCapacity
	}
	if c.ResponseCapacity <= 0 {
		c.ResponseCapacity = def.ResponseCapacity
	}
	if strings.TrimSpace(c.PluginLogDB) == "" {
		c.PluginLogDB = filepath.Join(c.Root, PluginLogFile)
	}
	if strings.TrimSpace(c.Python) == "" {
		c.Python = def.Python
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = def.LoadTimeout
	}
	return c, nil
}

// ExpandPath resolves a leading ~ against the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return filepath.Clean(path), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("daemon: expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// CommandRunner is Runner, or a host runner bounded by HookTimeout.
func (c Config) CommandRunner() tools.CommandRunner {
	if c.Runner != nil {
		return c.Runner
	}
	return tools.ExecRunner{Timeout: c.HookTimeout}
}
