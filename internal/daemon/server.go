// Package daemon serves capability clients: a TCP accept loop bootstraps
// each connection onto a pair of shared-memory mailboxes, and per-connection
// loops dispatch framed commands into the registry.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/capd/internal/applog"
	"github.com/danmuck/capd/internal/config"
	"github.com/danmuck/capd/internal/observability"
	"github.com/danmuck/capd/internal/plugin"
	"github.com/danmuck/capd/internal/registry"
	"github.com/danmuck/capd/internal/shm"
	"github.com/danmuck/capd/internal/workpool"
	"github.com/rs/zerolog/log"
)

// Server owns the registry, the worker pools and the live-connection table.
type Server struct {
	cfg      Config
	store    *config.Store
	logs     *applog.Store
	registry *registry.Registry

	// loops holds two standing slots per connection; calls runs plugin work.
	loops *workpool.Pool
	calls *workpool.Pool

	mu         sync.Mutex
	live       map[string]*conn
	handshakes sync.WaitGroup
	ready      atomic.Bool
}

func New(cfg Config) (*Server, error) {
	cfg, err := cfg.WithDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: root %s: %w", cfg.Root, err)
	}
	logs, err := applog.Open(cfg.PluginLogDB)
	if err != nil {
		return nil, err
	}
	store := config.NewStore(cfg.Root)
	calls := workpool.New(cfg.CallWorkers)
	opener := cfg.Opener
	if opener == nil {
		opener = registry.PluginOpener(plugin.Options{Python: cfg.Python, StartTimeout: cfg.LoadTimeout}, logs)
	}
	reg := registry.New(registry.Options{
		Store:  store,
		Pool:   calls,
		Open:   opener,
		Runner: cfg.CommandRunner(),
		Policy: cfg.MetadataPolicy,
		Logs:   logs,
	})
	return &Server{
		cfg:      cfg,
		store:    store,
		logs:     logs,
		registry: reg,
		loops:    workpool.New(2 * cfg.MaxConnections),
		calls:    calls,
		live:     make(map[string]*conn),
	}, nil
}

func (s *Server) Config() Config {
	return s.cfg
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Logs() *applog.Store {
	return s.logs
}

// Daemon runtime entrypoint; listens on ListenAddr and blocks until ctx
// ends or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := shm.Available(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Str("root", s.cfg.Root).Msg("daemon.run listening")
	return errors.Join(s.Serve(ctx, ln), s.Close())
}

// Daemon accept loop on an existing listener. Each accepted socket gets one
// handshake goroutine; TCP is unused once the mailboxes are up.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.ready.Store(true)
	defer s.ready.Store(false)
	defer s.drain()

	for {
		s.pruneOne()
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handshakes.Add(1)
		go func() {
			defer s.handshakes.Done()
			s.handshake(ctx, nc)
		}()
	}
}

// drain stops every connection and waits for their loops and calls.
func (s *Server) drain() {
	s.handshakes.Wait()
	s.mu.Lock()
	for _, c := range s.live {
		c.cancel()
	}
	s.mu.Unlock()
	s.loops.Wait()
	s.calls.Wait()
}

// Close releases the registry and the plugin log store.
func (s *Server) Close() error {
	return errors.Join(s.registry.Close(), s.logs.Close())
}

func (s *Server) Ready() bool {
	return s.ready.Load()
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.live[c.id] = c
	s.mu.Unlock()
	observability.SetActiveConnections(s.activeCount())
}

// pruneOne drops a single finished connection from the live table.
func (s *Server) pruneOne() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.live {
		if c.finished() {
			delete(s.live, id)
			return
		}
	}
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.live {
		if c.alive() {
			n++
		}
	}
	return n
}

// ConnectionInfo describes one entry of the live-connection table.
type ConnectionInfo struct {
	ID       string   `json:"id"`
	Remote   string   `json:"remote"`
	Alive    bool     `json:"alive"`
	Services []string `json:"services"`
	Started  string   `json:"started"`
}

func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.live))
	for _, c := range s.live {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
