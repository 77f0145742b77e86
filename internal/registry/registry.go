// Package registry tracks installed and loaded services and the handles
// clients hold against them.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"

	"github.com/danmuck/capd/internal/applog"
	"github.com/danmuck/capd/internal/config"
	"github.com/danmuck/capd/internal/observability"
	"github.com/danmuck/capd/internal/plugin"
	"github.com/danmuck/capd/internal/tools"
	"github.com/danmuck/capd/internal/workpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	ErrClosed       = errors.New("registry: closed")
	ErrNotInstalled = errors.New("registry: service not installed")
	ErrInUse        = errors.New("registry: service is in use")
	ErrBusy         = errors.New("registry: service is being installed")
)

// Invoker is a loaded service as the registry sees it.
type Invoker interface {
	Call(fn string, args json.RawMessage) (string, bool)
	Close() error
}

// Opener loads the service described by cfg, installed under dir.
type Opener func(cfg config.ServiceConfig, dir string) (Invoker, error)

// PluginOpener loads services with the plugin adapter. When logs is set,
// interpreter stderr is stored per service.
func PluginOpener(opts plugin.Options, logs *applog.Store) Opener {
	return func(cfg config.ServiceConfig, dir string) (Invoker, error) {
		o := opts
		if logs != nil {
			o.Stderr = logs.Writer(cfg.Name)
		}
		p, err := plugin.Open(cfg.Class, filepath.Join(dir, cfg.Entry), cfg.Metadata, o)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

type Options struct {
	Store  *config.Store
	Pool   *workpool.Pool
	Open   Opener
	Runner tools.CommandRunner
	Policy MetadataPolicy
	// Logs, when set, is cleared for a service on uninstall.
	Logs *applog.Store
}

type loaded struct {
	name     string
	sig      uint32
	meta     plugin.Metadata
	inv      Invoker
	inflight sync.WaitGroup
}

// Registry owns three maps that always agree: names maps a service name to
// its signature, usages holds the live usage signatures of each loaded
// service, services holds the loaded instance. A signature is in all three
// or in none, and its usage set is never empty while present.
type Registry struct {
	store  *config.Store
	pool   *workpool.Pool
	open   Opener
	runner tools.CommandRunner
	policy MetadataPolicy
	logs   *applog.Store

	mu       sync.Mutex
	names    map[string]uint32
	usages   map[uint32]map[uint32]struct{}
	services map[uint32]*loaded
	// claims marks names with a load or an install in progress. Loads run
	// outside mu, one per name through loads.
	claims map[string]claim
	closed bool

	loads singleflight.Group
	// lifecycle serializes install and uninstall, which run builds and
	// hooks outside mu.
	lifecycle sync.Mutex
	retiring  sync.WaitGroup
}

type claim uint8

const (
	claimLoad claim = iota + 1
	claimInstall
)

func New(opts Options) *Registry {
	if opts.Pool == nil {
		opts.Pool = workpool.New(4)
	}
	if opts.Open == nil {
		opts.Open = PluginOpener(plugin.Options{}, opts.Logs)
	}
	if opts.Runner == nil {
		opts.Runner = tools.ExecRunner{}
	}
	return &Registry{
		store:    opts.Store,
		pool:     opts.Pool,
		open:     opts.Open,
		runner:   opts.Runner,
		policy:   opts.Policy,
		logs:     opts.Logs,
		names:    make(map[string]uint32),
		usages:   make(map[uint32]map[uint32]struct{}),
		services: make(map[uint32]*loaded),
		claims:   make(map[string]claim),
	}
}

func (r *Registry) Store() *config.Store {
	return r.store
}

// Register issues a new handle for name, loading the service first if no
// client holds it. ok is false when the service is not installed, is being
// installed, or fails to load. meta may be nil under PolicyFirst.
//
// Concurrent registers of an unloaded name share a single load, and the
// load runs without holding the registry lock.
func (r *Registry) Register(name string) (Handle, plugin.Metadata, bool) {
	for range 3 {
		if h, meta, ok, done := r.reuse(name); done {
			return h, meta, ok
		}
		var (
			mine Handle
			meta plugin.Metadata
		)
		_, err, _ := r.loads.Do(name, func() (any, error) {
			h, m, err := r.load(name)
			mine, meta = h, m
			return nil, err
		})
		if err != nil {
			log.Debug().Err(err).Str("service", name).Msg("registry.register failed")
			return 0, nil, false
		}
		if mine != 0 {
			return mine, meta, true
		}
		// joined a load run by another caller; take a usage on its result
	}
	log.Warn().Str("service", name).Msg("registry.register evicted while loading")
	return 0, nil, false
}

// reuse takes a usage on an already loaded service. done is false when the
// service still has to be loaded.
func (r *Registry) reuse(name string) (h Handle, meta plugin.Metadata, ok, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, nil, false, true
	}
	if _, ok := r.names[name]; !ok {
		return 0, nil, false, false
	}
	h, meta = r.usageLocked(name)
	log.Debug().Str("service", name).Str("handle", h.String()).Msg("registry.register reuse")
	return h, meta, true, true
}

func (r *Registry) usageLocked(name string) (Handle, plugin.Metadata) {
	sig := r.names[name]
	usage := r.newUsage(sig)
	var meta plugin.Metadata
	if r.policy == PolicyAlways {
		meta = r.services[sig].meta
	}
	return MakeHandle(sig, usage), meta
}

// load opens name outside mu and publishes it with a first usage.
func (r *Registry) load(name string) (Handle, plugin.Metadata, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, nil, ErrClosed
	}
	if _, ok := r.names[name]; ok {
		h, meta := r.usageLocked(name)
		r.mu.Unlock()
		return h, meta, nil
	}
	if _, busy := r.claims[name]; busy {
		r.mu.Unlock()
		return 0, nil, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	r.claims[name] = claimLoad
	r.mu.Unlock()

	cfg, ok := r.store.GetService(name)
	var (
		inv Invoker
		err error
	)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNotInstalled, name)
	} else {
		inv, err = r.open(cfg, r.store.ServiceDir(name))
	}

	r.mu.Lock()
	delete(r.claims, name)
	if err == nil && r.closed {
		err = ErrClosed
		defer inv.Close()
	}
	if err != nil {
		r.mu.Unlock()
		if ok {
			log.Warn().Err(err).Str("service", name).Msg("registry.register load failed")
		}
		return 0, nil, err
	}
	sig := r.newServiceSig()
	r.names[name] = sig
	r.usages[sig] = make(map[uint32]struct{})
	r.services[sig] = &loaded{name: name, sig: sig, meta: cfg.Metadata, inv: inv}
	usage := r.newUsage(sig)
	observability.SetLoadedServices(len(r.services))
	r.mu.Unlock()

	log.Info().Str("service", name).Str("class", cfg.Class).Uint32("sig", sig).Msg("registry.register loaded")
	return MakeHandle(sig, usage), cfg.Metadata, nil
}

// claimInstall reserves name for an install or uninstall. It fails while
// the service is loaded or loading.
func (r *Registry) claimInstall(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrInUse, name)
	}
	if _, ok := r.claims[name]; ok {
		return fmt.Errorf("%w: %s", ErrInUse, name)
	}
	r.claims[name] = claimInstall
	return nil
}

func (r *Registry) unclaim(name string) {
	r.mu.Lock()
	delete(r.claims, name)
	r.mu.Unlock()
}

// Unregister drops the usage behind h. A handle whose service signature
// does not match the one recorded for name is ignored. The service is
// evicted when its last usage goes.
func (r *Registry) Unregister(name string, h Handle) bool {
	r.mu.Lock()
	sig, ok := r.names[name]
	if !ok || sig != h.Service() {
		r.mu.Unlock()
		return false
	}
	set := r.usages[sig]
	if _, ok := set[h.Usage()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(set, h.Usage())
	var evicted *loaded
	if len(set) == 0 {
		evicted = r.evictLocked(sig)
	}
	r.mu.Unlock()

	if evicted != nil {
		log.Info().Str("service", name).Uint32("sig", sig).Msg("registry.unregister evicted")
		r.retire(evicted)
	}
	return true
}

func (r *Registry) evictLocked(sig uint32) *loaded {
	svc := r.services[sig]
	delete(r.names, svc.name)
	delete(r.usages, sig)
	delete(r.services, sig)
	observability.SetLoadedServices(len(r.services))
	return svc
}

// retire closes svc once its in-flight calls finish.
func (r *Registry) retire(svc *loaded) {
	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		svc.inflight.Wait()
		if err := svc.inv.Close(); err != nil {
			log.Warn().Err(err).Str("service", svc.name).Msg("registry.retire close failed")
		}
	}()
}

// acquire resolves h to a loaded service and pins it; the caller must call
// inflight.Done when the call ends.
func (r *Registry) acquire(h Handle) (*loaded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[h.Service()]
	if !ok {
		return nil, false
	}
	if _, ok := r.usages[h.Service()][h.Usage()]; !ok {
		return nil, false
	}
	svc.inflight.Add(1)
	return svc, true
}

func (r *Registry) newServiceSig() uint32 {
	for {
		sig := rand.Uint32()
		if sig == 0 {
			continue
		}
		if _, taken := r.services[sig]; !taken {
			return sig
		}
	}
}

func (r *Registry) newUsage(sig uint32) uint32 {
	set := r.usages[sig]
	for {
		u := rand.Uint32()
		if u == 0 {
			continue
		}
		if _, taken := set[u]; !taken {
			set[u] = struct{}{}
			return u
		}
	}
}

// Snapshot is a copy of the registry maps with usage sets sorted.
type Snapshot struct {
	Names  map[string]uint32
	Usages map[uint32][]uint32
	Loaded []uint32
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Names:  make(map[string]uint32, len(r.names)),
		Usages: make(map[uint32][]uint32, len(r.usages)),
		Loaded: make([]uint32, 0, len(r.services)),
	}
	for name, sig := range r.names {
		snap.Names[name] = sig
	}
	for sig, set := range r.usages {
		us := make([]uint32, 0, len(set))
		for u := range set {
			us = append(us, u)
		}
		sort.Slice(us, func(i, j int) bool { return us[i] < us[j] })
		snap.Usages[sig] = us
	}
	for sig := range r.services {
		snap.Loaded = append(snap.Loaded, sig)
	}
	sort.Slice(snap.Loaded, func(i, j int) bool { return snap.Loaded[i] < snap.Loaded[j] })
	return snap
}

// LoadedService describes one loaded service for status surfaces.
type LoadedService struct {
	Name   string `json:"name"`
	Sig    uint32 `json:"sig"`
	Usages int    `json:"usages"`
}

func (r *Registry) Loaded() []LoadedService {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LoadedService, 0, len(r.services))
	for sig, svc := range r.services {
		out = append(out, LoadedService{Name: svc.name, Sig: sig, Usages: len(r.usages[sig])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close evicts every loaded service and waits for them to shut down.
// Register fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	var evicted []*loaded
	for sig := range r.services {
		evicted = append(evicted, r.evictLocked(sig))
	}
	r.mu.Unlock()
	for _, svc := range evicted {
		r.retire(svc)
	}
	r.retiring.Wait()
	return nil
}
