// Package registry implements the method registry (spec §4.5): it resolves
// a scheme name to a Backend, loading it at most once. A failed load is
// cached as negative so repeated resolutions of a broken scheme stay cheap.
// Modelled on the teacher's process-wide, lock-guarded singleton pattern
// for an fs.RegInfo table (backend/local/local.go's init-time
// fs.Register), generalised here to a runtime, not init-time, registration
// API since backends (and the daemon proxy) are not all known at compile
// time.
package registry

import (
	"fmt"
	"sync"

	"github.com/vfscore/corevfs"
)

// Loader constructs a Backend for one scheme on first use. It may return an
// error, which is remembered and returned to every subsequent Resolve call
// for that scheme without calling Loader again.
type Loader func(scheme string) (corevfs.Backend, error)

type entry struct {
	once    sync.Once
	backend corevfs.Backend
	err     error
}

// Registry maps scheme names to lazily-loaded backends. Construct one with
// New; the zero value has nil maps and is not usable. A Registry is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
	entries map[string]*entry
}

// New returns an empty, ready Registry.
func New() *Registry {
	return &Registry{
		loaders: make(map[string]Loader),
		entries: make(map[string]*entry),
	}
}

// Register associates scheme with a Loader. It must be called before the
// first Resolve for that scheme; re-registering a scheme that has already
// been resolved has no effect on the cached backend.
func (r *Registry) Register(scheme string, load Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[scheme] = load
}

// RegisterBackend is a convenience for backends with no construction
// parameters: it registers a Loader that always returns b.
func (r *Registry) RegisterBackend(b corevfs.Backend) {
	r.Register(b.Scheme(), func(string) (corevfs.Backend, error) { return b, nil })
}

// Proxy registers target as the backend for scheme, without going through a
// Loader - used by the daemon-backed client proxy (§4.7), where every
// remote scheme funnels through the same proxy Backend instance.
func (r *Registry) Proxy(scheme string, target corevfs.Backend) {
	r.RegisterBackend(namedBackend{Backend: target, scheme: scheme})
}

// namedBackend overrides Scheme() so one proxy Backend value can be
// registered under many scheme names.
type namedBackend struct {
	corevfs.Backend
	scheme string
}

func (n namedBackend) Scheme() string { return n.scheme }

// Resolve returns the backend for scheme, loading it if this is the first
// call for that scheme. Concurrent first-use resolves to exactly one
// Loader invocation; all callers observe the same result.
func (r *Registry) Resolve(scheme string) (corevfs.Backend, error) {
	r.mu.Lock()
	e, ok := r.entries[scheme]
	if !ok {
		e = &entry{}
		r.entries[scheme] = e
	}
	load, haveLoader := r.loaders[scheme]
	r.mu.Unlock()

	if !haveLoader {
		return nil, corevfs.NewError("resolve", corevfs.KindNotSupported,
			fmt.Errorf("no backend registered for scheme %q", scheme))
	}

	e.once.Do(func() {
		e.backend, e.err = load(scheme)
	})
	return e.backend, e.err
}

// Schemes returns every scheme with a registered Loader, whether or not it
// has been resolved yet.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaders))
	for s := range r.loaders {
		out = append(out, s)
	}
	return out
}
