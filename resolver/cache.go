package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/versions"
)

// LatestKey is the per-name sentinel under which a "latest"-tag resolution
// is cached. "latest" is not a valid semver string, so it can never
// collide with a concrete version key.
//
// The sentinel has the same lifetime as any concrete entry: if the
// registry publishes a new latest mid-run, an earlier empty-range
// resolution and a later explicit one may observe different choices. The
// cache is best-effort, not a consistency guarantee.
const LatestKey = "latest"

// ErrEmptyEntry is returned when a parse is requested for a cache slot
// that holds no manifest.
var ErrEmptyEntry = errors.New("cache entry is empty")

type entryState int

const (
	stateEmpty entryState = iota
	// stateManifest holds a raw registry manifest that has not been
	// parsed into a Package yet.
	stateManifest
	stateParsed
)

type entry struct {
	state    entryState
	manifest registry.Manifest
	pkg      *Package

	// inflight is non-nil while a parse is running; waiters block on it.
	// lastErr holds the most recent failed parse so waiters observe the
	// same outcome as the caller that ran it.
	inflight chan struct{}
	lastErr  error
}

// Cache is a process-wide map of name -> version -> resolution state. All
// methods are safe for concurrent use. The map lock is never held across
// a network request or a recursive resolution: EnsureParsed publishes an
// in-flight marker, releases the lock, and parses outside it.
type Cache struct {
	mu    sync.Mutex
	names map[string]map[string]*entry
}

func NewCache() *Cache {
	return &Cache{names: make(map[string]map[string]*entry)}
}

func (c *Cache) versionsOf(name string) map[string]*entry {
	vs, ok := c.names[name]
	if !ok {
		vs = make(map[string]*entry)
		c.names[name] = vs
	}
	return vs
}

// Insert records a raw manifest under (name, version) unless the slot
// already holds a manifest or a parsed package.
func (c *Cache) Insert(name, version string, m registry.Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(name, version, m)
}

func (c *Cache) insertLocked(name, version string, m registry.Manifest) {
	vs := c.versionsOf(name)
	if e, ok := vs[version]; ok && e.state != stateEmpty {
		return
	}
	vs[version] = &entry{state: stateManifest, manifest: m}
}

// InsertParsed records an already-constructed package under
// (name, version).
func (c *Cache) InsertParsed(name, version string, p *Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versionsOf(name)[version] = &entry{state: stateParsed, pkg: p}
}

// InsertPackument populates the version map for a name with every
// manifest in the packument, without triggering any parsing.
func (c *Cache) InsertPackument(name string, p registry.Packument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for version, m := range p.Versions {
		c.insertLocked(name, version, m)
	}
}

// Versions returns a snapshot of the version keys known for a name,
// excluding the latest sentinel and empty slots.
func (c *Cache) Versions(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for version, e := range c.names[name] {
		if version == LatestKey || e.state == stateEmpty {
			continue
		}
		out = append(out, version)
	}
	return out
}

// Manifest returns the raw manifest recorded under (name, version), from
// either a manifest or a parsed slot.
func (c *Cache) Manifest(name, version string) (registry.Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.names[name][version]
	if !ok {
		return registry.Manifest{}, false
	}
	switch e.state {
	case stateManifest:
		return e.manifest, true
	case stateParsed:
		return registry.Manifest{
			Name:    name,
			Version: e.pkg.Version.String(),
			Dist: registry.Dist{
				Tarball:   e.pkg.Tarball,
				Shasum:    e.pkg.Shasum,
				Integrity: e.pkg.Integrity,
			},
		}, true
	}
	return registry.Manifest{}, false
}

// FindMatching returns the greatest cached version satisfying the range.
func (c *Cache) FindMatching(name string, r versions.Range) (version string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *versions.Version
	for key, e := range c.names[name] {
		if key == LatestKey || e.state == stateEmpty {
			continue
		}
		v, err := versions.Parse(key)
		if err != nil {
			continue
		}
		if !r.Contains(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			version = key
		}
	}
	return version, best != nil
}

// Parsed returns the package cached under (name, version) if the slot has
// reached the parsed state.
func (c *Cache) Parsed(name, version string) (*Package, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.names[name][version]
	if !ok || e.state != stateParsed {
		return nil, false
	}
	return e.pkg.clone(), true
}

// ParseFunc turns a raw manifest into a fully resolved package. It runs
// outside the cache lock and may perform network requests and recursive
// resolution.
type ParseFunc func(ctx context.Context, name string, m registry.Manifest) (*Package, error)

// EnsureParsed transitions the (name, version) slot to the parsed state
// and returns its package. At most one parse runs per slot even under
// concurrent callers: the first caller performs the transition while the
// rest block until it completes and observe the same result. A parsed
// slot is returned immediately; an empty slot is an error.
func (c *Cache) EnsureParsed(ctx context.Context, name, version string, parse ParseFunc) (*Package, error) {
	for {
		c.mu.Lock()
		e, ok := c.names[name][version]
		if !ok || e.state == stateEmpty {
			c.mu.Unlock()
			return nil, fmt.Errorf("%s@%s: %w", name, version, ErrEmptyEntry)
		}
		if e.state == stateParsed {
			p := e.pkg.clone()
			c.mu.Unlock()
			return p, nil
		}
		if e.inflight != nil {
			done := e.inflight
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Re-read the slot: the flight either parsed it or
			// recorded an error.
			c.mu.Lock()
			if e.state == stateParsed {
				p := e.pkg.clone()
				c.mu.Unlock()
				return p, nil
			}
			err := e.lastErr
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}

		// This caller owns the parse.
		e.inflight = make(chan struct{})
		m := e.manifest
		c.mu.Unlock()

		p, err := parse(ctx, name, m)

		c.mu.Lock()
		if err != nil {
			// The slot stays in the manifest state so a later caller
			// can retry after a transient failure.
			e.lastErr = err
		} else {
			e.state = stateParsed
			e.pkg = p
			e.lastErr = nil
		}
		close(e.inflight)
		e.inflight = nil
		c.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return p.clone(), nil
	}
}
