package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/a-h/gpm/archive"
	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/versions"
)

// DefaultParallelism bounds concurrent dependency fan-out and the number
// of in-flight registry requests a single resolution can cause.
const DefaultParallelism = 6

// NoMatchingVersionError is returned when neither the cache nor the
// registry holds a version satisfying the requested range.
type NoMatchingVersionError struct {
	Name  string
	Range string
	Tried []string
}

func (e NoMatchingVersionError) Error() string {
	return fmt.Sprintf("no version of %s matches %q (tried %s)", e.Name, e.Range, strings.Join(e.Tried, ", "))
}

// Resolver resolves (name, range) pairs into package graphs.
type Resolver struct {
	log      *slog.Logger
	client   *registry.Client
	cache    *Cache
	parallel int
}

func New(log *slog.Logger, client *registry.Client, cache *Cache) *Resolver {
	return &Resolver{
		log:      log,
		client:   client,
		cache:    cache,
		parallel: DefaultParallelism,
	}
}

// WithParallelism overrides the dependency fan-out bound.
func (r *Resolver) WithParallelism(n int) *Resolver {
	if n > 0 {
		r.parallel = n
	}
	return r
}

// pathKey carries the set of (name, version) keys whose parses are
// in flight on the current resolution path. Re-encountering one of them
// means the graph is cyclic: awaiting our own flight would deadlock, so
// the cycle is closed with the manifest's shallow node instead.
type pathKey struct{}

func pathFrom(ctx context.Context) map[string]bool {
	p, _ := ctx.Value(pathKey{}).(map[string]bool)
	return p
}

func withPath(ctx context.Context, key string) context.Context {
	prev := pathFrom(ctx)
	next := make(map[string]bool, len(prev)+1)
	for k := range prev {
		next[k] = true
	}
	next[key] = true
	return context.WithValue(ctx, pathKey{}, next)
}

// Resolve turns a name and a version range expression into a fully
// resolved package. An empty range selects the registry's "latest"
// dist-tag; an http(s) URL is treated as a direct archive location.
func (r *Resolver) Resolve(ctx context.Context, name, rangeText string) (*Package, error) {
	rangeText = strings.TrimSpace(rangeText)
	if strings.HasPrefix(rangeText, "http://") || strings.HasPrefix(rangeText, "https://") {
		return r.resolveArchive(ctx, rangeText)
	}
	if rangeText == "" || rangeText == LatestKey {
		return r.ResolveLatest(ctx, name)
	}

	rng, err := versions.ParseRange(rangeText)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}

	if version, ok := r.cache.FindMatching(name, rng); ok {
		return r.ensureParsed(ctx, name, version)
	}

	pack, err := r.client.GetPackument(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolving %s@%s: %w", name, rangeText, err)
	}
	r.cache.InsertPackument(name, pack)

	if version, ok := r.cache.FindMatching(name, rng); ok {
		return r.ensureParsed(ctx, name, version)
	}

	tried := r.cache.Versions(name)
	sort.Strings(tried)
	return nil, NoMatchingVersionError{Name: name, Range: rangeText, Tried: tried}
}

// ResolveLatest resolves a name through the registry's "latest" dist-tag,
// consulting the cache's latest sentinel first.
func (r *Resolver) ResolveLatest(ctx context.Context, name string) (*Package, error) {
	if p, ok := r.cache.Parsed(name, LatestKey); ok {
		return p, nil
	}

	m, err := r.client.GetLatestManifest(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolving latest %s: %w", name, err)
	}
	r.cache.Insert(name, m.Version, m)

	p, err := r.ensureParsed(ctx, name, m.Version)
	if err != nil {
		return nil, err
	}
	r.cache.InsertParsed(name, LatestKey, p)
	return p, nil
}

func (r *Resolver) ensureParsed(ctx context.Context, name, version string) (*Package, error) {
	key := fmt.Sprintf("%s@%s", name, version)
	if pathFrom(ctx)[key] {
		// Cyclic graph: this exact node is being parsed further up the
		// current path. Close the cycle with a shallow node sharing the
		// manifest, rather than awaiting our own completion.
		m, ok := r.cache.Manifest(name, version)
		if !ok {
			return nil, fmt.Errorf("resolving %s: %w", key, ErrEmptyEntry)
		}
		r.log.Debug("dependency cycle detected", slog.String("package", key))
		return r.shallowPackage(name, m)
	}
	return r.cache.EnsureParsed(ctx, name, version, r.parseManifest)
}

func (r *Resolver) shallowPackage(name string, m registry.Manifest) (*Package, error) {
	v, err := versions.Parse(m.Version)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as manifest: %w", name, err)
	}
	return &Package{
		Name:       name,
		Version:    v,
		Tarball:    m.Dist.Tarball,
		Shasum:     m.Dist.Shasum,
		Integrity:  m.Dist.Integrity,
		Unverified: m.Dist.Shasum == "" && m.Dist.Integrity == "",
	}, nil
}

// parseManifest turns a raw manifest into a package by resolving each of
// its dependencies. Fan-out is concurrent, bounded by the resolver's
// parallelism; the first failure cancels the remaining siblings.
func (r *Resolver) parseManifest(ctx context.Context, name string, m registry.Manifest) (*Package, error) {
	p, err := r.shallowPackage(name, m)
	if err != nil {
		return nil, err
	}
	ctx = withPath(ctx, p.String())

	p.Dependencies, err = r.resolveDependencies(ctx, m.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", p, err)
	}
	return p, nil
}

func (r *Resolver) resolveDependencies(ctx context.Context, deps map[string]string) ([]*Package, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	resolved := make([]*Package, len(names))
	for i, name := range names {
		g.Go(func() error {
			p, err := r.Resolve(ctx, name, deps[name])
			if err != nil {
				return fmt.Errorf("resolving dependency %s@%s: %w", name, deps[name], err)
			}
			p.Indirect = true
			resolved[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resolved, nil
}

// archiveManifest is the subset of a package.json needed to treat an
// archive fetched by URI as a package.
type archiveManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// resolveArchive resolves a dependency declared as a direct archive URL.
// The archive's own package.json provides identity and dependencies; no
// digest is published for such archives, so verification is skipped.
func (r *Resolver) resolveArchive(ctx context.Context, uri string) (*Package, error) {
	data, err := r.client.GetTarball(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("resolving archive %s: %w", uri, err)
	}
	arch, err := archive.Open(data, uri)
	if err != nil {
		return nil, fmt.Errorf("resolving archive %s: %w", uri, err)
	}
	text, err := arch.ReadNamedEntry("package.json")
	if err != nil {
		return nil, fmt.Errorf("searching for package.json in %s: %w", uri, err)
	}
	var am archiveManifest
	if err := json.Unmarshal([]byte(text), &am); err != nil {
		return nil, fmt.Errorf("parsing package.json from %s: %w", uri, err)
	}
	if am.Name == "" || am.Version == "" {
		return nil, fmt.Errorf("package.json from %s is missing a name or version", uri)
	}

	if p, ok := r.cache.Parsed(am.Name, am.Version); ok {
		return p, nil
	}
	r.cache.Insert(am.Name, am.Version, registry.Manifest{
		Name:         am.Name,
		Version:      am.Version,
		Dist:         registry.Dist{Tarball: uri},
		Dependencies: am.Dependencies,
	})
	return r.cache.EnsureParsed(ctx, am.Name, am.Version, r.parseManifest)
}

// ResolveAll resolves a set of declared roots concurrently. Roots keep
// Indirect=false; the first failure cancels the remaining siblings.
func (r *Resolver) ResolveAll(ctx context.Context, declared map[string]string) ([]*Package, error) {
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	roots := make([]*Package, len(names))
	for i, name := range names {
		g.Go(func() error {
			p, err := r.Resolve(ctx, name, declared[name])
			if err != nil {
				return err
			}
			p.Indirect = false
			roots[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return roots, nil
}
