// Package resolver turns (name, version range) pairs into fully resolved
// package graphs, backed by a process-wide single-flight cache of registry
// metadata.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/a-h/gpm/versions"
)

// depsDirName is the quarantine subtree that keeps transitive dependencies
// out of the way of directly declared addons.
const depsDirName = "__gpm_deps"

// Package is a fully resolved node in a dependency graph. After
// construction it is never mutated, except for the Indirect flag which is
// set according to the node's position in the graph it is cloned into.
type Package struct {
	Name    string
	Version *versions.Version

	// Tarball is the archive location; Shasum and Integrity are the
	// digests the registry published for it, either of which may be
	// empty.
	Tarball   string
	Shasum    string
	Integrity string

	// Dependencies are the resolved transitive children, sorted by name.
	Dependencies []*Package

	// Indirect is false for user-declared roots and true for packages
	// pulled in transitively.
	Indirect bool

	// Unverified records that the registry published no digest for the
	// tarball, so installation skipped verification.
	Unverified bool
}

func (p *Package) String() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Version)
}

// RelInstallDir returns the package's install directory relative to the
// project root: addons/{name} for direct dependencies, or the per-version
// quarantine path addons/__gpm_deps/{name}/{version} for indirect ones.
// Scoped names produce nested directories.
func (p *Package) RelInstallDir() string {
	if p.Indirect {
		return filepath.Join("addons", depsDirName, filepath.FromSlash(p.Name), p.Version.String())
	}
	return filepath.Join("addons", filepath.FromSlash(p.Name))
}

// InstallDir returns the absolute install directory under cwd.
func (p *Package) InstallDir(cwd string) string {
	return filepath.Join(cwd, p.RelInstallDir())
}

// Installed reports whether the package's install directory exists.
func (p *Package) Installed(cwd string) bool {
	_, err := os.Stat(p.InstallDir(cwd))
	return err == nil
}

// HasDependencies reports whether the package has any resolved children.
func (p *Package) HasDependencies() bool {
	return len(p.Dependencies) > 0
}

// Walk visits p and every transitive dependency, parents before children.
func (p *Package) Walk(visit func(*Package)) {
	visit(p)
	for _, d := range p.Dependencies {
		d.Walk(visit)
	}
}

// clone returns a copy of p whose Indirect flag can be set independently
// of the cached instance. Children are shared: they are always indirect,
// so their flag never varies by position.
func (p *Package) clone() *Package {
	c := *p
	c.Dependencies = make([]*Package, len(p.Dependencies))
	copy(c.Dependencies, p.Dependencies)
	return &c
}

// Collect flattens the given roots and all their transitive dependencies
// into a single list, deduplicated by (name, version) and sorted by name
// then version.
func Collect(roots []*Package) []*Package {
	seen := make(map[string]*Package)
	for _, r := range roots {
		r.Walk(func(p *Package) {
			key := p.String()
			if prev, ok := seen[key]; ok {
				// A direct declaration wins over a transitive
				// appearance of the same package.
				if prev.Indirect && !p.Indirect {
					seen[key] = p
				}
				return
			}
			seen[key] = p
		})
	}
	out := make([]*Package, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version.LessThan(out[j].Version)
	})
	return out
}

// UnscopedAlias returns the bare name of a scoped package (@owner/base ->
// base) and whether the name was scoped at all.
func UnscopedAlias(name string) (string, bool) {
	if !strings.HasPrefix(name, "@") {
		return "", false
	}
	_, base, ok := strings.Cut(name, "/")
	if !ok || base == "" {
		return "", false
	}
	return base, true
}
