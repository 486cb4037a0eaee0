// Package rewrite fixes up asset path references inside installed
// packages. Scripts and scene resources reference each other by absolute
// project paths; once a dependency lands somewhere other than the path
// its sources were written against, every load site must be pointed at
// the actual install directory.
package rewrite

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/a-h/gpm/resolver"
)

var (
	// scriptLoadPattern matches load("...") and preload('...') sites in
	// GDScript sources.
	scriptLoadPattern = regexp.MustCompile(`(pre)?load\(["']([^)]+)["']\)`)

	// resourcePathPattern matches [ext_resource path="..." sites in text
	// resources and scenes. These paths must stay absolute (res://); a
	// relative path here is malformed input the engine rejects.
	resourcePathPattern = regexp.MustCompile(`\[ext_resource path="([^"]+)"`)
)

// scriptExtensions and resourceExtensions are the file types the walker
// rewrites.
var (
	scriptExtensions   = map[string]bool{".gd": true, ".gdscript": true}
	resourceExtensions = map[string]bool{".tres": true, ".tscn": true}
)

// Rewriter rewrites load paths across an installed package tree.
type Rewriter struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Rewriter {
	return &Rewriter{log: log}
}

// DependencyMap maps every textual alias a source file may use to the
// project-relative install directory it should resolve to. Keys are each
// package's full name plus, for scoped names, the bare unscoped alias
// kept for sources that reference dependencies by their short name.
// Transitive entries are inserted before direct ones, so on an alias
// collision the direct dependency's path wins.
func DependencyMap(root *resolver.Package) map[string]string {
	m := make(map[string]string)
	add := func(p *resolver.Package) {
		dir := p.RelInstallDir()
		m[p.Name] = dir
		if alias, ok := resolver.UnscopedAlias(p.Name); ok {
			m[alias] = dir
		}
	}
	root.Walk(func(p *resolver.Package) {
		if p.Indirect {
			add(p)
		}
	})
	root.Walk(func(p *resolver.Package) {
		if !p.Indirect {
			add(p)
		}
	})
	return m
}

// Rewrite walks the installed tree of the root package and every one of
// its transitive dependencies, rewriting load sites in place. Unresolvable
// references are left unchanged with a warning.
func (rw *Rewriter) Rewrite(root *resolver.Package, cwd string) error {
	deps := DependencyMap(root)
	var err error
	root.Walk(func(p *resolver.Package) {
		if err != nil {
			return
		}
		if !p.Installed(cwd) {
			return
		}
		err = rw.rewriteTree(p.InstallDir(cwd), deps, cwd)
	})
	return err
}

func (rw *Rewriter) rewriteTree(dir string, deps map[string]string, cwd string) error {
	return filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(file))
		isScript := scriptExtensions[ext]
		if !isScript && !resourceExtensions[ext] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		text, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading %s: %w", file, err)
		}

		var out string
		if isScript {
			out = rw.rewriteScript(string(text), deps, cwd)
		} else {
			out = rw.rewriteResource(string(text), deps, cwd)
		}
		if out == string(text) {
			return nil
		}
		if err = os.WriteFile(file, []byte(out), info.Mode().Perm()); err != nil {
			return fmt.Errorf("writing %s: %w", file, err)
		}
		return nil
	})
}

// rewriteScript rewrites load("...") and preload("...") sites. Rewritten
// sites are emitted with single-quoted literals and a res:// prefix.
func (rw *Rewriter) rewriteScript(text string, deps map[string]string, cwd string) string {
	return scriptLoadPattern.ReplaceAllStringFunc(text, func(site string) string {
		groups := scriptLoadPattern.FindStringSubmatch(site)
		rewritten, ok := rw.rewritePath(groups[2], deps, cwd)
		if !ok {
			return site
		}
		return fmt.Sprintf("%sload('res://%s')", groups[1], rewritten)
	})
}

// rewriteResource rewrites [ext_resource path="..." sites.
func (rw *Rewriter) rewriteResource(text string, deps map[string]string, cwd string) string {
	return resourcePathPattern.ReplaceAllStringFunc(text, func(site string) string {
		groups := resourcePathPattern.FindStringSubmatch(site)
		rewritten, ok := rw.rewritePath(groups[1], deps, cwd)
		if !ok {
			return site
		}
		return fmt.Sprintf(`[ext_resource path="res://%s"`, rewritten)
	})
}

// rewritePath applies the rewrite rule to a single referenced path:
//
//  1. Strip a leading res:// to get a project-relative candidate.
//  2. If the candidate already resolves on disk, keep it.
//  3. Otherwise treat the second path component as an alias into the
//     dependency map and splice in the mapped install directory.
//  4. On a miss, warn and leave the site unchanged.
//
// Because step 2 short-circuits once references are correct, applying the
// rewrite twice produces the same text as applying it once.
func (rw *Rewriter) rewritePath(p string, deps map[string]string, cwd string) (string, bool) {
	candidate := strings.TrimPrefix(p, "res://")
	if exists(filepath.Join(cwd, filepath.FromSlash(candidate))) || exists(filepath.FromSlash(candidate)) {
		return candidate, true
	}

	components := strings.Split(path.Clean(candidate), "/")
	if len(components) >= 2 {
		if dir, ok := deps[components[1]]; ok {
			rest := append([]string{filepath.ToSlash(dir)}, components[2:]...)
			return path.Join(rest...), true
		}
	}

	rw.log.Warn("could not find path for reference", slog.String("path", p))
	return "", false
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
