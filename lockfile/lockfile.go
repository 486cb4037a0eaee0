// Package lockfile records which packages are materialized on disk. The
// lockfile is an ordered JSON array; with the same resolved graph, two
// renders are byte-identical.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/a-h/gpm/resolver"
)

// DefaultFilename is where the lockfile is written unless overridden.
const DefaultFilename = "godot.lock"

// Entry is a single locked package. Digest and dependency data stay out
// of the serialized form.
type Entry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Tarball string `json:"tarball"`
}

// Build collects every package in the given graphs that is currently
// installed under cwd, deduplicated and ordered ascending by
// (name, version).
func Build(roots []*resolver.Package, cwd string) []Entry {
	// Collect returns packages ordered ascending by (name, version), which
	// is exactly the lockfile order.
	var entries []Entry
	for _, p := range resolver.Collect(roots) {
		if !p.Installed(cwd) {
			continue
		}
		entries = append(entries, Entry{
			Name:    p.Name,
			Version: p.Version.String(),
			Tarball: p.Tarball,
		})
	}
	return entries
}

// Render serializes entries to the lockfile's JSON form.
func Render(entries []Entry) ([]byte, error) {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing lockfile: %w", err)
	}
	return append(b, '\n'), nil
}

// Write renders entries to path, or to stdout when path is "-".
func Write(path string, entries []Entry) error {
	b, err := Render(entries)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	if err = os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("writing lockfile %s: %w", path, err)
	}
	return nil
}
