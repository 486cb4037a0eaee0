package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/a-h/gpm/config"
	"github.com/a-h/gpm/installer"
	"github.com/a-h/gpm/lockfile"
	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/registrytest"
	"github.com/a-h/gpm/resolver"
	"github.com/a-h/gpm/rewrite"
	"github.com/a-h/gpm/tree"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRegistry() *registrytest.Server {
	return registrytest.New(
		registrytest.Package{
			Name:         "@bendn/test",
			Version:      "2.0.10",
			Dependencies: map[string]string{"@bendn/gdcli": "1.2.5"},
			Files: map[string]string{
				"main.gd":   "const Parser = load('res://addons/gdcli/Parser.gd')\n",
				"self.gd":   "const Main = load('res://addons/test/main.gd')\n",
				"main.tscn": "[gd_scene load_steps=1 format=2]\n\n[ext_resource path=\"res://addons/test/main.gd\" type=\"Script\" id=1]\n",
			},
		},
		registrytest.Package{
			Name:    "@bendn/gdcli",
			Version: "1.2.5",
			Files: map[string]string{
				"Parser.gd": "extends Reference\n",
			},
		},
	)
}

type world struct {
	resolver  *resolver.Resolver
	installer *installer.Installer
}

func newWorld(srv *registrytest.Server) world {
	log := discard()
	client := registry.New(log, srv.URL, srv.Client())
	return world{
		resolver:  resolver.New(log, client, resolver.NewCache()),
		installer: installer.New(log, client),
	}
}

// update mirrors the update command: resolve, install, rewrite, lock.
func update(t *testing.T, w world, cwd string) []*resolver.Package {
	t.Helper()
	ctx := context.Background()

	decls, err := config.Load(`{"packages": {"@bendn/test": "2.0.10"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	declared := make(map[string]string, len(decls))
	for _, d := range decls {
		declared[d.Name] = d.Spec
	}

	roots, err := w.resolver.ResolveAll(ctx, declared)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err = w.installer.InstallAll(ctx, resolver.Collect(roots), cwd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rw := rewrite.New(discard())
	for _, root := range roots {
		if err = rw.Rewrite(root, cwd); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err = lockfile.Write(filepath.Join(cwd, lockfile.DefaultFilename), lockfile.Build(roots, cwd)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return roots
}

func TestUpdateMaterializesGraphAndLockfile(t *testing.T) {
	srv := startRegistry()
	defer srv.Close()
	cwd := t.TempDir()
	update(t, newWorld(srv), cwd)

	for _, path := range []string{
		"addons/@bendn/test/main.gd",
		"addons/__gpm_deps/@bendn/gdcli/1.2.5/Parser.gd",
	} {
		if _, err := os.Stat(filepath.Join(cwd, filepath.FromSlash(path))); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	b, err := os.ReadFile(filepath.Join(cwd, lockfile.DefaultFilename))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []lockfile.Entry
	if err = json.Unmarshal(b, &entries); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d lockfile entries, want 2", len(entries))
	}
	if entries[0].Name != "@bendn/gdcli" || entries[0].Version != "1.2.5" {
		t.Errorf("entry 0: got %s@%s", entries[0].Name, entries[0].Version)
	}
	if entries[1].Name != "@bendn/test" || entries[1].Version != "2.0.10" {
		t.Errorf("entry 1: got %s@%s", entries[1].Name, entries[1].Version)
	}
}

func TestUpdateRewritesLoadSites(t *testing.T) {
	srv := startRegistry()
	defer srv.Close()
	cwd := t.TempDir()
	update(t, newWorld(srv), cwd)

	tests := []struct {
		path     string
		expected string
	}{
		{
			path:     "addons/@bendn/test/main.gd",
			expected: "const Parser = load('res://addons/__gpm_deps/@bendn/gdcli/1.2.5/Parser.gd')\n",
		},
		{
			path:     "addons/@bendn/test/self.gd",
			expected: "const Main = load('res://addons/@bendn/test/main.gd')\n",
		},
		{
			path:     "addons/@bendn/test/main.tscn",
			expected: "[gd_scene load_steps=1 format=2]\n\n[ext_resource path=\"res://addons/@bendn/test/main.gd\" type=\"Script\" id=1]\n",
		},
	}
	for _, tt := range tests {
		b, err := os.ReadFile(filepath.Join(cwd, filepath.FromSlash(tt.path)))
		if err != nil {
			t.Fatalf("reading %s: %v", tt.path, err)
		}
		if diff := cmp.Diff(tt.expected, string(b)); diff != "" {
			t.Errorf("%s mismatch:\n%s", tt.path, diff)
		}
	}
}

func TestTreeRendering(t *testing.T) {
	srv := startRegistry()
	defer srv.Close()
	cwd := t.TempDir()
	roots := update(t, newWorld(srv), cwd)

	actual := tree.Render(roots, tree.Options{})
	expected := "└── @bendn/test@2.0.10\n    └── @bendn/gdcli@1.2.5\n2 dependencies"
	if actual != expected {
		t.Errorf("got:\n%q\nwant:\n%q", actual, expected)
	}
}

func TestPurgeEmptiesAddons(t *testing.T) {
	srv := startRegistry()
	defer srv.Close()
	cwd := t.TempDir()
	w := newWorld(srv)
	roots := update(t, w, cwd)

	if err := w.installer.PurgeAll(context.Background(), resolver.Collect(roots), cwd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cwd, "addons")); err == nil {
		t.Error("expected addons to be empty and removed")
	}

	// The lockfile written after a purge records nothing.
	if err := lockfile.Write(filepath.Join(cwd, lockfile.DefaultFilename), lockfile.Build(roots, cwd)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(cwd, lockfile.DefaultFilename))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "[]\n" {
		t.Errorf("got %q, want an empty lockfile", b)
	}
}

func TestRepeatUpdateIsIdempotent(t *testing.T) {
	srv := startRegistry()
	defer srv.Close()
	cwd := t.TempDir()
	w := newWorld(srv)

	update(t, w, cwd)
	first, err := os.ReadFile(filepath.Join(cwd, "addons", "@bendn", "test", "main.gd"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	update(t, w, cwd)
	second, err := os.ReadFile(filepath.Join(cwd, "addons", "@bendn", "test", "main.gd"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Errorf("repeat update changed rewritten content:\n%s", diff)
	}
}
