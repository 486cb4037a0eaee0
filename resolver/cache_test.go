package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/versions"
)

var versionComparer = cmp.Comparer(func(a, b *versions.Version) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
})

func manifestFor(name, version string) registry.Manifest {
	return registry.Manifest{
		Name:    name,
		Version: version,
		Dist: registry.Dist{
			Shasum:  "da39a3ee5e6b4b0d3255bfef95601890afd80709",
			Tarball: fmt.Sprintf("https://example.com/%s/%s.tgz", name, version),
		},
	}
}

func mustVersion(t *testing.T, s string) *versions.Version {
	t.Helper()
	v, err := versions.Parse(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return v
}

func TestFindMatchingReturnsGreatestSatisfyingVersion(t *testing.T) {
	c := NewCache()
	for _, v := range []string{"1.0.0", "1.2.5", "1.9.0", "2.0.0", "10.0.0"} {
		c.Insert("pkg", v, manifestFor("pkg", v))
	}

	r, err := versions.ParseRange("^1.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	version, ok := c.FindMatching("pkg", r)
	if !ok {
		t.Fatal("expected a match")
	}
	if version != "1.9.0" {
		t.Errorf("got %s, want 1.9.0", version)
	}

	r, err = versions.ParseRange("^3.0.0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok = c.FindMatching("pkg", r); ok {
		t.Error("expected no match for an unsatisfiable range")
	}
}

func TestFindMatchingIgnoresLatestSentinel(t *testing.T) {
	c := NewCache()
	c.InsertParsed("pkg", LatestKey, &Package{Name: "pkg", Version: mustVersion(t, "9.9.9")})
	r, err := versions.ParseRange(">=0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.FindMatching("pkg", r); ok {
		t.Error("the latest sentinel must not satisfy range lookups")
	}
}

func TestInsertPackument(t *testing.T) {
	c := NewCache()
	c.InsertPackument("pkg", registry.Packument{
		Name: "pkg",
		Versions: map[string]registry.Manifest{
			"1.0.0": manifestFor("pkg", "1.0.0"),
			"2.0.0": manifestFor("pkg", "2.0.0"),
		},
	})
	got := c.Versions("pkg")
	if len(got) != 2 {
		t.Fatalf("got %d versions, want 2", len(got))
	}
	m, ok := c.Manifest("pkg", "2.0.0")
	if !ok {
		t.Fatal("expected the manifest to be recorded")
	}
	if m.Dist.Tarball != "https://example.com/pkg/2.0.0.tgz" {
		t.Errorf("got tarball %q", m.Dist.Tarball)
	}
}

func TestEnsureParsedIsSingleFlight(t *testing.T) {
	c := NewCache()
	c.Insert("pkg", "1.0.0", manifestFor("pkg", "1.0.0"))

	var parses atomic.Int32
	release := make(chan struct{})
	parse := func(ctx context.Context, name string, m registry.Manifest) (*Package, error) {
		parses.Add(1)
		<-release
		return &Package{Name: name, Version: mustVersion(t, m.Version), Tarball: m.Dist.Tarball}, nil
	}

	const callers = 16
	results := make([]*Package, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = p
		}()
	}

	// Give the callers time to pile up on the in-flight parse, then let
	// it complete.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := parses.Load(); n != 1 {
		t.Errorf("got %d parses, want exactly 1", n)
	}
	for i := 1; i < callers; i++ {
		if diff := cmp.Diff(results[0], results[i], versionComparer); diff != "" {
			t.Errorf("caller %d observed a different package:\n%s", i, diff)
		}
	}
}

func TestEnsureParsedReturnsCachedPackage(t *testing.T) {
	c := NewCache()
	c.Insert("pkg", "1.0.0", manifestFor("pkg", "1.0.0"))

	var parses atomic.Int32
	parse := func(ctx context.Context, name string, m registry.Manifest) (*Package, error) {
		parses.Add(1)
		return &Package{Name: name, Version: mustVersion(t, m.Version)}, nil
	}

	first, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parses.Load() != 1 {
		t.Errorf("got %d parses, want 1", parses.Load())
	}
	if diff := cmp.Diff(first, second, versionComparer); diff != "" {
		t.Errorf("repeat call observed a different package:\n%s", diff)
	}

	// Returned packages are independent copies: flag mutations must not
	// leak back into the cache.
	second.Indirect = true
	third, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.Indirect {
		t.Error("mutating a returned package leaked into the cache")
	}
}

func TestEnsureParsedEmptySlot(t *testing.T) {
	c := NewCache()
	parse := func(ctx context.Context, name string, m registry.Manifest) (*Package, error) {
		t.Fatal("parse must not run for an empty slot")
		return nil, nil
	}
	if _, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse); !errors.Is(err, ErrEmptyEntry) {
		t.Errorf("expected ErrEmptyEntry, got %v", err)
	}
}

func TestEnsureParsedFailureAllowsRetry(t *testing.T) {
	c := NewCache()
	c.Insert("pkg", "1.0.0", manifestFor("pkg", "1.0.0"))

	var parses atomic.Int32
	parse := func(ctx context.Context, name string, m registry.Manifest) (*Package, error) {
		if parses.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return &Package{Name: name, Version: mustVersion(t, m.Version)}, nil
	}

	if _, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse); err == nil {
		t.Fatal("expected the first parse to fail")
	}
	p, err := c.EnsureParsed(context.Background(), "pkg", "1.0.0", parse)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if p.Name != "pkg" {
		t.Errorf("got %q, want pkg", p.Name)
	}
}
