package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/a-h/gpm/registry"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, closer, err := Open(context.Background(), filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		if err := closer(); err != nil {
			t.Errorf("unexpected error closing: %v", err)
		}
	})
	return db
}

func TestPackumentRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetPackument(ctx, "@bendn/test"); err != nil || ok {
		t.Fatalf("expected a miss, got ok=%v err=%v", ok, err)
	}

	p := registry.Packument{
		Name:     "@bendn/test",
		DistTags: map[string]string{"latest": "2.0.10"},
		Versions: map[string]registry.Manifest{
			"2.0.10": {
				Name:         "@bendn/test",
				Version:      "2.0.10",
				Dist:         registry.Dist{Shasum: "abc", Tarball: "https://example.com/t.tgz"},
				Dependencies: map[string]string{"@bendn/gdcli": "1.2.5"},
			},
		},
	}
	if err := db.PutPackument(ctx, "@bendn/test", p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := db.GetPackument(ctx, "@bendn/test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("packument mismatch:\n%s", diff)
	}
}

func TestLatestRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := registry.Manifest{
		Name:    "pkg",
		Version: "3.0.0",
		Dist:    registry.Dist{Shasum: "abc", Tarball: "https://example.com/p.tgz"},
	}
	if err := db.PutLatest(ctx, "pkg", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := db.GetLatest(ctx, "pkg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("manifest mismatch:\n%s", diff)
	}
}

func TestDeletePackage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.PutLatest(ctx, "pkg", registry.Manifest{Name: "pkg", Version: "1.0.0"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.DeletePackage(ctx, "pkg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, err := db.GetLatest(ctx, "pkg"); err != nil || ok {
		t.Errorf("expected the package metadata to be gone, got ok=%v err=%v", ok, err)
	}
}
