// Package store is an opt-in persistent metadata cache backed by a local
// sqlite database. It remembers packuments and latest-tag manifests
// across runs, which keeps repeated updates fast and makes offline
// re-resolution of an unchanged graph possible. It is best-effort: a
// cached packument does not see versions published after it was written.
package store

import (
	"context"
	"net/url"
	"path"

	"github.com/a-h/kv"
	"github.com/a-h/kv/sqlitekv"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/a-h/gpm/registry"
)

// Open creates a sqlite-backed metadata cache at the given file path.
func Open(ctx context.Context, path string) (db *DB, closer func() error, err error) {
	pool, err := sqlitex.NewPool("file:"+path, sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI,
	})
	if err != nil {
		return nil, nil, err
	}
	store := sqlitekv.NewStore(pool)
	if err = store.Init(ctx); err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	return NewDB(store), pool.Close, nil
}

// NewDB wraps any kv.Store as a metadata cache.
func NewDB(store kv.Store) *DB {
	return &DB{store: store}
}

type DB struct {
	store kv.Store
}

func packumentKey(name string) string {
	return path.Join("/npm", url.PathEscape(name), "packument")
}

func latestKey(name string) string {
	return path.Join("/npm", url.PathEscape(name), "latest")
}

// GetPackument retrieves a cached packument.
func (d *DB) GetPackument(ctx context.Context, name string) (p registry.Packument, ok bool, err error) {
	_, ok, err = d.store.Get(ctx, packumentKey(name), &p)
	if err != nil || !ok {
		return registry.Packument{}, false, err
	}
	return p, true, nil
}

// PutPackument saves a packument.
func (d *DB) PutPackument(ctx context.Context, name string, p registry.Packument) error {
	return d.store.Put(ctx, packumentKey(name), -1, p)
}

// GetLatest retrieves the cached latest-tag manifest.
func (d *DB) GetLatest(ctx context.Context, name string) (m registry.Manifest, ok bool, err error) {
	_, ok, err = d.store.Get(ctx, latestKey(name), &m)
	if err != nil || !ok {
		return registry.Manifest{}, false, err
	}
	return m, true, nil
}

// PutLatest saves the latest-tag manifest.
func (d *DB) PutLatest(ctx context.Context, name string, m registry.Manifest) error {
	return d.store.Put(ctx, latestKey(name), -1, m)
}

// DeletePackage drops all cached metadata for a name.
func (d *DB) DeletePackage(ctx context.Context, name string) error {
	prefix := path.Join("/npm", url.PathEscape(name)) + "/"
	_, err := d.store.DeletePrefix(ctx, prefix, 0, -1)
	return err
}
