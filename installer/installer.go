// Package installer materializes resolved packages into a project's
// addons tree: fetch, verify, purge, extract. Verification happens before
// the existing install is purged, so a digest mismatch leaves the
// filesystem exactly as it was.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/a-h/gpm/archive"
	"github.com/a-h/gpm/integrity"
	"github.com/a-h/gpm/metrics"
	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/resolver"
)

// Installer downloads and extracts packages.
type Installer struct {
	log      *slog.Logger
	client   *registry.Client
	parallel int
	metrics  metrics.Metrics
}

func New(log *slog.Logger, client *registry.Client) *Installer {
	return &Installer{
		log:      log,
		client:   client,
		parallel: resolver.DefaultParallelism,
	}
}

// WithParallelism overrides the batch install fan-out bound.
func (i *Installer) WithParallelism(n int) *Installer {
	if n > 0 {
		i.parallel = n
	}
	return i
}

// WithMetrics sets the metrics sink.
func (i *Installer) WithMetrics(m metrics.Metrics) *Installer {
	i.metrics = m
	return i
}

// Install fetches, verifies and extracts a single package into its
// install directory under cwd, replacing any previous install.
func (i *Installer) Install(ctx context.Context, p *resolver.Package, cwd string) error {
	i.log.Info("installing package", slog.String("package", p.String()), slog.String("tarball", p.Tarball))

	data, err := i.client.GetTarball(ctx, p.Tarball)
	if err != nil {
		return fmt.Errorf("installing %s: %w", p, err)
	}

	verified, err := integrity.Verify(data, p.Shasum, p.Integrity)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", p, err)
	}
	if !verified {
		i.log.Warn("no digest published, skipping verification", slog.String("package", p.String()))
	}

	if err = i.Purge(p, cwd); err != nil {
		return fmt.Errorf("installing %s: %w", p, err)
	}

	arch, err := archive.Open(data, p.Tarball)
	if err != nil {
		return fmt.Errorf("installing %s: %w", p, err)
	}
	dst := p.InstallDir(cwd)
	if err = arch.Extract(dst); err != nil {
		return fmt.Errorf("extracting %s to %s: %w", p, dst, err)
	}

	i.metrics.IncrementInstalls(ctx)
	i.log.Debug("installed package", slog.String("package", p.String()), slog.String("dir", dst))
	return nil
}

// InstallAll installs packages concurrently. A failing package does not
// abort its siblings; all individual failures are joined into the
// returned error.
func (i *Installer) InstallAll(ctx context.Context, pkgs []*resolver.Package, cwd string) error {
	var g errgroup.Group
	g.SetLimit(i.parallel)

	var mu sync.Mutex
	var errs []error
	for _, p := range pkgs {
		g.Go(func() error {
			if err := i.Install(ctx, p, cwd); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Purge removes a package's install directory if it exists.
func (i *Installer) Purge(p *resolver.Package, cwd string) error {
	dir := p.InstallDir(cwd)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purging %s: %w", p, err)
	}
	return nil
}

// PurgeAll removes every installed package in the list, then sweeps
// away the directories the removals left empty, including the addons
// directory itself when nothing remains.
func (i *Installer) PurgeAll(ctx context.Context, pkgs []*resolver.Package, cwd string) error {
	var errs []error
	for _, p := range pkgs {
		if !p.Installed(cwd) {
			continue
		}
		i.log.Info("deleting package", slog.String("package", p.String()), slog.String("dir", p.RelInstallDir()))
		if err := i.Purge(p, cwd); err != nil {
			errs = append(errs, err)
			continue
		}
		i.metrics.IncrementPurges(ctx)
	}
	if err := SweepEmptyDirs(filepath.Join(cwd, "addons")); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SweepEmptyDirs removes every directory under dir (and dir itself) that
// is transitively empty, in a single post-order pass.
func SweepEmptyDirs(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	_, err := sweep(dir)
	return err
}

func sweep(dir string) (removed bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	remaining := len(entries)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := sweep(filepath.Join(dir, e.Name()))
		if err != nil {
			return false, err
		}
		if sub {
			remaining--
		}
	}
	if remaining > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		return false, err
	}
	return true, nil
}
