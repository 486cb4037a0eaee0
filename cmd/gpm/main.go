package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/a-h/gpm/cmd/globals"
	"github.com/a-h/gpm/config"
	"github.com/a-h/gpm/installer"
	"github.com/a-h/gpm/lockfile"
	"github.com/a-h/gpm/metrics"
	"github.com/a-h/gpm/registry"
	"github.com/a-h/gpm/resolver"
	"github.com/a-h/gpm/rewrite"
	"github.com/a-h/gpm/store"
	"github.com/a-h/gpm/tree"
)

type CLI struct {
	globals.Globals
	Version VersionCmd `cmd:"" help:"Show version information"`
	Update  UpdateCmd  `cmd:"" help:"Download and install the declared packages and their dependencies"`
	Purge   PurgeCmd   `cmd:"" help:"Delete all installed packages"`
	Tree    TreeCmd    `cmd:"" help:"Print a tree of the declared packages and their dependencies"`
	Init    InitCmd    `cmd:"" help:"Create a package declaration file"`
}

var Version = "dev"

type VersionCmd struct{}

func (cmd *VersionCmd) Run(globals *globals.Globals) error {
	fmt.Printf("%s", Version)
	return nil
}

func newLogger(globals *globals.Globals) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if globals.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newWorld builds the shared resolver stack: registry client, in-memory
// cache, optional persistent metadata cache, metrics.
func newWorld(ctx context.Context, log *slog.Logger, g *globals.Globals, m metrics.Metrics) (r *resolver.Resolver, i *installer.Installer, closer func() error, err error) {
	closer = func() error { return nil }
	client := registry.New(log, g.Registry, nil).WithMetrics(m)
	if g.MetadataCache != "" {
		db, dbCloser, err := store.Open(ctx, g.MetadataCache)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening metadata cache: %w", err)
		}
		client.WithMetadataCache(db)
		closer = dbCloser
	}
	r = resolver.New(log, client, resolver.NewCache()).WithParallelism(g.Parallel)
	i = installer.New(log, client).WithParallelism(g.Parallel).WithMetrics(m)
	return r, i, closer, nil
}

// loadDeclarations reads the declaration file (or stdin) and parses it.
func loadDeclarations(g *globals.Globals) ([]config.Declared, error) {
	var text []byte
	var err error
	if g.ConfigFile == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(g.ConfigFile)
	}
	if err != nil {
		return nil, fmt.Errorf("reading declaration file: %w", err)
	}
	return config.Load(string(text))
}

func resolveRoots(ctx context.Context, r *resolver.Resolver, decls []config.Declared) ([]*resolver.Package, error) {
	declared := make(map[string]string, len(decls))
	for _, d := range decls {
		declared[d.Name] = d.Spec
	}
	return r.ResolveAll(ctx, declared)
}

func writeLock(g *globals.Globals, roots []*resolver.Package, cwd string) error {
	path := g.LockFile
	if path == "" {
		path = lockfile.DefaultFilename
	}
	return lockfile.Write(path, lockfile.Build(roots, cwd))
}

type UpdateCmd struct {
	MetricsListenAddr string `help:"Serve Prometheus metrics on this address while updating" env:"GPM_METRICS_LISTEN_ADDR"`
}

func (cmd *UpdateCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx := context.Background()

	var m metrics.Metrics
	if cmd.MetricsListenAddr != "" {
		var err error
		if m, err = metrics.New(); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		go func() {
			if err := metrics.ListenAndServe(cmd.MetricsListenAddr); err != nil {
				log.Error("metrics server exited", slog.String("addr", cmd.MetricsListenAddr), slog.String("error", err.Error()))
			}
		}()
	}

	r, inst, closer, err := newWorld(ctx, log, globals, m)
	if err != nil {
		return err
	}
	defer closer()

	decls, err := loadDeclarations(globals)
	if err != nil {
		return err
	}
	if len(decls) == 0 {
		return fmt.Errorf("no packages declared (add packages to %s)", globals.ConfigFile)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to read working directory: %w", err)
	}
	if err = os.MkdirAll(filepath.Join(cwd, "addons"), 0o755); err != nil {
		return fmt.Errorf("failed to create addons directory: %w", err)
	}

	roots, err := resolveRoots(ctx, r, decls)
	if err != nil {
		return err
	}

	all := resolver.Collect(roots)
	log.Info("resolved packages", slog.Int("count", len(all)))

	if err = inst.InstallAll(ctx, all, cwd); err != nil {
		return err
	}

	rw := rewrite.New(log)
	for _, root := range roots {
		if err = rw.Rewrite(root, cwd); err != nil {
			return err
		}
	}

	log.Info("updated packages", slog.Int("count", len(all)))
	return writeLock(globals, roots, cwd)
}

type PurgeCmd struct{}

func (cmd *PurgeCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx := context.Background()

	r, inst, closer, err := newWorld(ctx, log, globals, metrics.Metrics{})
	if err != nil {
		return err
	}
	defer closer()

	decls, err := loadDeclarations(globals)
	if err != nil {
		return err
	}
	if len(decls) == 0 {
		return fmt.Errorf("no packages declared (add packages to %s)", globals.ConfigFile)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to read working directory: %w", err)
	}

	roots, err := resolveRoots(ctx, r, decls)
	if err != nil {
		return err
	}

	all := resolver.Collect(roots)
	installed := 0
	for _, p := range all {
		if p.Installed(cwd) {
			installed++
		}
	}
	if installed == 0 {
		return fmt.Errorf("no packages installed (use \"gpm update\" to install packages)")
	}

	if err = inst.PurgeAll(ctx, all, cwd); err != nil {
		return err
	}
	log.Info("purged packages", slog.Int("count", installed))
	return writeLock(globals, roots, cwd)
}

type TreeCmd struct {
	Charset  string `help:"Character set to print in" enum:"utf8,ascii" default:"utf8"`
	Prefix   string `help:"How tree entries are indented" enum:"indent,depth,none" default:"indent"`
	Tarballs bool   `help:"Print download URLs next to package names" default:"false"`
}

func (cmd *TreeCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx := context.Background()

	r, _, closer, err := newWorld(ctx, log, globals, metrics.Metrics{})
	if err != nil {
		return err
	}
	defer closer()

	decls, err := loadDeclarations(globals)
	if err != nil {
		return err
	}

	roots, err := resolveRoots(ctx, r, decls)
	if err != nil {
		return err
	}

	opts := tree.Options{Tarballs: cmd.Tarballs}
	if cmd.Charset == "ascii" {
		opts.Charset = tree.ASCII
	}
	switch cmd.Prefix {
	case "depth":
		opts.Prefix = tree.Depth
	case "none":
		opts.Prefix = tree.None
	}
	fmt.Println(tree.Render(roots, opts))
	return nil
}

type InitCmd struct {
	Packages []string `help:"Packages to declare (format: name@version, name:version or name=version)" arg:"" optional:""`
	Dialect  string   `help:"Language to save the declaration file in" enum:"json,yaml,toml" default:"json"`
	Force    bool     `help:"Overwrite an existing declaration file" default:"false"`
}

func (cmd *InitCmd) Run(globals *globals.Globals) error {
	log := newLogger(globals)
	ctx := context.Background()

	if globals.ConfigFile == "-" {
		return fmt.Errorf("init requires a file path, not stdin")
	}
	if _, err := os.Stat(globals.ConfigFile); err == nil && !cmd.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", globals.ConfigFile)
	}

	r, _, closer, err := newWorld(ctx, log, globals, metrics.Metrics{})
	if err != nil {
		return err
	}
	defer closer()

	decls := make([]config.Declared, 0, len(cmd.Packages))
	for _, s := range cmd.Packages {
		d, err := config.ParseSpec(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		// Resolve to validate the declaration before writing it out.
		p, err := r.Resolve(ctx, d.Name, d.Spec)
		if err != nil {
			return err
		}
		if d.Spec == "" {
			d.Spec = p.Version.String()
		}
		decls = append(decls, d)
	}

	dialect := config.JSON
	switch cmd.Dialect {
	case "yaml":
		dialect = config.YAML
	case "toml":
		dialect = config.TOML
	}
	text, err := config.Print(decls, dialect)
	if err != nil {
		return err
	}
	if err = os.WriteFile(globals.ConfigFile, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", globals.ConfigFile, err)
	}
	log.Info("wrote declaration file", slog.String("path", globals.ConfigFile), slog.Int("packages", len(decls)))
	return nil
}

func main() {
	cli := CLI{
		Globals: globals.Globals{},
	}

	ctx := kong.Parse(&cli,
		kong.Name("gpm"),
		kong.Description("A package manager for Godot projects"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
