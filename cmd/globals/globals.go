// Package globals holds the flags shared by every command.
package globals

// Globals are the options common to all gpm commands.
type Globals struct {
	ConfigFile    string `help:"Location of the package declaration file. If -, read from stdin." short:"c" default:"godot.package" env:"GPM_CONFIG_FILE"`
	LockFile      string `help:"Location of the lock file. If -, print to stdout." short:"l" default:"godot.lock" env:"GPM_LOCK_FILE"`
	Registry      string `help:"Base URL of the package registry." default:"https://registry.npmjs.org" env:"GPM_REGISTRY"`
	MetadataCache string `help:"Path to a sqlite file caching registry metadata across runs." env:"GPM_METADATA_CACHE"`
	Parallel      int    `help:"Maximum concurrent registry and tarball requests." default:"6" env:"GPM_PARALLEL"`
	Verbose       bool   `help:"Enable verbose logging." short:"v"`
}
