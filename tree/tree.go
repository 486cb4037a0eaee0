// Package tree renders a resolved dependency graph as a text tree.
package tree

import (
	"fmt"
	"strings"

	"github.com/a-h/gpm/resolver"
)

// Charset selects the characters used for tree branches.
type Charset int

const (
	// UTF8 draws with box-drawing characters (├── └──).
	UTF8 Charset = iota
	// ASCII draws with plain characters (|-- `--).
	ASCII
)

// PrefixStyle selects how tree depth is displayed.
type PrefixStyle int

const (
	// Indent indents entries proportional to their depth.
	Indent PrefixStyle = iota
	// Depth prints the numeric depth before each entry.
	Depth
	// None lists entries without indentation.
	None
)

// Options controls rendering.
type Options struct {
	Charset  Charset
	Prefix   PrefixStyle
	Tarballs bool
}

// Render produces the tree for the given roots, terminated by a
// dependency count trailer.
func Render(roots []*resolver.Package, opts Options) string {
	tee, last, pipe := "├──", "└──", "│"
	if opts.Charset == ASCII {
		tee, last, pipe = "|--", "`--", "|"
	}

	var sb strings.Builder
	var count int
	var render func(pkgs []*resolver.Package, prefix string, depth int)
	render = func(pkgs []*resolver.Package, prefix string, depth int) {
		count += len(pkgs)
		for i, p := range pkgs {
			isLast := i == len(pkgs)-1
			switch opts.Prefix {
			case Indent:
				branch := tee
				if isLast {
					branch = last
				}
				fmt.Fprintf(&sb, "%s%s %s", prefix, branch, p)
			case Depth:
				fmt.Fprintf(&sb, "%d %s", depth, p)
			case None:
				sb.WriteString(p.String())
			}
			if opts.Tarballs {
				sb.WriteByte(' ')
				sb.WriteString(p.Tarball)
			}
			sb.WriteByte('\n')
			if p.HasDependencies() {
				childPrefix := ""
				if opts.Prefix == Indent {
					bar := pipe
					if isLast {
						bar = " "
					}
					childPrefix = fmt.Sprintf("%s%s   ", prefix, bar)
				}
				render(p.Dependencies, childPrefix, depth+1)
			}
		}
	}
	render(roots, "", 0)

	fmt.Fprintf(&sb, "%d dependencies", count)
	return sb.String()
}
