package config

import (
	"fmt"
	"strings"
)

// maxNameLength is npm's limit on package name length.
const maxNameLength = 214

// unsafeNameCharacters may not appear in a package name.
const unsafeNameCharacters = " <>[]{}|\\^%"

// ParseSpec parses a command-line package argument into a declaration.
// Three version separators are accepted: name@version, name:version and
// name=version; a bare name requests the latest published version. Scoped
// names keep their leading @: "@scope/pkg@1.2.3".
func ParseSpec(s string) (Declared, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Declared{}, fmt.Errorf("empty package spec")
	}

	if i := strings.IndexAny(s, ":="); i >= 0 {
		name, spec := s[:i], s[i+1:]
		if err := checkName(name); err != nil {
			return Declared{}, err
		}
		return Declared{Name: name, Spec: spec}, nil
	}

	// The @ separator needs care: scoped names start with one.
	rest := s
	var scope string
	if strings.HasPrefix(s, "@") {
		scope, rest = s[:1], s[1:]
	}
	name, spec, found := strings.Cut(rest, "@")
	if !found {
		if err := checkName(s); err != nil {
			return Declared{}, err
		}
		return Declared{Name: s}, nil
	}
	name = scope + name
	if err := checkName(name); err != nil {
		return Declared{}, err
	}
	return Declared{Name: name, Spec: spec}, nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid package name: empty")
	}
	if len(name) >= maxNameLength {
		return fmt.Errorf("invalid package name %q: too long", name)
	}
	if strings.ContainsAny(name, unsafeNameCharacters) {
		return fmt.Errorf("invalid package name %q: contains unsafe characters", name)
	}
	return nil
}
