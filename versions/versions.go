// Package versions provides semantic version parsing, ordering and range
// matching for registry version selection.
package versions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a semantic version with optional pre-release and build
// metadata. Comparison follows semver 2.0 precedence.
type Version = semver.Version

// Parse parses a version string.
func Parse(s string) (*Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", s, err)
	}
	return v, nil
}

// Range is a constraint over versions, e.g. "^1.2.3", ">=1.0 <2.0" or
// "1.x || 2.x". The zero value is the "any" range produced by an empty
// range expression: it matches every version, and selection against it is
// expected to use the registry's "latest" dist-tag rather than max-version.
type Range struct {
	text        string
	constraints *semver.Constraints
}

// ParseRange parses a range expression. The empty string yields the "any"
// range rather than an error.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}
	c, err := semver.NewConstraint(s)
	if err != nil {
		return Range{}, fmt.Errorf("parsing version range %q: %w", s, err)
	}
	return Range{text: s, constraints: c}, nil
}

// IsAny reports whether the range was produced from an empty expression.
func (r Range) IsAny() bool {
	return r.constraints == nil
}

// Contains reports whether v satisfies the range.
func (r Range) Contains(v *Version) bool {
	if v == nil {
		return false
	}
	if r.constraints == nil {
		return true
	}
	return r.constraints.Check(v)
}

func (r Range) String() string {
	if r.constraints == nil {
		return "*"
	}
	return r.text
}

// Latest returns the greatest of the given versions, or nil if the slice
// is empty.
func Latest(vs []*Version) *Version {
	var max *Version
	for _, v := range vs {
		if v == nil {
			continue
		}
		if max == nil || v.GreaterThan(max) {
			max = v
		}
	}
	return max
}

// SortDescending orders versions newest first.
func SortDescending(vs []*Version) {
	sort.Slice(vs, func(i, j int) bool {
		return vs[i].GreaterThan(vs[j])
	})
}
