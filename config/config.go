// Package config reads and writes the project's package declaration file.
// Three textual dialects are accepted: JSON (including HJSON relaxations),
// YAML and TOML, each carrying a {name: versionSpec} map under either a
// "packages" or a "dependencies" key. An npm-style package.json with a
// dependencies field is therefore valid input too.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	hjson "github.com/hjson/hjson-go/v4"
	"gopkg.in/yaml.v3"
)

// Declared is a single top-level declaration: a package name and the
// version spec requested for it.
type Declared struct {
	Name string
	Spec string
}

func (d Declared) String() string {
	if d.Spec == "" {
		return d.Name
	}
	return fmt.Sprintf("%s@%s", d.Name, d.Spec)
}

// Dialect identifies a declaration file syntax.
type Dialect int

const (
	JSON Dialect = iota
	YAML
	TOML
)

func (d Dialect) String() string {
	switch d {
	case JSON:
		return "JSON"
	case YAML:
		return "YAML"
	case TOML:
		return "TOML"
	}
	return "unknown"
}

// document is the wire shape shared by all three dialects.
type document struct {
	Packages     map[string]string `json:"packages,omitempty" yaml:"packages,omitempty" toml:"packages,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
}

func (doc document) declarations() []Declared {
	merged := make(map[string]string, len(doc.Packages)+len(doc.Dependencies))
	for name, spec := range doc.Dependencies {
		merged[name] = spec
	}
	for name, spec := range doc.Packages {
		merged[name] = spec
	}
	out := make([]Declared, 0, len(merged))
	for name, spec := range merged {
		out = append(out, Declared{Name: name, Spec: spec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load parses declaration file text. A leading "{" pins the dialect to
// JSON, a leading "---" pins it to YAML; otherwise the dialects are
// brute-forced in order and the collected failures are reported together
// if none succeeds.
func Load(text string) ([]Declared, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("declaration file is empty")
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		doc, err := parse(text, JSON)
		if err != nil {
			return nil, fmt.Errorf("parsing declarations as JSON: %w", err)
		}
		return doc.declarations(), nil
	}
	if strings.HasPrefix(trimmed, "---") {
		doc, err := parse(text, YAML)
		if err != nil {
			return nil, fmt.Errorf("parsing declarations as YAML: %w", err)
		}
		return doc.declarations(), nil
	}

	var errs []error
	for _, d := range []Dialect{JSON, YAML, TOML} {
		doc, err := parse(text, d)
		if err == nil {
			return doc.declarations(), nil
		}
		errs = append(errs, fmt.Errorf("as %s: %w", d, err))
	}
	return nil, fmt.Errorf("declaration file matched no dialect: %w", errors.Join(errs...))
}

func parse(text string, d Dialect) (doc document, err error) {
	switch d {
	case JSON:
		err = hjson.Unmarshal([]byte(text), &doc)
	case YAML:
		err = yaml.Unmarshal([]byte(text), &doc)
	case TOML:
		err = toml.Unmarshal([]byte(text), &doc)
	}
	if err != nil {
		return document{}, err
	}
	if len(doc.Packages) == 0 && len(doc.Dependencies) == 0 {
		return document{}, errors.New("no packages or dependencies key found")
	}
	return doc, nil
}

// Print renders declarations in the given dialect, under a "packages"
// key, for writing a fresh declaration file.
func Print(decls []Declared, d Dialect) (string, error) {
	doc := document{Packages: make(map[string]string, len(decls))}
	for _, decl := range decls {
		doc.Packages[decl.Name] = decl.Spec
	}
	switch d {
	case JSON:
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	case YAML:
		b, err := yaml.Marshal(doc)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case TOML:
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(doc); err != nil {
			return "", err
		}
		return sb.String(), nil
	}
	return "", fmt.Errorf("unknown dialect %d", d)
}
