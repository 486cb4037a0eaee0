package config

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDialects(t *testing.T) {
	expected := []Declared{{Name: "@bendn/test", Spec: "2.0.10"}}
	tests := []struct {
		name string
		text string
	}{
		{name: "json", text: `{"packages": {"@bendn/test": "2.0.10"}}`},
		{name: "json dependencies key", text: `{"dependencies": {"@bendn/test": "2.0.10"}}`},
		{name: "hjson", text: "packages: { \"@bendn/test\": \"2.0.10\" }"},
		{name: "yaml", text: "packages:\n  \"@bendn/test\": 2.0.10\n"},
		{name: "yaml document marker", text: "---\npackages:\n  \"@bendn/test\": 2.0.10\n"},
		{name: "toml", text: "[packages]\n\"@bendn/test\" = \"2.0.10\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decls, err := Load(tt.text)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(expected, decls); diff != "" {
				t.Errorf("declarations mismatch:\n%s", diff)
			}
		})
	}
}

func TestLoadNpmPackageJSON(t *testing.T) {
	text := `{
  "name": "my-game",
  "version": "0.1.0",
  "dependencies": {
    "@bendn/test": "^2.0.0",
    "@bendn/gdcli": "1.2.5"
  }
}`
	decls, err := Load(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []Declared{
		{Name: "@bendn/gdcli", Spec: "1.2.5"},
		{Name: "@bendn/test", Spec: "^2.0.0"},
	}
	if diff := cmp.Diff(expected, decls); diff != "" {
		t.Errorf("declarations mismatch:\n%s", diff)
	}
}

func TestLoadPackagesKeyWinsOverDependencies(t *testing.T) {
	text := `{"packages": {"a": "1.0.0"}, "dependencies": {"a": "2.0.0", "b": "1.0.0"}}`
	decls, err := Load(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []Declared{
		{Name: "a", Spec: "1.0.0"},
		{Name: "b", Spec: "1.0.0"},
	}
	if diff := cmp.Diff(expected, decls); diff != "" {
		t.Errorf("declarations mismatch:\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: "   "},
		{name: "no recognized key", text: `{"other": 1}`},
		{name: "matches no dialect", text: "!!! not a config at all {{{"},
		{name: "pinned json with yaml body", text: "{packages: [broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.text); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestPrintRoundTrips(t *testing.T) {
	decls := []Declared{
		{Name: "@bendn/test", Spec: "2.0.10"},
		{Name: "plain", Spec: "^1.0.0"},
	}
	for _, d := range []Dialect{JSON, YAML, TOML} {
		t.Run(d.String(), func(t *testing.T) {
			text, err := Print(decls, d)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			parsed, err := Load(text)
			if err != nil {
				t.Fatalf("unexpected error re-parsing: %v\n%s", err, text)
			}
			if diff := cmp.Diff(decls, parsed); diff != "" {
				t.Errorf("round trip mismatch:\n%s", diff)
			}
		})
	}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		input    string
		expected Declared
		wantErr  bool
	}{
		{input: "@bendn/gdcli@1.2.5", expected: Declared{Name: "@bendn/gdcli", Spec: "1.2.5"}},
		{input: "@bendn/gdcli:1.2.5", expected: Declared{Name: "@bendn/gdcli", Spec: "1.2.5"}},
		{input: "@bendn/gdcli=1.2.5", expected: Declared{Name: "@bendn/gdcli", Spec: "1.2.5"}},
		{input: "gdcli@^1.0.0", expected: Declared{Name: "gdcli", Spec: "^1.0.0"}},
		{input: "gdcli", expected: Declared{Name: "gdcli"}},
		{input: "@bendn/gdcli", expected: Declared{Name: "@bendn/gdcli"}},
		{input: "bad name@1.0.0", wantErr: true},
		{input: "", wantErr: true},
		{input: strings.Repeat("x", 250), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseSpec(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected, d); diff != "" {
				t.Errorf("mismatch:\n%s", diff)
			}
		})
	}
}
