// Package registrytest provides an in-process npm-compatible registry for
// tests: fixture packages are declared with their files, and the server
// builds tarballs, digests, packuments and latest manifests from them.
package registrytest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Package is a fixture package published to the test registry.
type Package struct {
	Name         string
	Version      string
	Dependencies map[string]string

	// Files are the tarball contents, keyed by path inside the package.
	// A package.json is generated and must not be supplied.
	Files map[string]string

	// BadShasum publishes a digest that does not match the tarball, to
	// exercise checksum failure handling.
	BadShasum bool
}

type published struct {
	manifest map[string]any
	tarball  []byte
}

// Server is an httptest-backed registry.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	packages map[string]map[string]published
	raw      map[string][]byte
	requests map[string]int
}

// New publishes the given fixtures and starts the registry.
func New(pkgs ...Package) *Server {
	s := &Server{
		packages: make(map[string]map[string]published),
		raw:      make(map[string][]byte),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	for _, p := range pkgs {
		s.Publish(p)
	}
	return s
}

// Publish adds a fixture package.
func (s *Server) Publish(p Package) {
	files := make(map[string]string, len(p.Files)+1)
	for k, v := range p.Files {
		files[k] = v
	}
	files["package.json"] = packageJSON(p)
	tarball := TarGz(files)

	shasum := sha1.Sum(tarball)
	shasumHex := hex.EncodeToString(shasum[:])
	integrity := sha512.Sum512(tarball)
	if p.BadShasum {
		shasumHex = strings.Repeat("0", 40)
	}

	manifest := map[string]any{
		"name":    p.Name,
		"version": p.Version,
		"dist": map[string]any{
			"shasum":    shasumHex,
			"integrity": "sha512-" + base64.StdEncoding.EncodeToString(integrity[:]),
			"tarball":   fmt.Sprintf("%s/-/tarballs/%s/%s.tgz", s.URL, p.Name, p.Version),
		},
	}
	if p.BadShasum {
		delete(manifest["dist"].(map[string]any), "integrity")
	}
	if len(p.Dependencies) > 0 {
		manifest["dependencies"] = p.Dependencies
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.packages[p.Name] == nil {
		s.packages[p.Name] = make(map[string]published)
	}
	s.packages[p.Name][p.Version] = published{manifest: manifest, tarball: tarball}
}

// AddRawArchive serves arbitrary archive bytes at /-/files/{name}.
func (s *Server) AddRawArchive(name string, data []byte) (url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[name] = data
	return fmt.Sprintf("%s/-/files/%s", s.URL, name)
}

// RequestCount returns how many requests hit the given path.
func (s *Server) RequestCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	s.requests["/"+path]++
	s.mu.Unlock()

	if rest, ok := strings.CutPrefix(path, "-/tarballs/"); ok {
		full := strings.TrimSuffix(rest, ".tgz")
		i := strings.LastIndex(full, "/")
		name, version := full[:i], full[i+1:]
		s.mu.Lock()
		p, ok := s.packages[name][version]
		s.mu.Unlock()
		if !ok {
			s.notFound(w)
			return
		}
		w.Write(p.tarball)
		return
	}
	if rest, ok := strings.CutPrefix(path, "-/files/"); ok {
		s.mu.Lock()
		data, ok := s.raw[rest]
		s.mu.Unlock()
		if !ok {
			s.notFound(w)
			return
		}
		w.Write(data)
		return
	}

	if name, ok := strings.CutSuffix(path, "/latest"); ok {
		if versions, exists := s.versionsOf(name); exists {
			s.writeJSON(w, s.manifestOf(name, latestOf(versions)))
			return
		}
		// Fall through: the name itself may end in /latest.
	}

	s.mu.Lock()
	versions, ok := s.packages[path]
	s.mu.Unlock()
	if !ok {
		s.notFound(w)
		return
	}
	packument := map[string]any{
		"name":      path,
		"dist-tags": map[string]string{"latest": latestOf(versions)},
		"versions":  manifestsOf(versions),
	}
	s.writeJSON(w, packument)
}

func (s *Server) versionsOf(name string) (map[string]published, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.packages[name]
	return v, ok
}

func (s *Server) manifestOf(name, version string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packages[name][version].manifest
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`"Not Found"`))
}

func latestOf(versions map[string]published) string {
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		vi, erri := semver.NewVersion(keys[i])
		vj, errj := semver.NewVersion(keys[j])
		if erri != nil || errj != nil {
			return keys[i] < keys[j]
		}
		return vi.LessThan(vj)
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[len(keys)-1]
}

func manifestsOf(versions map[string]published) map[string]any {
	out := make(map[string]any, len(versions))
	for v, p := range versions {
		out[v] = p.manifest
	}
	return out
}

func packageJSON(p Package) string {
	doc := map[string]any{
		"name":    p.Name,
		"version": p.Version,
	}
	if len(p.Dependencies) > 0 {
		doc["dependencies"] = p.Dependencies
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// TarGz builds a gzip-compressed tarball with the conventional top-level
// package/ directory wrapping every file.
func TarGz(files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name:     "package/" + name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			panic(err)
		}
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	if err := gz.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
