// Package archive extracts package archives. Three container families are
// supported behind one interface: gzip-compressed tar, xz-compressed tar,
// and zip. Extraction emulates
// `tar xzf archive --strip-components=1 --directory=dst`.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ulikunitz/xz"
)

// Kind identifies the container format of an archive.
type Kind int

const (
	GzipTar Kind = iota
	TarXz
	Zip
)

func (k Kind) String() string {
	switch k {
	case GzipTar:
		return "tar.gz"
	case TarXz:
		return "tar.xz"
	case Zip:
		return "zip"
	}
	return "unknown"
}

// ErrEntryNotFound is returned by ReadNamedEntry when no entry basename
// matches.
var ErrEntryNotFound = errors.New("entry not found in archive")

// ErrUnknownFormat is returned by Open when the bytes match no supported
// container format.
var ErrUnknownFormat = errors.New("unknown archive format")

// Archive is an in-memory package archive.
type Archive struct {
	kind Kind
	data []byte
	uri  string
}

// Open sniffs the container format from the archive's magic bytes, falling
// back to the URI extension when the bytes are ambiguous.
func Open(data []byte, uri string) (*Archive, error) {
	kind, ok := detect(data, uri)
	if !ok {
		return nil, fmt.Errorf("opening archive %s: %w", uri, ErrUnknownFormat)
	}
	return &Archive{kind: kind, data: data, uri: uri}, nil
}

// Kind returns the detected container format.
func (a *Archive) Kind() Kind {
	return a.kind
}

func detect(data []byte, uri string) (Kind, bool) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return GzipTar, true
	case bytes.HasPrefix(data, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return TarXz, true
	case bytes.HasPrefix(data, []byte("PK")):
		return Zip, true
	}
	switch {
	case strings.HasSuffix(uri, ".tgz"), strings.HasSuffix(uri, ".tar.gz"):
		return GzipTar, true
	case strings.HasSuffix(uri, ".tar.xz"), strings.HasSuffix(uri, ".txz"):
		return TarXz, true
	case strings.HasSuffix(uri, ".zip"):
		return Zip, true
	}
	return 0, false
}

// Extract unpacks the archive into dst, dropping each entry's top-level
// path component. Entries whose remaining path contains anything other
// than normal components (`..`, absolute roots, volume prefixes) have
// those components removed, so extraction can never write outside dst.
// Directory entries are applied last so that their permissions cannot
// block writes of their descendants.
func (a *Archive) Extract(dst string) error {
	if _, err := os.Lstat(dst); err != nil {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dst, err)
		}
	}
	dst, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dst, err)
	}

	switch a.kind {
	case Zip:
		return a.extractZip(dst)
	default:
		return a.extractTar(dst)
	}
}

func (a *Archive) tarReader() (*tar.Reader, error) {
	switch a.kind {
	case GzipTar:
		gz, err := gzip.NewReader(bytes.NewReader(a.data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(gz), nil
	case TarXz:
		xr, err := xz.NewReader(bytes.NewReader(a.data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(xr), nil
	}
	return nil, ErrUnknownFormat
}

type deferredDir struct {
	path string
	mode fs.FileMode
}

func (a *Archive) extractTar(dst string) error {
	tr, err := a.tarReader()
	if err != nil {
		return fmt.Errorf("reading %s: %w", a.uri, err)
	}

	var dirs []deferredDir
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", a.uri, err)
		}

		rel := stripTopLevel(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			dirs = append(dirs, deferredDir{path: target, mode: fs.FileMode(hdr.Mode).Perm()})
		case tar.TypeReg:
			if err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("extracting %s: %w", rel, err)
			}
		default:
			// Symlinks and special files don't occur in registry
			// tarballs; skip rather than risk writing through one.
			continue
		}
	}
	return applyDirs(dirs)
}

func (a *Archive) extractZip(dst string) error {
	zr, err := zip.NewReader(bytes.NewReader(a.data), int64(len(a.data)))
	if err != nil {
		return fmt.Errorf("reading %s: %w", a.uri, err)
	}

	var dirs []deferredDir
	for _, f := range zr.File {
		rel := stripTopLevel(f.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))

		if f.FileInfo().IsDir() {
			dirs = append(dirs, deferredDir{path: target, mode: f.Mode().Perm()})
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("extracting %s: %w", rel, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return fmt.Errorf("extracting %s: %w", rel, err)
		}
	}
	return applyDirs(dirs)
}

// stripTopLevel drops the first path component and removes any non-normal
// components from the remainder.
func stripTopLevel(name string) string {
	parts := strings.Split(filepath.ToSlash(name), "/")
	if len(parts) < 2 {
		return ""
	}
	kept := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		if p == "" || p == "." || p == ".." || strings.Contains(p, ":") {
			continue
		}
		kept = append(kept, p)
	}
	return path.Join(kept...)
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 || runtime.GOOS == "windows" {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func applyDirs(dirs []deferredDir) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d.path, err)
		}
		if d.mode != 0 && runtime.GOOS != "windows" {
			if err := os.Chmod(d.path, d.mode); err != nil {
				return fmt.Errorf("setting mode on %s: %w", d.path, err)
			}
		}
	}
	return nil
}

// ReadNamedEntry scans the archive and returns the contents of the first
// entry whose basename matches, e.g. the package.json inside an archive
// fetched by URI.
func (a *Archive) ReadNamedEntry(basename string) (string, error) {
	if a.kind == Zip {
		zr, err := zip.NewReader(bytes.NewReader(a.data), int64(len(a.data)))
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", a.uri, err)
		}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || path.Base(filepath.ToSlash(f.Name)) != basename {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return "", err
			}
			defer rc.Close()
			b, err := io.ReadAll(rc)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
		return "", fmt.Errorf("%s: %w", basename, ErrEntryNotFound)
	}

	tr, err := a.tarReader()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", a.uri, err)
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", a.uri, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(filepath.ToSlash(hdr.Name)) != basename {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%s: %w", basename, ErrEntryNotFound)
}
