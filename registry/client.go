// Package registry is a client for npm-compatible package registries. It
// fetches packuments, per-version manifests and tarball bytes; transport
// tuning, authentication and retries belong to the injected HTTP client.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/a-h/gpm/metrics"
)

const (
	// DefaultBaseURL is the public npm registry.
	DefaultBaseURL = "https://registry.npmjs.org"

	// acceptMetadata prefers the abbreviated packument form, falling back
	// to full metadata for registries that don't implement it.
	acceptMetadata = "application/vnd.npm.install-v1+json; q=1.0, application/json; q=0.8"

	userAgent = "gpm (godot-package-manager)"
)

// NotFoundError indicates the registry has no such package, or no such
// version of it.
type NotFoundError struct {
	Name    string
	Version string
}

func (e NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("package %s was not found", e.Name)
	}
	return fmt.Sprintf("package %s exists, but version %s was not found", e.Name, e.Version)
}

// MetadataCache is an optional persistent store consulted before the
// network and populated after successful fetches.
type MetadataCache interface {
	GetPackument(ctx context.Context, name string) (p Packument, ok bool, err error)
	PutPackument(ctx context.Context, name string, p Packument) error
	GetLatest(ctx context.Context, name string) (m Manifest, ok bool, err error)
	PutLatest(ctx context.Context, name string, m Manifest) error
}

// Client fetches package metadata and tarballs from a registry.
type Client struct {
	log        *slog.Logger
	baseURL    string
	httpClient *http.Client
	cache      MetadataCache
	metrics    metrics.Metrics
	flight     singleflight.Group
}

// New creates a registry client. A nil httpClient gets a default with a
// timeout sized for large tarball downloads.
func New(log *slog.Logger, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 5 * time.Minute,
		}
	}
	return &Client{
		log:        log,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// WithMetadataCache sets a persistent metadata cache.
func (c *Client) WithMetadataCache(cache MetadataCache) *Client {
	c.cache = cache
	return c
}

// WithMetrics sets the metrics sink.
func (c *Client) WithMetrics(m metrics.Metrics) *Client {
	c.metrics = m
	return c
}

// GetPackument fetches the metadata bundle for a package name. Concurrent
// calls for the same name are collapsed into a single fetch. The name is
// used verbatim in the URL, including any @scope/ prefix.
func (c *Client) GetPackument(ctx context.Context, name string) (Packument, error) {
	v, err, _ := c.flight.Do(name, func() (any, error) {
		return c.getPackument(ctx, name)
	})
	if err != nil {
		return Packument{}, err
	}
	return v.(Packument), nil
}

func (c *Client) getPackument(ctx context.Context, name string) (p Packument, err error) {
	if c.cache != nil {
		p, ok, err := c.cache.GetPackument(ctx, name)
		if err != nil {
			c.log.Warn("metadata cache read failed", slog.String("name", name), slog.Any("error", err))
		}
		if ok {
			return p, nil
		}
	}

	body, err := c.get(ctx, fmt.Sprintf("%s/%s", c.baseURL, name), acceptMetadata)
	if err != nil {
		return Packument{}, fmt.Errorf("fetching packument for %s: %w", name, err)
	}
	if isNotFound(body) {
		return Packument{}, NotFoundError{Name: name}
	}
	if err = json.Unmarshal(body, &p); err != nil {
		return Packument{}, fmt.Errorf("decoding packument for %s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}

	if c.cache != nil {
		if err := c.cache.PutPackument(ctx, name, p); err != nil {
			c.log.Warn("metadata cache write failed", slog.String("name", name), slog.Any("error", err))
		}
	}
	return p, nil
}

// GetLatestManifest fetches the manifest the registry's "latest" dist-tag
// points at.
func (c *Client) GetLatestManifest(ctx context.Context, name string) (m Manifest, err error) {
	if c.cache != nil {
		m, ok, err := c.cache.GetLatest(ctx, name)
		if err != nil {
			c.log.Warn("metadata cache read failed", slog.String("name", name), slog.Any("error", err))
		}
		if ok {
			return m, nil
		}
	}

	body, err := c.get(ctx, fmt.Sprintf("%s/%s/latest", c.baseURL, name), acceptMetadata)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetching latest manifest for %s: %w", name, err)
	}
	if isNotFound(body) {
		return Manifest{}, NotFoundError{Name: name}
	}
	if version, missing := isVersionNotFound(body); missing {
		return Manifest{}, NotFoundError{Name: name, Version: version}
	}
	if err = json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("decoding latest manifest for %s: %w", name, err)
	}
	if m.Name == "" {
		m.Name = name
	}

	if c.cache != nil {
		if err := c.cache.PutLatest(ctx, name, m); err != nil {
			c.log.Warn("metadata cache write failed", slog.String("name", name), slog.Any("error", err))
		}
	}
	return m, nil
}

// GetTarball downloads the archive at url and returns its bytes. The
// transport is responsible for completeness; the caller verifies digests.
func (c *Client) GetTarball(ctx context.Context, url string) ([]byte, error) {
	body, err := c.get(ctx, url, "")
	if err != nil {
		return nil, fmt.Errorf("fetching tarball %s: %w", url, err)
	}
	c.metrics.AddDownloadedBytes(ctx, int64(len(body)))
	return body, nil
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	c.metrics.IncrementRegistryRequests(ctx)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// Some registries answer 404 with a JSON body the caller can map to a
	// not-found error, so only non-404 failures are fatal here.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return body, nil
}

// isNotFound reports whether the response body is the registry's literal
// "Not Found" answer, with or without its JSON string quoting.
func isNotFound(body []byte) bool {
	s := strings.Trim(strings.TrimSpace(string(body)), `"`)
	return s == "Not Found"
}

// isVersionNotFound matches the registry's "version not found: X" body.
func isVersionNotFound(body []byte) (version string, ok bool) {
	s := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if v, found := strings.CutPrefix(s, "version not found: "); found {
		return v, true
	}
	return "", false
}
