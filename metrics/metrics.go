// Package metrics exposes OpenTelemetry counters for registry traffic and
// package installation, served over a Prometheus /metrics endpoint. The
// zero value is a no-op sink.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func New() (m Metrics, err error) {
	exporter, err := prometheus.New()
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("github.com/a-h/gpm")

	if m.RegistryRequestsTotal, err = meter.Int64Counter("registry_requests_total", metric.WithDescription("Total number of requests made to the package registry")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create registry_requests_total counter: %w", err)
	}
	if m.DownloadedBytesTotal, err = meter.Int64Counter("downloaded_bytes_total", metric.WithDescription("Total tarball bytes downloaded")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create downloaded_bytes_total counter: %w", err)
	}
	if m.PackagesInstalledTotal, err = meter.Int64Counter("packages_installed_total", metric.WithDescription("Total number of packages installed")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packages_installed_total counter: %w", err)
	}
	if m.PackagesPurgedTotal, err = meter.Int64Counter("packages_purged_total", metric.WithDescription("Total number of installed packages removed")); err != nil {
		return Metrics{}, fmt.Errorf("failed to create packages_purged_total counter: %w", err)
	}

	return m, nil
}

type Metrics struct {
	RegistryRequestsTotal  metric.Int64Counter
	DownloadedBytesTotal   metric.Int64Counter
	PackagesInstalledTotal metric.Int64Counter
	PackagesPurgedTotal    metric.Int64Counter
}

func ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	return http.ListenAndServe(addr, mux)
}

func (m Metrics) IncrementRegistryRequests(ctx context.Context) {
	if m.RegistryRequestsTotal == nil {
		return
	}
	m.RegistryRequestsTotal.Add(ctx, 1)
}

func (m Metrics) AddDownloadedBytes(ctx context.Context, bytes int64) {
	if m.DownloadedBytesTotal == nil {
		return
	}
	m.DownloadedBytesTotal.Add(ctx, bytes)
}

func (m Metrics) IncrementInstalls(ctx context.Context) {
	if m.PackagesInstalledTotal == nil {
		return
	}
	m.PackagesInstalledTotal.Add(ctx, 1)
}

func (m Metrics) IncrementPurges(ctx context.Context) {
	if m.PackagesPurgedTotal == nil {
		return
	}
	m.PackagesPurgedTotal.Add(ctx, 1)
}
