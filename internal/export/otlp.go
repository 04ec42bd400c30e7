// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package export pushes capacity snapshots out of the process: as OTLP
// gauges, as a JSON document on disk, or as a console summary.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platformbuilds/pmaxcap/internal/storagedef"
	"github.com/platformbuilds/pmaxcap/internal/version"
)

// ErrExporterStopped is returned by Export outside Start/Stop.
var ErrExporterStopped = errors.New("OTLP exporter is not running")

// OTLPExporter reports the most recently exported capacity metrics through
// observable instruments. Each reader collection observes the latest batch
// only, so series for removed pools, groups or volumes disappear with the
// next snapshot.
type OTLPExporter struct {
	config   storagedef.OTLPConfig
	log      *slog.Logger
	reader   sdkmetric.Reader
	interval time.Duration
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	latest atomic.Pointer[batch]

	instMu        sync.Mutex
	instruments   map[string]struct{}
	registrations []metric.Registration

	mu      sync.Mutex
	running bool
}

var _ storagedef.MetricExporter = (*OTLPExporter)(nil)

// batch groups one export by metric name.
type batch map[string][]observation

type observation struct {
	value float64
	attrs attribute.Set
}

// OTLPOption configures an OTLPExporter.
type OTLPOption func(*OTLPExporter)

// WithReader replaces the OTLP push pipeline with r.
func WithReader(r sdkmetric.Reader) OTLPOption {
	return func(e *OTLPExporter) { e.reader = r }
}

// WithInterval sets how often the periodic reader pushes. Defaults to 10s.
func WithInterval(d time.Duration) OTLPOption {
	return func(e *OTLPExporter) { e.interval = d }
}

func NewOTLPExporter(cfg storagedef.OTLPConfig, log *slog.Logger, opts ...OTLPOption) *OTLPExporter {
	if log == nil {
		log = slog.Default()
	}
	e := &OTLPExporter{
		config:      cfg,
		log:         log.With("component", "otlp-exporter"),
		interval:    10 * time.Second,
		instruments: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start builds the meter provider. Calling it on a running exporter is a
// no-op.
func (e *OTLPExporter) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	reader := e.reader
	if reader == nil {
		e.log.Info("starting OTLP exporter",
			"endpoint", e.config.Endpoint,
			"protocol", e.config.Protocol,
			"interval", e.interval,
		)

		var (
			exporter sdkmetric.Exporter
			err      error
		)
		switch e.config.Protocol {
		case "http":
			exporter, err = e.createHTTPExporter(ctx)
		default:
			exporter, err = e.createGRPCExporter(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(e.interval))
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("pmaxcap"),
			semconv.ServiceVersion(version.Version()),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	e.provider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	e.meter = e.provider.Meter("pmaxcap.capacity")
	e.running = true
	return nil
}

// Stop flushes the last batch and shuts the meter provider down.
func (e *OTLPExporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false

	if err := e.provider.ForceFlush(ctx); err != nil {
		e.log.Warn("final OTLP flush failed", "error", err)
	}

	e.instMu.Lock()
	for _, r := range e.registrations {
		_ = r.Unregister()
	}
	e.registrations = nil
	e.instruments = make(map[string]struct{})
	e.instMu.Unlock()

	e.latest.Store(nil)
	if err := e.provider.Shutdown(ctx); err != nil {
		e.log.Warn("error shutting down meter provider", "error", err)
	}
	e.log.Info("OTLP exporter stopped")
	return nil
}

// Export makes metrics the batch observed by the next collection.
func (e *OTLPExporter) Export(ctx context.Context, metrics []storagedef.Metric) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrExporterStopped
	}

	b := make(batch)
	var errs []error
	for _, m := range metrics {
		if err := e.ensureInstrument(m); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		b[m.Name] = append(b[m.Name], observation{value: m.Value, attrs: labelSet(m.Labels)})
	}
	e.latest.Store(&b)
	e.log.Debug("capacity metrics updated", "series", len(metrics), "instruments", len(b))
	return errors.Join(errs...)
}

func (e *OTLPExporter) createGRPCExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(e.config.Endpoint),
	}
	if !e.config.TLS.Enabled {
		opts = append(opts,
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlpmetricgrpc.WithInsecure(),
		)
	}
	if e.config.Compression == "gzip" {
		opts = append(opts, otlpmetricgrpc.WithCompressor("gzip"))
	}
	if len(e.config.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(e.config.Headers))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (e *OTLPExporter) createHTTPExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(e.config.Endpoint),
	}
	if !e.config.TLS.Enabled {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if e.config.Compression == "gzip" {
		opts = append(opts, otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression))
	}
	if len(e.config.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(e.config.Headers))
	}
	return otlpmetrichttp.New(ctx, opts...)
}

// ensureInstrument registers an observable instrument and its callback the
// first time a metric name is seen.
func (e *OTLPExporter) ensureInstrument(m storagedef.Metric) error {
	e.instMu.Lock()
	defer e.instMu.Unlock()

	if _, ok := e.instruments[m.Name]; ok {
		return nil
	}

	var (
		inst metric.Float64Observable
		err  error
	)
	if m.Type == storagedef.MetricTypeCounter {
		inst, err = e.meter.Float64ObservableCounter(m.Name,
			metric.WithDescription(m.Help),
			metric.WithUnit(m.Unit),
		)
	} else {
		inst, err = e.meter.Float64ObservableGauge(m.Name,
			metric.WithDescription(m.Help),
			metric.WithUnit(m.Unit),
		)
	}
	if err != nil {
		return err
	}

	name := m.Name
	reg, err := e.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		b := e.latest.Load()
		if b == nil {
			return nil
		}
		for _, obs := range (*b)[name] {
			o.ObserveFloat64(inst, obs.value, metric.WithAttributeSet(obs.attrs))
		}
		return nil
	}, inst)
	if err != nil {
		return err
	}

	e.instruments[name] = struct{}{}
	e.registrations = append(e.registrations, reg)
	return nil
}

func labelSet(labels map[string]string) attribute.Set {
	kvs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		kvs = append(kvs, attribute.String(k, v))
	}
	return attribute.NewSet(kvs...)
}
