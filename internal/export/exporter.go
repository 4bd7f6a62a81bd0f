// Copyright The Memtrace Authors
// SPDX-License-Identifier: Apache-2.0

// Package export pushes the engine's reports to an OTLP collector. The
// exporter polls the mapper on its own interval, converts the bundle into
// OTLP metric data points and ships them over gRPC or HTTP; optionally each
// export cycle is wrapped in a trace span so collector-side latency is
// attributable.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/platformbuilds/memtrace/internal/config"
	"github.com/platformbuilds/memtrace/internal/mapper"
	"github.com/platformbuilds/memtrace/internal/version"
)

const scopeName = "github.com/platformbuilds/memtrace/export"

// Exporter ships report bundles to an OTLP endpoint on an interval.
type Exporter struct {
	cfg    config.Export
	mapper *mapper.Mapper
	log    *slog.Logger

	metrics  sdkmetric.Exporter
	res      *resource.Resource
	tracer   trace.Tracer
	traceSDK *sdktrace.TracerProvider
}

// New builds the OTLP clients from cfg. serviceName stamps the resource.
func New(cfg config.Export, m *mapper.Mapper, serviceName string, log *slog.Logger) (*Exporter, error) {
	e := &Exporter{
		cfg:    cfg,
		mapper: m,
		log:    log.With("component", "otlp_export"),
		tracer: noop.NewTracerProvider().Tracer(scopeName),
	}

	var err error
	e.metrics, err = newMetricExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	e.res = resource.NewSchemaless(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Version()),
		semconv.TelemetrySDKLanguageGo,
	)

	if cfg.Traces.Enabled {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Traces.Endpoint)}
		if cfg.Traces.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure())
		}
		spanExp, err := otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			_ = e.metrics.Shutdown(context.Background())
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		e.traceSDK = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spanExp),
			sdktrace.WithResource(e.res),
		)
		e.tracer = e.traceSDK.Tracer(scopeName)
	}
	return e, nil
}

func newMetricExporter(cfg config.Export) (sdkmetric.Exporter, error) {
	switch strings.ToLower(cfg.OTLP.Protocol) {
	case "", "grpc":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLP.Endpoint)}
		if len(cfg.OTLP.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.OTLP.Headers))
		}
		if cfg.OTLP.Insecure {
			opts = append(opts,
				otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	case "http":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.OTLP.Endpoint)}
		if len(cfg.OTLP.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.OTLP.Headers))
		}
		if cfg.OTLP.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown otlp protocol %q", cfg.OTLP.Protocol)
	}
}

// Run exports on the configured interval until ctx is cancelled, then
// performs a final export and shuts the clients down.
func (e *Exporter) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.Interval)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	e.log.Info("otlp export started",
		"endpoint", e.cfg.OTLP.Endpoint,
		"protocol", e.cfg.OTLP.Protocol,
		"interval", interval)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.ExportOnce(flushCtx); err != nil {
				e.log.Warn("final export failed", "error", err)
			}
			return e.shutdown(flushCtx)
		case <-tick.C:
			if err := e.ExportOnce(ctx); err != nil {
				e.log.Warn("export failed", "error", err)
			}
		}
	}
}

// ExportOnce builds a bundle and pushes it as one OTLP metrics payload.
func (e *Exporter) ExportOnce(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "memtrace.export")
	defer span.End()

	bundle, err := e.mapper.ComprehensiveReport()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report build failed")
		return err
	}
	rm := e.toResourceMetrics(bundle)
	if err := e.metrics.Export(ctx, rm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "otlp export failed")
		return err
	}
	span.SetAttributes(
		attribute.Int("memtrace.leak_candidates", len(bundle.Leaks.Candidates)),
		attribute.Int64("memtrace.bytes_live", int64(bundle.Snapshot.BytesLive)),
	)
	return nil
}

func (e *Exporter) toResourceMetrics(b *mapper.Bundle) *metricdata.ResourceMetrics {
	now := time.Now()
	empty := attribute.NewSet()

	gaugeI64 := func(name, desc, unit string, v int64) metricdata.Metrics {
		return metricdata.Metrics{
			Name: name, Description: desc, Unit: unit,
			Data: metricdata.Gauge[int64]{DataPoints: []metricdata.DataPoint[int64]{
				{Attributes: empty, Time: now, Value: v},
			}},
		}
	}
	gaugeF64 := func(name, desc, unit string, v float64) metricdata.Metrics {
		return metricdata.Metrics{
			Name: name, Description: desc, Unit: unit,
			Data: metricdata.Gauge[float64]{DataPoints: []metricdata.DataPoint[float64]{
				{Attributes: empty, Time: now, Value: v},
			}},
		}
	}
	sumU64 := func(name, desc string, v uint64) metricdata.Metrics {
		return metricdata.Metrics{
			Name: name, Description: desc, Unit: "1",
			Data: metricdata.Sum[int64]{
				Temporality: metricdata.CumulativeTemporality,
				IsMonotonic: true,
				DataPoints: []metricdata.DataPoint[int64]{
					{Attributes: empty, Time: now, Value: int64(v)},
				},
			},
		}
	}

	metrics := []metricdata.Metrics{
		gaugeI64("memtrace.bytes_live", "Bytes currently tracked as allocated", "By", int64(b.Snapshot.BytesLive)),
		gaugeI64("memtrace.live_allocations", "Allocations currently tracked", "1", int64(b.Snapshot.LiveCount)),
		gaugeF64("memtrace.growth_bytes_per_second", "Live-byte growth over the last window", "By/s", b.Snapshot.GrowthBytesPerSec),
		sumU64("memtrace.dropped_events", "Events dropped by full rings", b.Snapshot.DroppedEvents),
		sumU64("memtrace.tracking_gaps", "Live-table evictions under capacity pressure", b.Snapshot.TrackingGaps),
		gaugeI64("memtrace.leak_candidates", "Suspected leaks in the last scan", "1", int64(len(b.Leaks.Candidates))),
		gaugeI64("memtrace.leak_suspected_bytes", "Bytes held by suspected leaks", "By", int64(b.Leaks.SuspectedBytes)),
		gaugeF64("memtrace.frag_external", "External fragmentation fraction", "1", b.Fragmentation.ExternalFragPct),
		gaugeF64("memtrace.frag_internal", "Internal fragmentation fraction", "1", b.Fragmentation.InternalFragPct),
		sumU64("memtrace.stack_overflows", "Threads that exhausted their stack budget", uint64(b.Stack.Overflows)),
	}

	for _, cs := range b.Cache {
		if cs.InsufficientData {
			continue
		}
		set := attribute.NewSet(attribute.String("level", cs.Level.String()))
		metrics = append(metrics, metricdata.Metrics{
			Name: "memtrace.cache_hit_ratio", Description: "Per-level cache hit ratio", Unit: "1",
			Data: metricdata.Gauge[float64]{DataPoints: []metricdata.DataPoint[float64]{
				{Attributes: set, Time: now, Value: cs.HitRatio},
			}},
		})
	}
	for _, ns := range b.NUMA {
		if ns.InsufficientData {
			continue
		}
		set := attribute.NewSet(attribute.Int("node", int(ns.Node)))
		metrics = append(metrics, metricdata.Metrics{
			Name: "memtrace.numa_locality_ratio", Description: "Per-node local allocation fraction", Unit: "1",
			Data: metricdata.Gauge[float64]{DataPoints: []metricdata.DataPoint[float64]{
				{Attributes: set, Time: now, Value: ns.LocalityRatio},
			}},
		})
	}

	return &metricdata.ResourceMetrics{
		Resource: e.res,
		ScopeMetrics: []metricdata.ScopeMetrics{{
			Scope:   instrumentation.Scope{Name: scopeName, Version: version.Version()},
			Metrics: metrics,
		}},
	}
}

func (e *Exporter) shutdown(ctx context.Context) error {
	var firstErr error
	if err := e.metrics.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if e.traceSDK != nil {
		if err := e.traceSDK.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
