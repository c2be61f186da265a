package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/tiger/ad-supply-router"

// OTelSinkConfig wires OpenTelemetry providers into the pipeline.
type OTelSinkConfig struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	// Logs receives log events; OpenTelemetry has no stable log bridge here.
	Logs Sink
}

// OTelSink records metric events as histograms and span events as spans.
type OTelSink struct {
	meter  metric.Meter
	tracer trace.Tracer
	logs   Sink

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
}

// NewOTelSink creates an OpenTelemetry-backed sink.
func NewOTelSink(cfg OTelSinkConfig) (*OTelSink, error) {
	if cfg.MeterProvider == nil {
		return nil, fmt.Errorf("otel meter provider is required")
	}
	if cfg.TracerProvider == nil {
		return nil, fmt.Errorf("otel tracer provider is required")
	}
	logs := cfg.Logs
	if logs == nil {
		logs = discardSink{}
	}
	return &OTelSink{
		meter:      cfg.MeterProvider.Meter(instrumentationName),
		tracer:     cfg.TracerProvider.Tracer(instrumentationName),
		logs:       logs,
		histograms: make(map[string]metric.Float64Histogram),
	}, nil
}

// Export forwards one event to the matching OpenTelemetry instrument.
func (s *OTelSink) Export(ctx context.Context, event Event) error {
	switch event.Kind {
	case EventKindMetric:
		if event.Metric == nil {
			return nil
		}
		hist, err := s.histogram(event.Metric.Name, event.Metric.Unit)
		if err != nil {
			return err
		}
		hist.Record(ctx, event.Metric.Value, metric.WithAttributes(otelAttrs(event.Correlation, event.Metric.Attributes)...))
	case EventKindSpan:
		if event.Span == nil {
			return nil
		}
		attrs := otelAttrs(event.Correlation, event.Span.Attributes)
		attrs = append(attrs, attribute.String("span_kind", event.Span.Kind))
		_, span := s.tracer.Start(ctx, event.Span.Name,
			trace.WithTimestamp(time.UnixMilli(event.Span.StartMS)),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		)
		span.End(trace.WithTimestamp(time.UnixMilli(event.Span.EndMS)))
	case EventKindLog:
		return s.logs.Export(ctx, event)
	}
	return nil
}

func (s *OTelSink) histogram(name, unit string) (metric.Float64Histogram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hist, ok := s.histograms[name]; ok {
		return hist, nil
	}
	opts := []metric.Float64HistogramOption{}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	hist, err := s.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, fmt.Errorf("create histogram %s: %w", name, err)
	}
	s.histograms[name] = hist
	return hist, nil
}

func otelAttrs(c Correlation, extra map[string]string) []attribute.KeyValue {
	pairs := correlationPairs(c)
	out := make([]attribute.KeyValue, 0, len(pairs)+len(extra)+1)
	for _, kv := range pairs {
		out = append(out, attribute.String(kv[0], kv[1]))
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, attribute.String(k, extra[k]))
	}
	return out
}
