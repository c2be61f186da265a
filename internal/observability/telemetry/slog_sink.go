package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SlogSink writes telemetry events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps logger; nil uses the process default logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "supply-router")}
}

// Export logs one event. Metrics and spans are logged at debug level.
func (s *SlogSink) Export(ctx context.Context, event Event) error {
	attrs := correlationAttrs(event.Correlation)
	switch event.Kind {
	case EventKindMetric:
		if event.Metric == nil {
			return nil
		}
		attrs = append(attrs, slog.Float64("value", event.Metric.Value), slog.String("unit", event.Metric.Unit))
		attrs = append(attrs, stringAttrs(event.Metric.Attributes)...)
		s.logger.LogAttrs(ctx, slog.LevelDebug, "metric "+event.Metric.Name, attrs...)
	case EventKindSpan:
		if event.Span == nil {
			return nil
		}
		attrs = append(attrs,
			slog.String("span_kind", event.Span.Kind),
			slog.Int64("duration_ms", event.Span.EndMS-event.Span.StartMS),
		)
		attrs = append(attrs, stringAttrs(event.Span.Attributes)...)
		s.logger.LogAttrs(ctx, slog.LevelDebug, "span "+event.Span.Name, attrs...)
	case EventKindLog:
		if event.Log == nil {
			return nil
		}
		attrs = append(attrs, slog.String("event", event.Log.Name))
		attrs = append(attrs, stringAttrs(event.Log.Attributes)...)
		s.logger.LogAttrs(ctx, slogLevel(event.Log.Severity), event.Log.Message, attrs...)
	}
	return nil
}

func slogLevel(severity string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func correlationAttrs(c Correlation) []slog.Attr {
	out := make([]slog.Attr, 0, 8)
	for _, kv := range correlationPairs(c) {
		out = append(out, slog.String(kv[0], kv[1]))
	}
	return out
}

func stringAttrs(in map[string]string) []slog.Attr {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.String(k, in[k]))
	}
	return out
}

// correlationPairs lists non-empty correlation fields in a fixed order.
func correlationPairs(c Correlation) [][2]string {
	pairs := [][2]string{
		{"opportunity_key", c.OpportunityKey},
		{"request_key", c.RequestKey},
		{"attempt_key", c.AttemptKey},
		{"trace_key", c.TraceKey},
		{"source_id", c.SourceID},
		{"route_plan_id", c.RoutePlanID},
		{"emitted_by", c.EmittedBy},
	}
	out := pairs[:0]
	for _, kv := range pairs {
		if kv[1] != "" {
			out = append(out, kv)
		}
	}
	return out
}
