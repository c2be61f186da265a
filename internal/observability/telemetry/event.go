package telemetry

import (
	"context"
	"sync/atomic"
)

// Metric names emitted by the routing engine.
const (
	// MetricSourceDispatchMS is the latency of one source dispatch attempt.
	MetricSourceDispatchMS = "source_dispatch_ms"
	// MetricRoutePlanSteps is the number of steps in a built route plan.
	MetricRoutePlanSteps = "route_plan_steps"
	// MetricAuctionOptions is the number of placement options entering an auction.
	MetricAuctionOptions = "auction_options"
	// MetricTelemetryDropped counts events the pipeline dropped on a full queue.
	MetricTelemetryDropped = "telemetry_dropped_total"
)

// EventKind is the payload kind of an Event.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindSpan   EventKind = "span"
	EventKindLog    EventKind = "log"
)

// Correlation ties an event to the opportunity and route that produced it.
type Correlation struct {
	OpportunityKey       string `json:"opportunity_key,omitempty"`
	RequestKey           string `json:"request_key,omitempty"`
	AttemptKey           string `json:"attempt_key,omitempty"`
	TraceKey             string `json:"trace_key,omitempty"`
	SourceID             string `json:"source_id,omitempty"`
	RoutePlanID          string `json:"route_plan_id,omitempty"`
	EmittedBy            string `json:"emitted_by,omitempty"`
	RuntimeTimestampMS   int64  `json:"runtime_timestamp_ms,omitempty"`
	WallClockTimestampMS int64  `json:"wall_clock_timestamp_ms,omitempty"`
}

type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type SpanEvent struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	StartMS      int64             `json:"start_ms"`
	EndMS        int64             `json:"end_ms"`
	TraceID      string            `json:"trace_id,omitempty"`
	SpanID       string            `json:"span_id,omitempty"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the envelope handed to sinks. Exactly one payload is set.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Span        *SpanEvent   `json:"span,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Sink exports events to a backend.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is the handle routing components report through. Implementations
// must not block the caller.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitSpan(name, kind string, startMS, endMS int64, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (noopEmitter) EmitSpan(string, string, int64, int64, map[string]string, Correlation) {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation) {}

type emitterHolder struct {
	emitter Emitter
}

var globalEmitter atomic.Value

func init() {
	globalEmitter.Store(emitterHolder{emitter: noopEmitter{}})
}

// SetDefaultEmitter replaces the process-wide emitter; nil restores the no-op.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	globalEmitter.Store(emitterHolder{emitter: emitter})
}

// DefaultEmitter returns the process-wide emitter.
func DefaultEmitter() Emitter {
	holder, ok := globalEmitter.Load().(emitterHolder)
	if !ok || holder.emitter == nil {
		return noopEmitter{}
	}
	return holder.emitter
}
