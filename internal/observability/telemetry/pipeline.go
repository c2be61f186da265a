package telemetry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueCapacity = 256
	defaultExportTimeout = 200 * time.Millisecond
)

// Config sizes the pipeline queue and export deadline.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
	// LogSampleRate N>1 keeps the first and then every Nth debug log per
	// source id. Other severities are never sampled.
	LogSampleRate int
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaultExportTimeout
	}
	if c.LogSampleRate < 1 {
		c.LogSampleRate = 1
	}
	return c
}

// Stats is a point-in-time view of pipeline counters.
type Stats struct {
	Enqueued       uint64
	Dropped        uint64
	SampledDropped uint64
	Exported       uint64
	ExportFailures uint64
	QueueDepth     int
}

// Pipeline buffers events in a bounded queue and exports them from a single
// goroutine. Emit never blocks: a full queue drops the event.
type Pipeline struct {
	sink Sink
	cfg  Config

	queue chan Event
	stop  chan struct{}
	done  sync.WaitGroup
	once  sync.Once

	sampleMu      sync.Mutex
	debugBySource map[string]uint64

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	sampledDropped atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline starts a pipeline exporting to sink; nil discards.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if sink == nil {
		sink = discardSink{}
	}
	cfg = cfg.withDefaults()
	p := &Pipeline{
		sink:          sink,
		cfg:           cfg,
		queue:         make(chan Event, cfg.QueueCapacity),
		stop:          make(chan struct{}),
		debugBySource: map[string]uint64{},
	}
	p.done.Add(1)
	go p.loop()
	return p
}

// Close exports whatever is queued and stops the export goroutine.
func (p *Pipeline) Close() error {
	p.once.Do(func() {
		close(p.stop)
		p.done.Wait()
	})
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		SampledDropped: p.sampledDropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.queue),
	}
}

// ReportDrops emits the drop counter through emitter, typically another
// pipeline or the slog sink at shutdown.
func (p *Pipeline) ReportDrops(emitter Emitter) {
	if emitter == nil {
		return
	}
	stats := p.Stats()
	emitter.EmitMetric(MetricTelemetryDropped, float64(stats.Dropped+stats.SampledDropped), "count", map[string]string{
		"queue_full": strconv.FormatUint(stats.Dropped, 10),
		"sampled":    strconv.FormatUint(stats.SampledDropped, 10),
	}, Correlation{EmittedBy: "telemetry"})
}

func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.offer(p.envelope(EventKindMetric, correlation, func(e *Event) {
		e.Metric = &MetricEvent{
			Name:       strings.TrimSpace(name),
			Value:      value,
			Unit:       strings.TrimSpace(unit),
			Attributes: cloneAttributes(attributes),
		}
	}))
}

func (p *Pipeline) EmitSpan(name, kind string, startMS, endMS int64, attributes map[string]string, correlation Correlation) {
	p.offer(p.envelope(EventKindSpan, correlation, func(e *Event) {
		e.Span = &SpanEvent{
			Name:       strings.TrimSpace(name),
			Kind:       strings.TrimSpace(kind),
			StartMS:    nonNegative(startMS),
			EndMS:      nonNegative(endMS),
			Attributes: cloneAttributes(attributes),
		}
	}))
}

func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	event := p.envelope(EventKindLog, correlation, func(e *Event) {
		e.Log = &LogEvent{
			Name:       strings.TrimSpace(name),
			Severity:   strings.TrimSpace(severity),
			Message:    message,
			Attributes: cloneAttributes(attributes),
		}
	})
	if !p.keepLog(event) {
		p.sampledDropped.Add(1)
		return
	}
	p.offer(event)
}

func (p *Pipeline) envelope(kind EventKind, correlation Correlation, fill func(*Event)) Event {
	correlation = normalizeCorrelation(correlation)
	event := Event{Kind: kind, TimestampMS: correlation.RuntimeTimestampMS, Correlation: correlation}
	if event.TimestampMS == 0 {
		event.TimestampMS = time.Now().UnixMilli()
	}
	fill(&event)
	return event
}

func (p *Pipeline) keepLog(event Event) bool {
	if p.cfg.LogSampleRate <= 1 || !strings.EqualFold(event.Log.Severity, "debug") {
		return true
	}
	p.sampleMu.Lock()
	n := p.debugBySource[event.Correlation.SourceID]
	p.debugBySource[event.Correlation.SourceID] = n + 1
	p.sampleMu.Unlock()
	return n%uint64(p.cfg.LogSampleRate) == 0
}

func (p *Pipeline) offer(event Event) {
	select {
	case p.queue <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) loop() {
	defer p.done.Done()
	for {
		select {
		case event := <-p.queue:
			p.export(event)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

func (p *Pipeline) drain() {
	for {
		select {
		case event := <-p.queue:
			p.export(event)
		default:
			return
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}

func normalizeCorrelation(c Correlation) Correlation {
	for _, field := range []*string{&c.OpportunityKey, &c.RequestKey, &c.AttemptKey, &c.TraceKey, &c.SourceID, &c.RoutePlanID, &c.EmittedBy} {
		*field = strings.TrimSpace(*field)
	}
	c.RuntimeTimestampMS = nonNegative(c.RuntimeTimestampMS)
	c.WallClockTimestampMS = nonNegative(c.WallClockTimestampMS)
	return c
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func cloneAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if key := strings.TrimSpace(k); key != "" {
			out[key] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
