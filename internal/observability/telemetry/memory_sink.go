package telemetry

import (
	"context"
	"sync"
)

// MemorySink keeps exported events in order. Tests use it to assert on
// what routing components reported.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of every exported event.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Metrics returns the metric samples named name.
func (s *MemorySink) Metrics(name string) []MetricEvent {
	var out []MetricEvent
	for _, event := range s.Events() {
		if event.Metric != nil && event.Metric.Name == name {
			out = append(out, *event.Metric)
		}
	}
	return out
}

// LogsForSource returns log events correlated to sourceID.
func (s *MemorySink) LogsForSource(sourceID string) []LogEvent {
	var out []LogEvent
	for _, event := range s.Events() {
		if event.Log != nil && event.Correlation.SourceID == sourceID {
			out = append(out, *event.Log)
		}
	}
	return out
}
