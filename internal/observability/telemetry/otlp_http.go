package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const defaultServiceName = "supply-router"

// OTLPHTTPSinkConfig points the sink at a collector.
type OTLPHTTPSinkConfig struct {
	Endpoint    string
	ServiceName string
	// Headers are sent on every export, e.g. collector auth.
	Headers map[string]string
	Client  *http.Client
}

// OTLPHTTPSink posts JSON envelopes to the collector's per-signal paths.
type OTLPHTTPSink struct {
	base        url.URL
	serviceName string
	headers     http.Header
	client      *http.Client
}

func NewOTLPHTTPSink(cfg OTLPHTTPSinkConfig) (*OTLPHTTPSink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("otlp endpoint must include scheme and host")
	}
	sink := &OTLPHTTPSink{
		base:        *base,
		serviceName: strings.TrimSpace(cfg.ServiceName),
		headers:     http.Header{},
		client:      cfg.Client,
	}
	if sink.serviceName == "" {
		sink.serviceName = defaultServiceName
	}
	if sink.client == nil {
		sink.client = &http.Client{}
	}
	for k, v := range cfg.Headers {
		if k = strings.TrimSpace(k); k != "" {
			sink.headers.Set(k, strings.TrimSpace(v))
		}
	}
	return sink, nil
}

type otlpEnvelope struct {
	ServiceName string `json:"service_name"`
	Event       Event  `json:"event"`
}

func (s *OTLPHTTPSink) Export(ctx context.Context, event Event) error {
	payload, err := json.Marshal(otlpEnvelope{ServiceName: s.serviceName, Event: event})
	if err != nil {
		return fmt.Errorf("marshal otlp event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signalURL(event.Kind), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	for k, values := range s.headers {
		req.Header[k] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("otlp export request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("otlp export status %d", resp.StatusCode)
	}
	return nil
}

func (s *OTLPHTTPSink) signalURL(kind EventKind) string {
	u := s.base
	signal := "logs"
	switch kind {
	case EventKindMetric:
		signal = "metrics"
	case EventKindSpan:
		signal = "traces"
	}
	u.Path = "/" + strings.TrimLeft(path.Join(u.Path, "v1", signal), "/")
	return u.String()
}

// ParseHeaders reads a comma separated key=value list.
func ParseHeaders(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("malformed header pair %q", pair)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
