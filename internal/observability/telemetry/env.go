package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
)

const (
	// EnvTelemetryEnabled toggles runtime telemetry emission.
	EnvTelemetryEnabled = "ASR_TELEMETRY_ENABLED"
	// EnvTelemetrySink selects the export sink (discard, otlp_http, otel, slog).
	EnvTelemetrySink = "ASR_TELEMETRY_SINK"
	// EnvTelemetryOTLPHTTPEndpoint sets OTLP/HTTP endpoint base URL.
	EnvTelemetryOTLPHTTPEndpoint = "ASR_TELEMETRY_OTLP_HTTP_ENDPOINT"
	// EnvTelemetryOTLPHeaders adds comma separated key=value headers to OTLP exports.
	EnvTelemetryOTLPHeaders = "ASR_TELEMETRY_OTLP_HEADERS"
	// EnvTelemetryQueueCapacity sets in-memory queue capacity.
	EnvTelemetryQueueCapacity = "ASR_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryDropSampleRate sets deterministic debug-log sample rate.
	EnvTelemetryDropSampleRate = "ASR_TELEMETRY_DROP_SAMPLE_RATE"
	// EnvTelemetryExportTimeoutMS sets export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "ASR_TELEMETRY_EXPORT_TIMEOUT_MS"
)

// SinkKind names a telemetry export backend.
type SinkKind string

const (
	SinkDiscard  SinkKind = "discard"
	SinkOTLPHTTP SinkKind = "otlp_http"
	SinkOTel     SinkKind = "otel"
	SinkSlog     SinkKind = "slog"
)

// Validate enforces supported sink kinds.
func (k SinkKind) Validate() error {
	switch k {
	case SinkDiscard, SinkOTLPHTTP, SinkOTel, SinkSlog:
		return nil
	default:
		return fmt.Errorf("unsupported telemetry sink: %q", k)
	}
}

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled          bool
	Sink             SinkKind
	OTLPHTTPEndpoint string
	OTLPHeaders      map[string]string
	QueueCapacity    int
	LogSampleRate    int
	ExportTimeoutMS  int
}

// RuntimeConfigFromEnv parses telemetry config from environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:          true,
		OTLPHTTPEndpoint: strings.TrimSpace(os.Getenv(EnvTelemetryOTLPHTTPEndpoint)),
		QueueCapacity:    256,
		LogSampleRate:    1,
		ExportTimeoutMS:  200,
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s parse error: %w", EnvTelemetryEnabled, err)
		}
		cfg.Enabled = enabled
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetrySink)); raw != "" {
		cfg.Sink = SinkKind(strings.ToLower(raw))
		if err := cfg.Sink.Validate(); err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s: %w", EnvTelemetrySink, err)
		}
	} else if cfg.OTLPHTTPEndpoint != "" {
		cfg.Sink = SinkOTLPHTTP
	} else {
		cfg.Sink = SinkDiscard
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryOTLPHeaders)); raw != "" {
		headers, err := ParseHeaders(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s: %w", EnvTelemetryOTLPHeaders, err)
		}
		cfg.OTLPHeaders = headers
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryQueueCapacity)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryQueueCapacity)
		}
		cfg.QueueCapacity = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryDropSampleRate)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryDropSampleRate)
		}
		cfg.LogSampleRate = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryExportTimeoutMS)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryExportTimeoutMS)
		}
		cfg.ExportTimeoutMS = v
	}

	return cfg, nil
}

// NewPipelineFromEnv creates a telemetry pipeline from environment settings.
func NewPipelineFromEnv() (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	sink, err := sinkFor(cfg)
	if err != nil {
		return nil, err
	}

	return NewPipeline(sink, Config{
		QueueCapacity: cfg.QueueCapacity,
		LogSampleRate: cfg.LogSampleRate,
		ExportTimeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}), nil
}

func sinkFor(cfg RuntimeConfig) (Sink, error) {
	switch cfg.Sink {
	case SinkOTLPHTTP:
		return NewOTLPHTTPSink(OTLPHTTPSinkConfig{
			Endpoint: cfg.OTLPHTTPEndpoint,
			Headers:  cfg.OTLPHeaders,
			Client:   &http.Client{Timeout: time.Duration(cfg.ExportTimeoutMS) * time.Millisecond},
		})
	case SinkOTel:
		return NewOTelSink(OTelSinkConfig{
			MeterProvider:  otel.GetMeterProvider(),
			TracerProvider: otel.GetTracerProvider(),
			Logs:           NewSlogSink(slog.Default()),
		})
	case SinkSlog:
		return NewSlogSink(slog.Default()), nil
	default:
		return discardSink{}, nil
	}
}
