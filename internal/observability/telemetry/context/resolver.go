package telemetrycontext

import (
	"fmt"
	"strings"

	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
)

const defaultEmitter = "supply-router"

// ResolveInput defines canonical correlation resolver inputs.
type ResolveInput struct {
	OpportunityKey       string
	RequestKey           string
	AttemptKey           string
	TraceKey             string
	SourceID             string
	RoutePlanID          string
	EmittedBy            string
	RuntimeTimestampMS   int64
	WallClockTimestampMS int64
}

// Resolver normalizes correlation IDs and default values for runtime telemetry.
type Resolver struct {
	DefaultEmitter string
}

// NewResolver returns canonical correlation resolver defaults.
func NewResolver() Resolver {
	return Resolver{DefaultEmitter: defaultEmitter}
}

// Resolve returns normalized telemetry correlation values.
func Resolve(in ResolveInput) (telemetry.Correlation, error) {
	return NewResolver().Resolve(in)
}

// Resolve returns normalized telemetry correlation values.
func (r Resolver) Resolve(in ResolveInput) (telemetry.Correlation, error) {
	opportunityKey := strings.TrimSpace(in.OpportunityKey)
	if opportunityKey == "" {
		return telemetry.Correlation{}, fmt.Errorf("opportunity_key is required")
	}
	requestKey := strings.TrimSpace(in.RequestKey)
	if requestKey == "" {
		return telemetry.Correlation{}, fmt.Errorf("request_key is required")
	}

	return telemetry.Correlation{
		OpportunityKey:       opportunityKey,
		RequestKey:           requestKey,
		AttemptKey:           strings.TrimSpace(in.AttemptKey),
		TraceKey:             strings.TrimSpace(in.TraceKey),
		SourceID:             strings.TrimSpace(in.SourceID),
		RoutePlanID:          strings.TrimSpace(in.RoutePlanID),
		EmittedBy:            firstNonEmpty(strings.TrimSpace(in.EmittedBy), strings.TrimSpace(r.DefaultEmitter), defaultEmitter),
		RuntimeTimestampMS:   nonNegative(in.RuntimeTimestampMS),
		WallClockTimestampMS: nonNegative(in.WallClockTimestampMS),
	}, nil
}

// Best resolves correlation and falls back to the raw fields when required
// identifiers are missing, so emission never blocks a routing decision.
func Best(in ResolveInput) telemetry.Correlation {
	correlation, err := Resolve(in)
	if err == nil {
		return correlation
	}
	return telemetry.Correlation{
		OpportunityKey:     strings.TrimSpace(in.OpportunityKey),
		RequestKey:         strings.TrimSpace(in.RequestKey),
		AttemptKey:         strings.TrimSpace(in.AttemptKey),
		TraceKey:           strings.TrimSpace(in.TraceKey),
		SourceID:           strings.TrimSpace(in.SourceID),
		RoutePlanID:        strings.TrimSpace(in.RoutePlanID),
		EmittedBy:          firstNonEmpty(strings.TrimSpace(in.EmittedBy), defaultEmitter),
		RuntimeTimestampMS: nonNegative(in.RuntimeTimestampMS),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
