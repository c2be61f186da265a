package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

//go:embed engine.schema.json
var engineSchemaJSON []byte

const engineSchemaURL = "engine.schema.json"

// ErrorCode classifies engine config failures.
type ErrorCode string

const (
	ErrorCodeReadFailed    ErrorCode = "config_read_failed"
	ErrorCodeDecodeFailed  ErrorCode = "config_decode_failed"
	ErrorCodeSchemaInvalid ErrorCode = "config_schema_invalid"
	ErrorCodeInvalid       ErrorCode = "config_invalid"
)

// Error is a typed engine config failure.
type Error struct {
	Code  ErrorCode
	Path  string
	Cause error
}

func (e Error) Error() string {
	if e.Cause == nil {
		if strings.TrimSpace(e.Path) == "" {
			return fmt.Sprintf("supply_config: %s", e.Code)
		}
		return fmt.Sprintf("supply_config: %s (%s)", e.Code, e.Path)
	}
	if strings.TrimSpace(e.Path) == "" {
		return fmt.Sprintf("supply_config: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("supply_config: %s (%s): %v", e.Code, e.Path, e.Cause)
}

func (e Error) Unwrap() error {
	return e.Cause
}

// IsCode reports whether err is a config Error with code.
func IsCode(err error, code ErrorCode) bool {
	var cfgErr Error
	return errors.As(err, &cfgErr) && cfgErr.Code == code
}

// ConnectorKind selects the connector built for a source.
type ConnectorKind string

const (
	ConnectorNone       ConnectorKind = "none"
	ConnectorStatic     ConnectorKind = "static"
	ConnectorOffersHTTP ConnectorKind = "offers_http"
	ConnectorLinksHTTP  ConnectorKind = "links_http"
	ConnectorS3Links    ConnectorKind = "s3_links"
)

// Validate enforces supported connector kinds.
func (k ConnectorKind) Validate() error {
	switch k {
	case ConnectorNone, ConnectorStatic, ConnectorOffersHTTP, ConnectorLinksHTTP, ConnectorS3Links:
		return nil
	default:
		return fmt.Errorf("unsupported connector kind: %q", k)
	}
}

// ConnectorConfig declares how a source's network is reached.
type ConnectorConfig struct {
	Kind          ConnectorKind    `yaml:"kind"`
	Endpoint      string           `yaml:"endpoint,omitempty"`
	APIKeyRef     string           `yaml:"api_key_ref,omitempty"`
	JWTSecretRef  string           `yaml:"jwt_secret_ref,omitempty"`
	JWTIssuer     string           `yaml:"jwt_issuer,omitempty"`
	RatePerSecond float64          `yaml:"rate_per_second,omitempty"`
	Burst         int              `yaml:"burst,omitempty"`
	Bucket        string           `yaml:"bucket,omitempty"`
	Key           string           `yaml:"key,omitempty"`
	Region        string           `yaml:"region,omitempty"`
	S3Endpoint    string           `yaml:"s3_endpoint,omitempty"`
	Offers        []map[string]any `yaml:"offers,omitempty"`
}

// SourceConfig merges the routing descriptor, registry entry and connector of one source.
type SourceConfig struct {
	SourceID                 string                 `yaml:"source_id"`
	Network                  string                 `yaml:"network"`
	AdapterID                string                 `yaml:"adapter_id,omitempty"`
	SourceType               string                 `yaml:"source_type,omitempty"`
	Status                   contracts.SourceStatus `yaml:"status,omitempty"`
	AdapterContractVersion   string                 `yaml:"adapter_contract_version,omitempty"`
	CapabilityProfileVersion string                 `yaml:"capability_profile_version,omitempty"`
	SupportedCapabilities    []contracts.Capability `yaml:"supported_capabilities,omitempty"`
	SupportedPlacementTypes  []string               `yaml:"supported_placement_types"`
	TimeoutPolicyMS          int64                  `yaml:"timeout_policy_ms,omitempty"`
	Owner                    string                 `yaml:"owner,omitempty"`
	SourcePriorityScore      float64                `yaml:"source_priority_score,omitempty"`
	HistoricalSuccessRate    float64                `yaml:"historical_success_rate,omitempty"`
	P95LatencyMS             float64                `yaml:"p95_latency_ms,omitempty"`
	CostWeight               float64                `yaml:"cost_weight,omitempty"`
	RouteTier                contracts.RouteTier    `yaml:"route_tier"`
	Connector                ConnectorConfig        `yaml:"connector,omitempty"`
}

// StrategyConfig is the YAML form of contracts.ExecutionStrategy.
type StrategyConfig struct {
	StrategyType             contracts.StrategyType   `yaml:"strategy_type,omitempty"`
	ParallelFanout           int                      `yaml:"parallel_fanout,omitempty"`
	StrategyTimeoutMS        int64                    `yaml:"strategy_timeout_ms,omitempty"`
	FallbackPolicy           contracts.FallbackPolicy `yaml:"fallback_policy,omitempty"`
	ExecutionStrategyVersion string                   `yaml:"execution_strategy_version,omitempty"`
}

// ConstraintsConfig is the YAML form of contracts.SourceConstraints.
type ConstraintsConfig struct {
	SourceSelectionMode contracts.SelectionMode `yaml:"source_selection_mode,omitempty"`
	AllowedSourceIDs    []string                `yaml:"allowed_source_ids,omitempty"`
	BlockedSourceIDs    []string                `yaml:"blocked_source_ids,omitempty"`
}

// Engine is the full engine configuration file.
type Engine struct {
	RoutingPolicyVersion      string            `yaml:"routing_policy_version,omitempty"`
	RoutePlanRuleVersion      string            `yaml:"route_plan_rule_version,omitempty"`
	AdapterContractConstraint string            `yaml:"adapter_contract_constraint,omitempty"`
	DefaultRouteBudgetMS      int64             `yaml:"default_route_budget_ms,omitempty"`
	ExecutionStrategy         StrategyConfig    `yaml:"execution_strategy,omitempty"`
	SourceConstraints         ConstraintsConfig `yaml:"source_constraints,omitempty"`
	Sources                   []SourceConfig    `yaml:"sources"`
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func engineSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(engineSchemaURL, bytes.NewReader(engineSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add engine schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(engineSchemaURL)
	})
	return compiledSchema, schemaErr
}

// LoadFile reads and parses an engine config file.
func LoadFile(path string) (Engine, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, Error{Code: ErrorCodeReadFailed, Path: path, Cause: err}
	}
	cfg, err := Parse(raw)
	if err != nil {
		var cfgErr Error
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
			return Engine{}, cfgErr
		}
		return Engine{}, err
	}
	return cfg, nil
}

// Parse validates raw YAML against the engine schema, decodes it and checks
// cross-field invariants.
func Parse(raw []byte) (Engine, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Engine{}, Error{Code: ErrorCodeDecodeFailed, Cause: err}
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return Engine{}, Error{Code: ErrorCodeDecodeFailed, Cause: err}
	}
	decoder := json.NewDecoder(bytes.NewReader(asJSON))
	decoder.UseNumber()
	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return Engine{}, Error{Code: ErrorCodeDecodeFailed, Cause: err}
	}

	schema, err := engineSchema()
	if err != nil {
		return Engine{}, err
	}
	if err := schema.Validate(payload); err != nil {
		return Engine{}, Error{Code: ErrorCodeSchemaInvalid, Cause: err}
	}

	var cfg Engine
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Engine{}, Error{Code: ErrorCodeDecodeFailed, Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return Engine{}, Error{Code: ErrorCodeInvalid, Cause: err}
	}
	return cfg, nil
}

// Validate enforces invariants the schema cannot express.
func (e Engine) Validate() error {
	if e.AdapterContractConstraint != "" {
		if _, err := semver.NewConstraint(e.AdapterContractConstraint); err != nil {
			return fmt.Errorf("adapter_contract_constraint: %w", err)
		}
	}
	if e.DefaultRouteBudgetMS < 0 {
		return fmt.Errorf("default_route_budget_ms must be >=0")
	}
	seen := make(map[string]struct{}, len(e.Sources))
	for i, s := range e.Sources {
		id := strings.TrimSpace(s.SourceID)
		if id == "" {
			return fmt.Errorf("sources[%d].source_id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate source_id %q", id)
		}
		seen[id] = struct{}{}
		if err := s.RouteTier.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if s.AdapterContractVersion != "" {
			if _, err := semver.NewVersion(s.AdapterContractVersion); err != nil {
				return fmt.Errorf("sources[%d].adapter_contract_version: %w", i, err)
			}
		}
		kind := s.Connector.Kind
		if kind == "" {
			kind = ConnectorNone
		}
		if err := kind.Validate(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		switch kind {
		case ConnectorOffersHTTP, ConnectorLinksHTTP:
			if strings.TrimSpace(s.Connector.Endpoint) == "" {
				return fmt.Errorf("sources[%d].connector.endpoint is required for %s", i, kind)
			}
		case ConnectorS3Links:
			if strings.TrimSpace(s.Connector.Bucket) == "" || strings.TrimSpace(s.Connector.Key) == "" {
				return fmt.Errorf("sources[%d].connector bucket and key are required for %s", i, kind)
			}
		}
	}
	return nil
}

// Strategy returns the configured execution strategy; an unset type is waterfall.
func (e Engine) Strategy() contracts.ExecutionStrategy {
	s := e.ExecutionStrategy
	if s.StrategyType == "" {
		s.StrategyType = contracts.StrategyWaterfall
	}
	return contracts.ExecutionStrategy{
		StrategyType:             s.StrategyType,
		ParallelFanout:           s.ParallelFanout,
		StrategyTimeoutMS:        s.StrategyTimeoutMS,
		FallbackPolicy:           s.FallbackPolicy,
		ExecutionStrategyVersion: s.ExecutionStrategyVersion,
	}
}

// Constraints returns the configured allow/block lists.
func (e Engine) Constraints() contracts.SourceConstraints {
	c := e.SourceConstraints
	mode := c.SourceSelectionMode
	if mode == "" {
		mode = contracts.SelectionAllExceptBlocked
	}
	return contracts.SourceConstraints{
		SourceSelectionMode: mode,
		AllowedSourceIDs:    append([]string(nil), c.AllowedSourceIDs...),
		BlockedSourceIDs:    append([]string(nil), c.BlockedSourceIDs...),
	}
}

// Descriptors returns the routing snapshot of every configured source.
func (e Engine) Descriptors() []contracts.SourceDescriptor {
	out := make([]contracts.SourceDescriptor, 0, len(e.Sources))
	for _, s := range e.Sources {
		out = append(out, s.Descriptor())
	}
	return out
}

// Descriptor projects the routing fields.
func (s SourceConfig) Descriptor() contracts.SourceDescriptor {
	return contracts.SourceDescriptor{
		SourceID:                s.SourceID,
		Status:                  s.Status,
		SupportedPlacementTypes: append([]string(nil), s.SupportedPlacementTypes...),
		TimeoutPolicyMS:         s.TimeoutPolicyMS,
		SourcePriorityScore:     s.SourcePriorityScore,
		HistoricalSuccessRate:   s.HistoricalSuccessRate,
		P95LatencyMS:            s.P95LatencyMS,
		CostWeight:              s.CostWeight,
		RouteTier:               s.RouteTier,
	}
}

// Entry projects the registry fields; unset capabilities default to the minimum set.
func (s SourceConfig) Entry() contracts.AdapterEntry {
	adapterID := s.AdapterID
	if adapterID == "" {
		adapterID = s.Network + "_" + s.SourceID
	}
	caps := append([]contracts.Capability(nil), s.SupportedCapabilities...)
	if len(caps) == 0 {
		caps = append(caps, contracts.MinimumCapabilities...)
	}
	return contracts.AdapterEntry{
		SourceID:                 s.SourceID,
		AdapterID:                adapterID,
		SourceType:               s.SourceType,
		Status:                   s.Status,
		AdapterContractVersion:   s.AdapterContractVersion,
		CapabilityProfileVersion: s.CapabilityProfileVersion,
		SupportedCapabilities:    caps,
		SupportedPlacementTypes:  append([]string(nil), s.SupportedPlacementTypes...),
		TimeoutPolicyMS:          s.TimeoutPolicyMS,
		Owner:                    s.Owner,
	}
}
