package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tiger/ad-supply-router/connectors/affiliate/offers"
	"github.com/tiger/ad-supply-router/connectors/catalog/links"
	"github.com/tiger/ad-supply-router/connectors/catalog/s3links"
	"github.com/tiger/ad-supply-router/internal/observability/audit"
	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	"github.com/tiger/ad-supply-router/internal/runtime/auction"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/adapter"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/config"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/dispatch"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/planner"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/registry"
)

// ConnectorFactory builds the connector for one configured source.
type ConnectorFactory func(src config.SourceConfig) (contracts.Connector, error)

// Options controls runtime bootstrap.
type Options struct {
	// Lookup resolves connector secret refs; nil uses the process environment.
	Lookup   config.LookupFunc
	Store    registry.StatusStore
	Recorder audit.Recorder
	Emitter  telemetry.Emitter
	Now      func() time.Time
	// Connectors overrides connector construction; nil uses BuildConnector.
	Connectors ConnectorFactory
	// SkipStart leaves registered adapters stopped.
	SkipStart bool
}

// Runtime contains the initialized routing components.
type Runtime struct {
	Config   config.Engine
	Registry *registry.Registry
	Planner  *planner.Planner
	Executor *dispatch.Executor
	Auction  *auction.Auction
	// Rejected maps source ids the registry refused to their reason code.
	Rejected map[string]contracts.ReasonCode
}

// Build wires connectors, adapters, registry, planner and executor from cfg.
func Build(ctx context.Context, cfg config.Engine, opts Options) (Runtime, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Emitter == nil {
		opts.Emitter = telemetry.DefaultEmitter()
	}
	factory := opts.Connectors
	if factory == nil {
		lookup := opts.Lookup
		factory = func(src config.SourceConfig) (contracts.Connector, error) {
			return BuildConnector(src, lookup)
		}
	}

	reg, err := registry.New(registry.Options{
		ContractConstraint: cfg.AdapterContractConstraint,
		Store:              opts.Store,
		Now:                opts.Now,
		Emitter:            opts.Emitter,
	})
	if err != nil {
		return Runtime{}, err
	}

	rejected := map[string]contracts.ReasonCode{}
	for _, src := range cfg.Sources {
		connector, err := factory(src)
		if err != nil {
			return Runtime{}, fmt.Errorf("build connector for %s: %w", src.SourceID, err)
		}
		base, err := adapter.New(adapter.Config{
			SourceID:               src.SourceID,
			Network:                src.Network,
			AdapterContractVersion: src.AdapterContractVersion,
			DefaultTimeoutMS:       src.TimeoutPolicyMS,
			Now:                    opts.Now,
		}, connector)
		if err != nil {
			return Runtime{}, err
		}
		result, err := reg.RegisterAdapter(ctx, src.Entry(), base)
		if err != nil {
			return Runtime{}, fmt.Errorf("register %s: %w", src.SourceID, err)
		}
		if !result.OK {
			rejected[src.SourceID] = result.ReasonCode
			continue
		}
		if opts.SkipStart {
			continue
		}
		started, err := reg.StartAdapter(ctx, src.SourceID)
		if err != nil {
			return Runtime{}, fmt.Errorf("start %s: %w", src.SourceID, err)
		}
		if !started.OK {
			rejected[src.SourceID] = started.ReasonCode
		}
	}

	executor, err := dispatch.New(reg, dispatch.Options{
		Config: dispatch.Config{
			DefaultRouteBudgetMS: cfg.DefaultRouteBudgetMS,
			RuleVersion:          cfg.RoutePlanRuleVersion,
			RoutingPolicyVersion: cfg.RoutingPolicyVersion,
		},
		Recorder: opts.Recorder,
		Emitter:  opts.Emitter,
		Now:      opts.Now,
	})
	if err != nil {
		return Runtime{}, err
	}

	return Runtime{
		Config:   cfg,
		Registry: reg,
		Planner:  planner.New(opts.Emitter, opts.Now),
		Executor: executor,
		Auction:  auction.New(opts.Emitter, opts.Now),
		Rejected: rejected,
	}, nil
}

// BuildConnector constructs the connector declared by src.
func BuildConnector(src config.SourceConfig, lookup config.LookupFunc) (contracts.Connector, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	c := src.Connector
	switch c.Kind {
	case "", config.ConnectorNone:
		return nil, nil
	case config.ConnectorStatic:
		return staticConnector(src.SourceID, c.Offers), nil
	case config.ConnectorOffersHTTP:
		apiKey, err := config.ResolveOptionalSecret(c.APIKeyRef, lookup)
		if err != nil {
			return nil, err
		}
		jwtSecret, err := config.ResolveOptionalSecret(c.JWTSecretRef, lookup)
		if err != nil {
			return nil, err
		}
		return offers.New(offers.Config{
			SourceID:      src.SourceID,
			Endpoint:      c.Endpoint,
			APIKey:        apiKey,
			JWTSecret:     jwtSecret,
			JWTIssuer:     c.JWTIssuer,
			RatePerSecond: c.RatePerSecond,
			Burst:         c.Burst,
		})
	case config.ConnectorLinksHTTP:
		apiKey, err := config.ResolveOptionalSecret(c.APIKeyRef, lookup)
		if err != nil {
			return nil, err
		}
		return links.New(links.Config{
			SourceID:      src.SourceID,
			Endpoint:      c.Endpoint,
			APIKey:        apiKey,
			RatePerSecond: c.RatePerSecond,
			Burst:         c.Burst,
		})
	case config.ConnectorS3Links:
		return s3links.New(s3links.Config{
			SourceID: src.SourceID,
			Bucket:   c.Bucket,
			Key:      c.Key,
			Region:   c.Region,
			Endpoint: c.S3Endpoint,
		})
	default:
		return nil, c.Kind.Validate()
	}
}

func staticConnector(sourceID string, configured []map[string]any) contracts.StaticConnector {
	items := make([]contracts.RawOffer, 0, len(configured))
	for _, offer := range configured {
		items = append(items, contracts.RawOffer(offer))
	}
	return contracts.StaticConnector{
		ID: sourceID,
		OffersFn: func(_ context.Context, params contracts.FetchParams) (contracts.FetchResult, error) {
			out := append([]contracts.RawOffer(nil), items...)
			if params.Limit > 0 && len(out) > params.Limit {
				out = out[:params.Limit]
			}
			return contracts.FetchResult{Offers: out, Debug: map[string]any{"mode": "static"}}, nil
		},
	}
}

// Stores holds env-selected persistence backends.
type Stores struct {
	Status   registry.StatusStore
	Recorder audit.Recorder
	Reader   audit.Reader
	closers  []func() error
}

// Close releases every opened backend.
func (s Stores) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenStores opens the Redis status store and the audit store selected by rt.
// Postgres wins over SQLite, which wins over the JSONL log. Unset backends
// fall back to in-memory stores.
func OpenStores(ctx context.Context, rt config.Runtime) (Stores, error) {
	stores := Stores{}
	if rt.RedisAddr != "" {
		redisStore := registry.NewRedisStatusStore(rt.RedisAddr, rt.RedisPassword, rt.RedisDB)
		if err := redisStore.Ping(ctx); err != nil {
			_ = redisStore.Close()
			return Stores{}, fmt.Errorf("ping redis status store: %w", err)
		}
		stores.Status = redisStore
		stores.closers = append(stores.closers, redisStore.Close)
	} else {
		stores.Status = registry.NewMemoryStatusStore()
	}

	switch {
	case rt.AuditPostgresDSN != "":
		store, err := audit.OpenPostgres(ctx, rt.AuditPostgresDSN)
		if err != nil {
			_ = stores.Close()
			return Stores{}, err
		}
		stores.Recorder = store
		stores.Reader = store
		stores.closers = append(stores.closers, store.Close)
	case rt.AuditSQLitePath != "":
		store, err := audit.OpenSQLite(ctx, rt.AuditSQLitePath)
		if err != nil {
			_ = stores.Close()
			return Stores{}, err
		}
		stores.Recorder = store
		stores.Reader = store
		stores.closers = append(stores.closers, store.Close)
	case rt.AuditJSONLPath != "":
		store := &audit.JSONLFileStore{Path: rt.AuditJSONLPath}
		stores.Recorder = store
		stores.Reader = store
	default:
		memory := audit.NewMemoryStore()
		stores.Recorder = memory
		stores.Reader = memory
	}
	return stores, nil
}

// Summary returns deterministic registry counts by status.
func Summary(rt Runtime) string {
	counts := map[contracts.SourceStatus]int{}
	ids := rt.Registry.SourceIDs()
	for _, id := range ids {
		snap, ok := rt.Registry.GetAdapterSnapshot(id)
		if !ok {
			continue
		}
		counts[snap.Entry.Status]++
	}
	rejected := make([]string, 0, len(rt.Rejected))
	for id, reason := range rt.Rejected {
		rejected = append(rejected, id+"="+string(reason))
	}
	sort.Strings(rejected)
	summary := fmt.Sprintf("sources registered=%d active=%d paused=%d draining=%d stopped=%d rejected=%d",
		len(ids), counts[contracts.StatusActive], counts[contracts.StatusPaused],
		counts[contracts.StatusDraining], counts[contracts.StatusStopped], len(rt.Rejected))
	if len(rejected) > 0 {
		summary += " [" + strings.Join(rejected, ",") + "]"
	}
	return summary
}

// RouteRequest is one opportunity to plan and dispatch.
type RouteRequest struct {
	RoutePlanID   string                       `json:"route_plan_id,omitempty"`
	Orchestration contracts.OrchestrationInput `json:"orchestration"`
	// IsRoutable is the upstream policy verdict; nil means no veto.
	IsRoutable *bool  `json:"is_routable,omitempty"`
	Search     string `json:"search,omitempty"`
}

// PlanInput projects req onto the planner input. Request-level source
// constraints replace the configured ones when present. Source status comes
// from the registry: unregistered or not running sources are planned as
// stopped so the planner filters them out.
func (rt Runtime) PlanInput(req RouteRequest) planner.Input {
	in := req.Orchestration
	constraints := rt.Config.Constraints()
	if requested := in.Constraints.Sources; requested.SourceSelectionMode != "" || len(requested.AllowedSourceIDs) > 0 || len(requested.BlockedSourceIDs) > 0 {
		constraints = requested
	}
	return planner.Input{
		RequestKey:     in.RequestKey,
		AttemptKey:     in.AttemptKey,
		OpportunityKey: in.OpportunityKey,
		TraceKey:       in.TraceKey,
		PlacementType:  contracts.ResolveRequestContext(in).PlacementType,
		IsRoutable:     req.IsRoutable,
		Strategy:       rt.Config.Strategy(),
		Constraints:    constraints,
		Sources:        rt.routableDescriptors(),
	}
}

func (rt Runtime) routableDescriptors() []contracts.SourceDescriptor {
	sources := rt.Config.Descriptors()
	for i := range sources {
		snap, ok := rt.Registry.GetAdapterSnapshot(sources[i].SourceID)
		if !ok || snap.LifecycleState != contracts.LifecycleRunning {
			sources[i].Status = contracts.StatusStopped
			continue
		}
		sources[i].Status = snap.Entry.Status
	}
	return sources
}

// Route plans req against the registered sources and executes the plan when
// it has steps. The dispatch result is zero for a rejected or terminated plan.
func (rt Runtime) Route(ctx context.Context, req RouteRequest) (planner.Result, dispatch.Result, error) {
	plan := rt.Planner.BuildRoutePlan(rt.PlanInput(req))
	if !plan.OK || plan.RoutePlan.RoutePlanStatus == contracts.PlanTerminated || len(plan.RoutePlan.RouteSteps) == 0 {
		return plan, dispatch.Result{}, nil
	}
	result, err := rt.Executor.Execute(ctx, dispatch.Input{
		RoutePlanID:     req.RoutePlanID,
		Plan:            plan.RoutePlan,
		PlanFingerprint: plan.AuditHints.PlanFingerprint,
		Orchestration:   req.Orchestration,
		Search:          req.Search,
	})
	return plan, result, err
}
