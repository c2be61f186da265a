package planner

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	telemetrycontext "github.com/tiger/ad-supply-router/internal/observability/telemetry/context"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// Input is everything the planner needs for one opportunity.
type Input struct {
	RequestKey     string `json:"request_key"`
	AttemptKey     string `json:"attempt_key"`
	OpportunityKey string `json:"opportunity_key"`
	TraceKey       string `json:"trace_key,omitempty"`
	PlacementType  string `json:"placement_type"`
	// IsRoutable is the upstream policy verdict; nil means no veto.
	IsRoutable  *bool                        `json:"is_routable,omitempty"`
	Strategy    contracts.ExecutionStrategy  `json:"execution_strategy_lite"`
	Constraints contracts.SourceConstraints  `json:"source_constraints"`
	Sources     []contracts.SourceDescriptor `json:"sources"`
}

// SourceFilterSnapshot partitions the unique input source ids.
type SourceFilterSnapshot struct {
	EffectiveSourcePoolIDs []string          `json:"effective_source_pool_ids"`
	FilteredOutSourceIDs   []string          `json:"filtered_out_source_ids"`
	FilteredOutReasons     map[string]string `json:"filtered_out_reasons"`
	// DuplicateSourceIDs lists ids seen more than once; the first occurrence is planned.
	DuplicateSourceIDs []string `json:"duplicate_source_ids,omitempty"`
}

// AuditHints is the planner's audit projection.
type AuditHints struct {
	SourceFilterSnapshot SourceFilterSnapshot `json:"source_filter_snapshot"`
	PlanFingerprint      string               `json:"plan_fingerprint,omitempty"`
}

// Result is the structured outcome of BuildRoutePlan.
type Result struct {
	OK         bool                 `json:"ok"`
	ReasonCode contracts.ReasonCode `json:"reason_code"`
	RoutePlan  contracts.RoutePlan  `json:"route_plan_lite"`
	AuditHints AuditHints           `json:"route_audit_hints"`
}

// Planner emits plan telemetry around the pure BuildRoutePlan.
type Planner struct {
	emitter telemetry.Emitter
	now     func() time.Time
}

// New returns a planner; a nil emitter uses the process default.
func New(emitter telemetry.Emitter, now func() time.Time) *Planner {
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	if now == nil {
		now = time.Now
	}
	return &Planner{emitter: emitter, now: now}
}

// BuildRoutePlan builds the plan and records its size and outcome.
func (p *Planner) BuildRoutePlan(in Input) Result {
	result := BuildRoutePlan(in)
	correlation := telemetrycontext.Best(telemetrycontext.ResolveInput{
		OpportunityKey:     in.OpportunityKey,
		RequestKey:         in.RequestKey,
		AttemptKey:         in.AttemptKey,
		TraceKey:           in.TraceKey,
		EmittedBy:          "planner",
		RuntimeTimestampMS: p.now().UnixMilli(),
	})
	attrs := map[string]string{
		"reason_code":   string(result.ReasonCode),
		"strategy_type": string(result.RoutePlan.ExecutionStrategyLite.StrategyType),
	}
	p.emitter.EmitMetric(telemetry.MetricRoutePlanSteps, float64(len(result.RoutePlan.RouteSteps)), "count", attrs, correlation)
	severity := "info"
	if !result.OK {
		severity = "warn"
	}
	p.emitter.EmitLog("route_plan", severity,
		"route plan "+string(result.RoutePlan.RoutePlanStatus)+" with "+strconv.Itoa(len(result.RoutePlan.RouteSteps))+" steps",
		attrs, correlation)
	return result
}

// BuildRoutePlan is a pure function of its input: equal inputs produce deeply
// equal results.
func BuildRoutePlan(in Input) Result {
	strategy := normalizeStrategy(in.Strategy)

	if missingIdentifiers(in) {
		return rejected(contracts.ReasonInvalidRouteInputState, strategy)
	}
	if in.IsRoutable != nil && !*in.IsRoutable {
		return rejected(contracts.ReasonRoutePolicyBlock, strategy)
	}
	if strategy.StrategyType.Validate() != nil || strategy.FallbackPolicy.Validate() != nil {
		return rejected(contracts.ReasonInvalidStrategyContract, in.Strategy)
	}

	pool, snapshot := filterSources(in)
	steps := assignSteps(strategy, groupAndSort(pool))

	if len(steps) == 0 {
		plan := terminatedPlan(strategy)
		return Result{
			OK:         true,
			ReasonCode: contracts.ReasonRouteNoAvailableSource,
			RoutePlan:  plan,
			AuditHints: AuditHints{SourceFilterSnapshot: snapshot, PlanFingerprint: fingerprint(plan)},
		}
	}

	plan := contracts.RoutePlan{
		RoutePlanStatus:       contracts.PlanPlanned,
		RouteSteps:            steps,
		ExecutionStrategyLite: strategy,
	}
	return Result{
		OK:         true,
		ReasonCode: contracts.ReasonRoutePlanReady,
		RoutePlan:  plan,
		AuditHints: AuditHints{SourceFilterSnapshot: snapshot, PlanFingerprint: fingerprint(plan)},
	}
}

func missingIdentifiers(in Input) bool {
	for _, v := range []string{in.RequestKey, in.AttemptKey, in.OpportunityKey, in.PlacementType} {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

func normalizeStrategy(s contracts.ExecutionStrategy) contracts.ExecutionStrategy {
	out := s
	if out.FallbackPolicy == "" {
		out.FallbackPolicy = contracts.FallbackOnNoFillOrError
	}
	if out.ParallelFanout < 1 || out.StrategyType == contracts.StrategyWaterfall {
		out.ParallelFanout = 1
	}
	if out.StrategyTimeoutMS < 0 {
		out.StrategyTimeoutMS = 0
	}
	return out
}

func rejected(reason contracts.ReasonCode, strategy contracts.ExecutionStrategy) Result {
	return Result{
		OK:         false,
		ReasonCode: reason,
		RoutePlan:  terminatedPlan(strategy),
		AuditHints: AuditHints{SourceFilterSnapshot: SourceFilterSnapshot{
			EffectiveSourcePoolIDs: []string{},
			FilteredOutSourceIDs:   []string{},
			FilteredOutReasons:     map[string]string{},
		}},
	}
}

func terminatedPlan(strategy contracts.ExecutionStrategy) contracts.RoutePlan {
	return contracts.RoutePlan{
		RoutePlanStatus:       contracts.PlanTerminated,
		RouteSteps:            []contracts.RouteStep{},
		ExecutionStrategyLite: strategy,
	}
}

// filterSources applies the status, tier, placement, block and allow filters.
// Block always wins over allow; an empty allowlist intersection is terminal.
func filterSources(in Input) ([]contracts.SourceDescriptor, SourceFilterSnapshot) {
	blocked := toSet(in.Constraints.BlockedSourceIDs)
	allowed := toSet(in.Constraints.AllowedSourceIDs)
	allowlistOnly := in.Constraints.SourceSelectionMode == contracts.SelectionAllowlistOnly

	snapshot := SourceFilterSnapshot{
		EffectiveSourcePoolIDs: []string{},
		FilteredOutSourceIDs:   []string{},
		FilteredOutReasons:     map[string]string{},
	}
	pool := make([]contracts.SourceDescriptor, 0, len(in.Sources))
	seen := make(map[string]struct{}, len(in.Sources))

	for _, source := range in.Sources {
		id := source.SourceID
		if _, dup := seen[id]; dup {
			snapshot.DuplicateSourceIDs = append(snapshot.DuplicateSourceIDs, id)
			continue
		}
		seen[id] = struct{}{}

		reason := ""
		switch {
		case source.RouteTier.Validate() != nil:
			reason = contracts.FilterRouteTierInvalid
		case source.Status != "" && source.Status != contracts.StatusActive:
			reason = contracts.FilterStatusNotActive
		case !source.SupportsPlacement(in.PlacementType):
			reason = contracts.FilterPlacementNotSupported
		case contains(blocked, id):
			reason = contracts.FilterSourceBlocked
		case allowlistOnly && !contains(allowed, id):
			reason = contracts.FilterSourceNotAllowlisted
		}
		if reason != "" {
			snapshot.FilteredOutSourceIDs = append(snapshot.FilteredOutSourceIDs, id)
			snapshot.FilteredOutReasons[id] = reason
			continue
		}
		snapshot.EffectiveSourcePoolIDs = append(snapshot.EffectiveSourcePoolIDs, id)
		pool = append(pool, source)
	}
	return pool, snapshot
}

// groupAndSort partitions the pool by tier and orders each tier by
// priority desc, success desc, p95 asc, cost asc, source id asc.
func groupAndSort(pool []contracts.SourceDescriptor) map[contracts.RouteTier][]contracts.SourceDescriptor {
	out := make(map[contracts.RouteTier][]contracts.SourceDescriptor, len(contracts.OrderedTiers))
	for _, source := range pool {
		out[source.RouteTier] = append(out[source.RouteTier], source)
	}
	for tier, sources := range out {
		sort.SliceStable(sources, func(i, j int) bool {
			a, b := sources[i], sources[j]
			if x, y := finite(a.SourcePriorityScore), finite(b.SourcePriorityScore); x != y {
				return x > y
			}
			if x, y := finite(a.HistoricalSuccessRate), finite(b.HistoricalSuccessRate); x != y {
				return x > y
			}
			if x, y := finite(a.P95LatencyMS), finite(b.P95LatencyMS); x != y {
				return x < y
			}
			if x, y := finite(a.CostWeight), finite(b.CostWeight); x != y {
				return x < y
			}
			return a.SourceID < b.SourceID
		})
		out[tier] = sources
	}
	return out
}

func assignSteps(strategy contracts.ExecutionStrategy, tiers map[contracts.RouteTier][]contracts.SourceDescriptor) []contracts.RouteStep {
	steps := make([]contracts.RouteStep, 0)
	appendTier := func(sources []contracts.SourceDescriptor, mode contracts.DispatchMode) {
		for _, source := range sources {
			steps = append(steps, contracts.RouteStep{SourceID: source.SourceID, RouteTier: source.RouteTier, DispatchMode: mode})
		}
	}

	if strategy.StrategyType == contracts.StrategyWaterfall {
		for _, tier := range contracts.OrderedTiers {
			appendTier(tiers[tier], contracts.DispatchSequential)
		}
		return steps
	}

	primary := tiers[contracts.TierPrimary]
	batch := min(strategy.ParallelFanout, len(primary))
	appendTier(primary[:batch], contracts.DispatchParallelBatch)

	if strategy.StrategyType == contracts.StrategyBidding && strategy.FallbackPolicy == contracts.FallbackDisabled {
		return steps
	}
	appendTier(primary[batch:], contracts.DispatchSequential)
	appendTier(tiers[contracts.TierSecondary], contracts.DispatchSequential)
	appendTier(tiers[contracts.TierFallback], contracts.DispatchSequential)
	return steps
}

func fingerprint(plan contracts.RoutePlan) string {
	fp, err := plan.Fingerprint()
	if err != nil {
		return ""
	}
	return fp
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[strings.TrimSpace(v)] = struct{}{}
	}
	return out
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}
