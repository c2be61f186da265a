package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

// DefaultContractConstraint accepts every 1.x adapter contract.
const DefaultContractConstraint = "^1.0.0"

// Options configures a Registry.
type Options struct {
	// ContractConstraint is a semver range adapter contract versions must satisfy.
	ContractConstraint string
	Store              StatusStore
	Now                func() time.Time
	Emitter            telemetry.Emitter
}

// Result is the structured outcome of a registry mutation.
type Result struct {
	OK         bool                 `json:"ok"`
	ReasonCode contracts.ReasonCode `json:"reason_code"`
}

// ResolveResult carries the adapter selected for a route step.
type ResolveResult struct {
	OK         bool
	ReasonCode contracts.ReasonCode
	Adapter    contracts.Adapter
	Entry      contracts.AdapterEntry
}

// AdaptResult carries the adapted request for a route step.
type AdaptResult struct {
	OK         bool                    `json:"ok"`
	ReasonCode contracts.ReasonCode    `json:"reason_code"`
	Request    contracts.SourceRequest `json:"source_request"`
}

// Snapshot is a read-only projection of one registry record.
type Snapshot struct {
	Entry          contracts.AdapterEntry   `json:"entry"`
	LifecycleState contracts.LifecycleState `json:"lifecycle_state"`
	StatusReason   string                   `json:"status_reason,omitempty"`
}

type record struct {
	entry        contracts.AdapterEntry
	adapter      contracts.Adapter
	lifecycle    contracts.LifecycleState
	statusReason string
}

// Registry is the single authority for whether a source is routable.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	// writeMu serializes status and lifecycle writes across the store and
	// adapter calls made outside mu.
	writeMu sync.Mutex

	constraint *semver.Constraints
	store      StatusStore
	now        func() time.Time
	emitter    telemetry.Emitter
}

// New creates an empty registry.
func New(opts Options) (*Registry, error) {
	raw := strings.TrimSpace(opts.ContractConstraint)
	if raw == "" {
		raw = DefaultContractConstraint
	}
	constraint, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("parse adapter contract constraint %q: %w", raw, err)
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStatusStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = telemetry.DefaultEmitter()
	}
	return &Registry{
		records:    make(map[string]*record),
		constraint: constraint,
		store:      store,
		now:        now,
		emitter:    emitter,
	}, nil
}

// RegisterAdapter adds one adapter. Malformed entries are programmer errors;
// capability and contract gates are reported through the reason code.
func (r *Registry) RegisterAdapter(ctx context.Context, entry contracts.AdapterEntry, adapter contracts.Adapter) (Result, error) {
	if adapter == nil {
		return Result{}, fmt.Errorf("adapter cannot be nil")
	}
	if err := entry.Validate(); err != nil {
		return Result{}, err
	}
	if adapter.SourceID() != entry.SourceID {
		return Result{}, fmt.Errorf("adapter source_id %q does not match entry source_id %q", adapter.SourceID(), entry.SourceID)
	}

	for _, required := range contracts.MinimumCapabilities {
		if !entry.HasCapability(required) {
			r.log("warn", "adapter rejected: missing capability "+string(required), entry.SourceID, contracts.ReasonMinCapabilityMissing)
			return Result{OK: false, ReasonCode: contracts.ReasonMinCapabilityMissing}, nil
		}
	}
	if !r.contractSupported(entry.AdapterContractVersion) {
		r.log("warn", "adapter rejected: contract "+entry.AdapterContractVersion, entry.SourceID, contracts.ReasonAdapterContractUnsupport)
		return Result{OK: false, ReasonCode: contracts.ReasonAdapterContractUnsupport}, nil
	}

	stored := entry.Clone()
	if stored.Status == "" {
		stored.Status = contracts.StatusActive
	}
	if stored.AdapterContractVersion == "" {
		stored.AdapterContractVersion = contracts.DefaultAdapterContractVersion
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = r.now().UTC()
	}
	rec := &record{entry: stored, adapter: adapter, lifecycle: contracts.LifecycleStopped}

	persisted, found, err := r.store.Load(ctx, entry.SourceID)
	if err != nil {
		r.log("warn", "status store load failed: "+err.Error(), entry.SourceID, "")
	} else if found && persisted.Status.Validate() == nil {
		rec.entry.Status = persisted.Status
		rec.statusReason = persisted.Reason
		if !persisted.UpdatedAt.IsZero() {
			rec.entry.UpdatedAt = persisted.UpdatedAt
		}
	}

	r.mu.Lock()
	if _, exists := r.records[entry.SourceID]; exists {
		r.mu.Unlock()
		return Result{OK: false, ReasonCode: contracts.ReasonAdapterAlreadyRegistered}, nil
	}
	r.records[entry.SourceID] = rec
	r.mu.Unlock()

	r.log("info", "adapter registered with status "+string(rec.entry.Status), entry.SourceID, contracts.ReasonAdapterRegistered)
	return Result{OK: true, ReasonCode: contracts.ReasonAdapterRegistered}, nil
}

func (r *Registry) contractSupported(version string) bool {
	if strings.TrimSpace(version) == "" {
		version = contracts.DefaultAdapterContractVersion
	}
	parsed, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return r.constraint.Check(parsed)
}

// ListRoutableAdapters returns active entries declaring placementType, ordered by source id.
func (r *Registry) ListRoutableAdapters(placementType string) []contracts.AdapterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.AdapterEntry, 0, len(r.records))
	for _, rec := range r.records {
		if rec.entry.Status != contracts.StatusActive || !rec.entry.SupportsPlacement(placementType) {
			continue
		}
		out = append(out, rec.entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// UpdateAdapterStatus moves a source to any status. The store is written
// before memory so a failed write leaves the registry unchanged.
func (r *Registry) UpdateAdapterStatus(ctx context.Context, sourceID string, status contracts.SourceStatus, reason string) (Result, error) {
	if err := status.Validate(); err != nil {
		return Result{}, err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if _, ok := r.GetAdapterSnapshot(sourceID); !ok {
		return Result{OK: false, ReasonCode: contracts.ReasonAdapterNotFound}, nil
	}

	updatedAt := r.now().UTC()
	if err := r.store.Save(ctx, sourceID, StatusRecord{Status: status, Reason: reason, UpdatedAt: updatedAt}); err != nil {
		return Result{}, fmt.Errorf("persist status for %s: %w", sourceID, err)
	}

	r.mu.Lock()
	rec, ok := r.records[sourceID]
	if !ok {
		r.mu.Unlock()
		return Result{OK: false, ReasonCode: contracts.ReasonAdapterNotFound}, nil
	}
	rec.entry.Status = status
	rec.entry.UpdatedAt = updatedAt
	rec.statusReason = reason
	r.mu.Unlock()

	r.log("info", "status set to "+string(status)+": "+reason, sourceID, contracts.ReasonStatusUpdated)
	return Result{OK: true, ReasonCode: contracts.ReasonStatusUpdated}, nil
}

// StartAdapter delegates to the adapter's own Start and marks the source running.
func (r *Registry) StartAdapter(ctx context.Context, sourceID string) (Result, error) {
	return r.transition(ctx, sourceID, contracts.LifecycleRunning)
}

// StopAdapter delegates to the adapter's own Stop and marks the source stopped.
func (r *Registry) StopAdapter(ctx context.Context, sourceID string) (Result, error) {
	return r.transition(ctx, sourceID, contracts.LifecycleStopped)
}

func (r *Registry) transition(ctx context.Context, sourceID string, target contracts.LifecycleState) (Result, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	rec, ok := r.records[sourceID]
	var adapter contracts.Adapter
	if ok {
		adapter = rec.adapter
	}
	r.mu.RUnlock()
	if !ok {
		return Result{OK: false, ReasonCode: contracts.ReasonAdapterNotFound}, nil
	}

	var err error
	if target == contracts.LifecycleRunning {
		_, err = adapter.Start(ctx)
	} else {
		_, err = adapter.Stop(ctx)
	}
	if err != nil {
		r.log("error", "lifecycle transition to "+string(target)+" failed: "+err.Error(), sourceID, "")
		return Result{}, err
	}

	r.mu.Lock()
	rec.lifecycle = target
	r.mu.Unlock()

	r.log("info", "lifecycle set to "+string(target), sourceID, contracts.ReasonLifecycleUpdated)
	return Result{OK: true, ReasonCode: contracts.ReasonLifecycleUpdated}, nil
}

// ResolveAdapterForRoute applies the status, lifecycle and placement gates in that order.
func (r *Registry) ResolveAdapterForRoute(sourceID, placementType string) ResolveResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sourceID]
	if !ok {
		return ResolveResult{ReasonCode: contracts.ReasonAdapterNotFound}
	}
	switch {
	case rec.entry.Status != contracts.StatusActive:
		return ResolveResult{ReasonCode: contracts.ReasonStatusNotActive}
	case rec.lifecycle != contracts.LifecycleRunning:
		return ResolveResult{ReasonCode: contracts.ReasonNotRunning}
	case !rec.entry.SupportsPlacement(placementType):
		return ResolveResult{ReasonCode: contracts.ReasonPlacementNotSupported}
	}
	return ResolveResult{
		OK:         true,
		ReasonCode: contracts.ReasonAdapterRoutable,
		Adapter:    rec.adapter,
		Entry:      rec.entry.Clone(),
	}
}

// GetAdapterSnapshot returns a copy of the entry and lifecycle for observability.
func (r *Registry) GetAdapterSnapshot(sourceID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sourceID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Entry:          rec.entry.Clone(),
		LifecycleState: rec.lifecycle,
		StatusReason:   rec.statusReason,
	}, true
}

// SourceIDs returns registered source ids in deterministic order.
func (r *Registry) SourceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AdaptRequest resolves the adapter for the input's placement and delegates
// request shaping to it.
func (r *Registry) AdaptRequest(sourceID string, in contracts.OrchestrationInput, actx contracts.AdaptContext) (AdaptResult, error) {
	placementType := contracts.ResolveRequestContext(in).PlacementType
	resolved := r.ResolveAdapterForRoute(sourceID, placementType)
	if !resolved.OK {
		return AdaptResult{OK: false, ReasonCode: resolved.ReasonCode}, nil
	}

	entry := resolved.Entry
	actx.Entry = &entry
	if actx.Now.IsZero() {
		actx.Now = r.now()
	}
	req, err := resolved.Adapter.RequestAdapt(in, actx)
	if err != nil {
		return AdaptResult{}, fmt.Errorf("adapt request for %s: %w", sourceID, err)
	}
	return AdaptResult{OK: true, ReasonCode: contracts.ReasonRequestAdaptOK, Request: req}, nil
}

// Adapter returns the registered adapter without applying routing gates.
func (r *Registry) Adapter(sourceID string) (contracts.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[sourceID]
	if !ok {
		return nil, false
	}
	return rec.adapter, true
}

func (r *Registry) log(severity, message, sourceID string, reason contracts.ReasonCode) {
	attrs := map[string]string{}
	if reason != "" {
		attrs["reason_code"] = string(reason)
	}
	r.emitter.EmitLog("adapter_registry", severity, message, attrs, telemetry.Correlation{
		SourceID:           sourceID,
		EmittedBy:          "registry",
		RuntimeTimestampMS: r.now().UnixMilli(),
	})
}
