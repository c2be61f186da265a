package registry

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/adapter"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
)

var registryNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func fullCapabilities() []contracts.Capability {
	return []contracts.Capability{
		contracts.CapabilityRequestAdapt,
		contracts.CapabilityCandidateNormalize,
		contracts.CapabilityErrorNormalize,
		contracts.CapabilitySourceTrace,
		contracts.CapabilityHealthCheck,
	}
}

func testEntry(sourceID string) contracts.AdapterEntry {
	return contracts.AdapterEntry{
		SourceID:                 sourceID,
		AdapterID:                sourceID + "_adapter",
		SourceType:               "affiliate",
		Status:                   contracts.StatusActive,
		AdapterContractVersion:   "1.2.0",
		CapabilityProfileVersion: "cap_v1",
		SupportedCapabilities:    fullCapabilities(),
		SupportedPlacementTypes:  []string{"chat_inline"},
		TimeoutPolicyMS:          400,
		Owner:                    "supply-team",
	}
}

func testAdapter(t testing.TB, sourceID string) *adapter.Base {
	t.Helper()
	a, err := adapter.New(adapter.Config{
		SourceID: sourceID,
		Network:  "partnerstack",
		Now:      func() time.Time { return registryNow },
	}, contracts.StaticConnector{ID: sourceID})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func newTestRegistry(t testing.TB, store StatusStore) *Registry {
	t.Helper()
	reg, err := New(Options{Store: store, Now: func() time.Time { return registryNow }})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func registerRunning(t *testing.T, reg *Registry, entry contracts.AdapterEntry) {
	t.Helper()
	ctx := context.Background()
	res, err := reg.RegisterAdapter(ctx, entry, testAdapter(t, entry.SourceID))
	if err != nil || !res.OK {
		t.Fatalf("register %s: res=%+v err=%v", entry.SourceID, res, err)
	}
	if res, err := reg.StartAdapter(ctx, entry.SourceID); err != nil || !res.OK {
		t.Fatalf("start %s: res=%+v err=%v", entry.SourceID, res, err)
	}
}

func TestRegisterAdapterStartsStopped(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	res, err := reg.RegisterAdapter(context.Background(), testEntry("source_a"), testAdapter(t, "source_a"))
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if !res.OK || res.ReasonCode != contracts.ReasonAdapterRegistered {
		t.Fatalf("unexpected register result %+v", res)
	}
	snapshot, ok := reg.GetAdapterSnapshot("source_a")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if snapshot.LifecycleState != contracts.LifecycleStopped || snapshot.Entry.Status != contracts.StatusActive {
		t.Fatalf("unexpected initial snapshot %+v", snapshot)
	}
	if !snapshot.Entry.UpdatedAt.Equal(registryNow) {
		t.Fatalf("expected updated_at from injected clock, got %v", snapshot.Entry.UpdatedAt)
	}
}

func TestRegisterAdapterRejectsDuplicateAndMalformed(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.RegisterAdapter(ctx, testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	res, err := reg.RegisterAdapter(ctx, testEntry("source_a"), testAdapter(t, "source_a"))
	if err != nil || res.OK || res.ReasonCode != contracts.ReasonAdapterAlreadyRegistered {
		t.Fatalf("expected duplicate rejection, got %+v err=%v", res, err)
	}

	if _, err := reg.RegisterAdapter(ctx, testEntry("source_b"), nil); err == nil {
		t.Fatalf("expected nil adapter error")
	}
	if _, err := reg.RegisterAdapter(ctx, testEntry("source_b"), testAdapter(t, "source_c")); err == nil {
		t.Fatalf("expected source id mismatch error")
	}
	bad := testEntry("source_b")
	bad.AdapterID = ""
	if _, err := reg.RegisterAdapter(ctx, bad, testAdapter(t, "source_b")); err == nil {
		t.Fatalf("expected malformed entry error")
	}
}

func TestRegisterAdapterContractGate(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	entry := testEntry("source_v2")
	entry.AdapterContractVersion = "2.0.0"
	res, err := reg.RegisterAdapter(context.Background(), entry, testAdapter(t, "source_v2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.ReasonCode != contracts.ReasonAdapterContractUnsupport {
		t.Fatalf("expected contract rejection, got %+v", res)
	}

	entry.AdapterContractVersion = "not-a-version"
	res, _ = reg.RegisterAdapter(context.Background(), entry, testAdapter(t, "source_v2"))
	if res.ReasonCode != contracts.ReasonAdapterContractUnsupport {
		t.Fatalf("expected unparseable version rejection, got %+v", res)
	}

	if _, err := New(Options{ContractConstraint: ">>>"}); err == nil {
		t.Fatalf("expected invalid constraint error")
	}
}

func TestRegisterAdapterCapabilityGateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	all := fullCapabilities()
	properties.Property("missing any minimum capability is never registered", prop.ForAll(
		func(picks []int, dropped int) bool {
			caps := make([]contracts.Capability, 0, len(picks))
			missing := contracts.MinimumCapabilities[dropped]
			for _, idx := range picks {
				if all[idx] != missing {
					caps = append(caps, all[idx])
				}
			}
			entry := testEntry("source_prop")
			entry.SupportedCapabilities = caps

			reg := newTestRegistry(t, nil)
			res, err := reg.RegisterAdapter(context.Background(), entry, testAdapter(t, "source_prop"))
			if err != nil || res.OK || res.ReasonCode != contracts.ReasonMinCapabilityMissing {
				return false
			}
			_, found := reg.GetAdapterSnapshot("source_prop")
			return !found && len(reg.ListRoutableAdapters("chat_inline")) == 0
		},
		gen.SliceOf(gen.IntRange(0, len(all)-1)),
		gen.IntRange(0, len(contracts.MinimumCapabilities)-1),
	))

	properties.TestingRun(t)
}

func TestListRoutableAdaptersFiltersStatusAndPlacement(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	for _, id := range []string{"source_c", "source_a", "source_b"} {
		if _, err := reg.RegisterAdapter(ctx, testEntry(id), testAdapter(t, id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	video := testEntry("source_video")
	video.SupportedPlacementTypes = []string{"video_preroll"}
	if _, err := reg.RegisterAdapter(ctx, video, testAdapter(t, "source_video")); err != nil {
		t.Fatalf("register video: %v", err)
	}
	if _, err := reg.UpdateAdapterStatus(ctx, "source_b", contracts.StatusPaused, "maintenance"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	routable := reg.ListRoutableAdapters("chat_inline")
	if len(routable) != 2 || routable[0].SourceID != "source_a" || routable[1].SourceID != "source_c" {
		t.Fatalf("unexpected routable set %+v", routable)
	}
}

func TestUpdateAdapterStatusAllowsAnyTransition(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.RegisterAdapter(ctx, testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	sequence := []contracts.SourceStatus{
		contracts.StatusStopped,
		contracts.StatusActive,
		contracts.StatusDraining,
		contracts.StatusPaused,
		contracts.StatusActive,
	}
	for _, status := range sequence {
		res, err := reg.UpdateAdapterStatus(ctx, "source_a", status, "ops")
		if err != nil || !res.OK || res.ReasonCode != contracts.ReasonStatusUpdated {
			t.Fatalf("transition to %s: res=%+v err=%v", status, res, err)
		}
	}

	res, err := reg.UpdateAdapterStatus(ctx, "missing", contracts.StatusActive, "")
	if err != nil || res.OK || res.ReasonCode != contracts.ReasonAdapterNotFound {
		t.Fatalf("expected not found, got %+v err=%v", res, err)
	}
	if _, err := reg.UpdateAdapterStatus(ctx, "source_a", "deleted", ""); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestResolveAdapterForRouteGateOrder(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	if _, err := reg.RegisterAdapter(ctx, testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("register: %v", err)
	}

	if got := reg.ResolveAdapterForRoute("missing", "chat_inline"); got.ReasonCode != contracts.ReasonAdapterNotFound {
		t.Fatalf("expected not found, got %s", got.ReasonCode)
	}

	// Paused and stopped: status gate reported first.
	if _, err := reg.UpdateAdapterStatus(ctx, "source_a", contracts.StatusPaused, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got := reg.ResolveAdapterForRoute("source_a", "video_preroll"); got.ReasonCode != contracts.ReasonStatusNotActive {
		t.Fatalf("expected STATUS_NOT_ACTIVE, got %s", got.ReasonCode)
	}

	if _, err := reg.UpdateAdapterStatus(ctx, "source_a", contracts.StatusActive, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got := reg.ResolveAdapterForRoute("source_a", "video_preroll"); got.ReasonCode != contracts.ReasonNotRunning {
		t.Fatalf("expected NOT_RUNNING, got %s", got.ReasonCode)
	}

	if _, err := reg.StartAdapter(ctx, "source_a"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := reg.ResolveAdapterForRoute("source_a", "video_preroll"); got.ReasonCode != contracts.ReasonPlacementNotSupported {
		t.Fatalf("expected PLACEMENT_NOT_SUPPORTED, got %s", got.ReasonCode)
	}
	got := reg.ResolveAdapterForRoute("source_a", "chat_inline")
	if !got.OK || got.Adapter == nil || got.Entry.SourceID != "source_a" {
		t.Fatalf("expected routable adapter, got %+v", got)
	}
}

func TestStartStopDelegatesToAdapter(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	a := testAdapter(t, "source_a")
	if _, err := reg.RegisterAdapter(ctx, testEntry("source_a"), a); err != nil {
		t.Fatalf("register: %v", err)
	}
	if res, err := reg.StartAdapter(ctx, "source_a"); err != nil || res.ReasonCode != contracts.ReasonLifecycleUpdated {
		t.Fatalf("start: res=%+v err=%v", res, err)
	}
	if !a.Started() {
		t.Fatalf("expected adapter runtime flag set")
	}
	if res, err := reg.StopAdapter(ctx, "source_a"); err != nil || !res.OK {
		t.Fatalf("stop: res=%+v err=%v", res, err)
	}
	snapshot, _ := reg.GetAdapterSnapshot("source_a")
	if a.Started() || snapshot.LifecycleState != contracts.LifecycleStopped {
		t.Fatalf("expected adapter and registry stopped, snapshot=%+v", snapshot)
	}
	if res, _ := reg.StartAdapter(ctx, "missing"); res.ReasonCode != contracts.ReasonAdapterNotFound {
		t.Fatalf("expected not found for missing adapter, got %+v", res)
	}
}

func TestAdaptRequestDelegatesWithEntry(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, nil)
	registerRunning(t, reg, testEntry("source_a"))

	in := contracts.OrchestrationInput{
		OpportunityKey: "opp_1",
		RequestKey:     "req_1",
		AttemptKey:     "att_1",
		Placement:      contracts.PlacementLite{PlacementType: "chat_inline"},
	}
	res, err := reg.AdaptRequest("source_a", in, contracts.AdaptContext{})
	if err != nil {
		t.Fatalf("adapt request: %v", err)
	}
	if !res.OK || res.ReasonCode != contracts.ReasonRequestAdaptOK {
		t.Fatalf("unexpected adapt result %+v", res)
	}
	if res.Request.TimeoutBudgetMS != 400 || res.Request.AdapterContractVersion != "1.2.0" {
		t.Fatalf("expected entry timeout and contract version, got %+v", res.Request)
	}

	in.Placement.PlacementType = "video_preroll"
	res, err = reg.AdaptRequest("source_a", in, contracts.AdaptContext{})
	if err != nil || res.OK || res.ReasonCode != contracts.ReasonPlacementNotSupported {
		t.Fatalf("expected placement rejection, got %+v err=%v", res, err)
	}
}

func TestRegisterHydratesPersistedStatus(t *testing.T) {
	t.Parallel()

	store := NewMemoryStatusStore()
	persistedAt := registryNow.Add(-time.Hour)
	if err := store.Save(context.Background(), "source_a", StatusRecord{Status: contracts.StatusDraining, Reason: "quota", UpdatedAt: persistedAt}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	reg := newTestRegistry(t, store)
	if _, err := reg.RegisterAdapter(context.Background(), testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	snapshot, _ := reg.GetAdapterSnapshot("source_a")
	if snapshot.Entry.Status != contracts.StatusDraining || snapshot.StatusReason != "quota" || !snapshot.Entry.UpdatedAt.Equal(persistedAt) {
		t.Fatalf("expected hydrated status, got %+v", snapshot)
	}
}

type failingStore struct{ *MemoryStatusStore }

func (failingStore) Save(context.Context, string, StatusRecord) error {
	return errors.New("store unavailable")
}

func TestUpdateStatusWriteFailureLeavesRegistryUnchanged(t *testing.T) {
	t.Parallel()

	store := failingStore{MemoryStatusStore: NewMemoryStatusStore()}
	reg := newTestRegistry(t, store)
	if _, err := reg.RegisterAdapter(context.Background(), testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.UpdateAdapterStatus(context.Background(), "source_a", contracts.StatusPaused, "x"); err == nil {
		t.Fatalf("expected store failure")
	}
	snapshot, _ := reg.GetAdapterSnapshot("source_a")
	if snapshot.Entry.Status != contracts.StatusActive {
		t.Fatalf("expected status unchanged after failed write, got %s", snapshot.Entry.Status)
	}
}

type gatedStore struct {
	*MemoryStatusStore
	entered chan contracts.SourceStatus
	release chan struct{}
}

func (s gatedStore) Save(ctx context.Context, sourceID string, rec StatusRecord) error {
	s.entered <- rec.Status
	<-s.release
	return s.MemoryStatusStore.Save(ctx, sourceID, rec)
}

func TestConcurrentStatusWritesAreSerialized(t *testing.T) {
	t.Parallel()

	store := gatedStore{
		MemoryStatusStore: NewMemoryStatusStore(),
		entered:           make(chan contracts.SourceStatus, 2),
		release:           make(chan struct{}),
	}
	reg := newTestRegistry(t, store)
	if _, err := reg.RegisterAdapter(context.Background(), testEntry("source_a"), testAdapter(t, "source_a")); err != nil {
		t.Fatalf("register: %v", err)
	}

	errs := make(chan error, 2)
	update := func(status contracts.SourceStatus) {
		_, err := reg.UpdateAdapterStatus(context.Background(), "source_a", status, "ops")
		errs <- err
	}
	go update(contracts.StatusPaused)
	if got := <-store.entered; got != contracts.StatusPaused {
		t.Fatalf("expected paused write first, got %s", got)
	}
	go update(contracts.StatusDraining)
	select {
	case got := <-store.entered:
		t.Fatalf("write %s reached the store while another was in flight", got)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("unexpected update error: %v", err)
		}
	}

	persisted, _, _ := store.Load(context.Background(), "source_a")
	snapshot, _ := reg.GetAdapterSnapshot("source_a")
	if persisted.Status != contracts.StatusDraining || snapshot.Entry.Status != persisted.Status {
		t.Fatalf("store and registry diverged: store=%s registry=%s", persisted.Status, snapshot.Entry.Status)
	}
}

type gatedAdapter struct {
	*adapter.Base
	entered chan string
	release chan struct{}
}

func (a gatedAdapter) Start(ctx context.Context) (contracts.HealthStatus, error) {
	a.entered <- "start"
	<-a.release
	return a.Base.Start(ctx)
}

func (a gatedAdapter) Stop(ctx context.Context) (contracts.HealthStatus, error) {
	a.entered <- "stop"
	<-a.release
	return a.Base.Stop(ctx)
}

func TestConcurrentLifecycleTransitionsAreSerialized(t *testing.T) {
	t.Parallel()

	a := gatedAdapter{Base: testAdapter(t, "source_a"), entered: make(chan string, 2), release: make(chan struct{})}
	reg := newTestRegistry(t, nil)
	if _, err := reg.RegisterAdapter(context.Background(), testEntry("source_a"), a); err != nil {
		t.Fatalf("register: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := reg.StartAdapter(context.Background(), "source_a")
		errs <- err
	}()
	if got := <-a.entered; got != "start" {
		t.Fatalf("expected start first, got %s", got)
	}
	go func() {
		_, err := reg.StopAdapter(context.Background(), "source_a")
		errs <- err
	}()
	select {
	case got := <-a.entered:
		t.Fatalf("%s reached the adapter while start was in flight", got)
	case <-time.After(50 * time.Millisecond):
	}
	close(a.release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("unexpected lifecycle error: %v", err)
		}
	}

	snapshot, _ := reg.GetAdapterSnapshot("source_a")
	if a.Started() || snapshot.LifecycleState != contracts.LifecycleStopped {
		t.Fatalf("adapter and registry diverged: started=%v lifecycle=%s", a.Started(), snapshot.LifecycleState)
	}
}

func TestRegistryEmitsLifecycleLogs(t *testing.T) {
	t.Parallel()

	sink := telemetry.NewMemorySink()
	pipeline := telemetry.NewPipeline(sink, telemetry.Config{QueueCapacity: 32})
	reg, err := New(Options{Emitter: pipeline, Now: func() time.Time { return registryNow }})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	registerRunning(t, reg, testEntry("source_a"))
	_ = pipeline.Close()

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected register and lifecycle logs, got %d", len(events))
	}
	if events[0].Log == nil || events[0].Log.Attributes["reason_code"] != string(contracts.ReasonAdapterRegistered) {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[1].Correlation.SourceID != "source_a" || events[1].Correlation.EmittedBy != "registry" {
		t.Fatalf("unexpected correlation %+v", events[1].Correlation)
	}
}

func TestRedisStatusStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("ASR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ASR_TEST_REDIS_ADDR not set")
	}

	store := NewRedisStatusStore(addr, os.Getenv("ASR_TEST_REDIS_PASSWORD"), 0)
	defer store.Close()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	sourceID := "redis_test_" + time.Now().UTC().Format("150405.000000000")
	if _, found, err := store.Load(ctx, sourceID); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}
	want := StatusRecord{Status: contracts.StatusPaused, Reason: "ops", UpdatedAt: registryNow}
	if err := store.Save(ctx, sourceID, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, found, err := store.Load(ctx, sourceID)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Status != want.Status || got.Reason != want.Reason || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Fatalf("unexpected round trip %+v", got)
	}
}
