package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrRoutePlanIDRequired    = errors.New("route audit route_plan_id is required")
	ErrOpportunityKeyRequired = errors.New("route audit opportunity_key is required")
	ErrActionRequired         = errors.New("route audit short_circuit_action is required")
)

// RouteRecord is the immutable audit row written once per executed route.
type RouteRecord struct {
	RoutePlanID             string    `json:"route_plan_id"`
	OpportunityKey          string    `json:"opportunity_key"`
	RequestKey              string    `json:"request_key"`
	AttemptKey              string    `json:"attempt_key"`
	TraceKey                string    `json:"trace_key,omitempty"`
	FinalAction             string    `json:"final_action"`
	ShortCircuitAction      string    `json:"short_circuit_action"`
	ShortCircuitReasonCode  string    `json:"short_circuit_reason_code,omitempty"`
	RuleVersion             string    `json:"route_plan_rule_version"`
	TriggerStepIndex        int       `json:"trigger_step_index"`
	RemainingBudgetBeforeMS int64     `json:"remaining_budget_before_ms"`
	RemainingBudgetAfterMS  int64     `json:"remaining_budget_after_ms"`
	ServedSourceID          string    `json:"served_source_id,omitempty"`
	StepCount               int       `json:"step_count"`
	PlanFingerprint         string    `json:"plan_fingerprint,omitempty"`
	RecordedAt              time.Time `json:"recorded_at"`
}

// Validate enforces the identifying fields.
func (r RouteRecord) Validate() error {
	if strings.TrimSpace(r.RoutePlanID) == "" {
		return ErrRoutePlanIDRequired
	}
	if strings.TrimSpace(r.OpportunityKey) == "" {
		return ErrOpportunityKeyRequired
	}
	if strings.TrimSpace(r.ShortCircuitAction) == "" {
		return ErrActionRequired
	}
	if r.TriggerStepIndex < 0 {
		return fmt.Errorf("route audit trigger_step_index must be >=0")
	}
	return nil
}

// Recorder appends route audit records.
type Recorder interface {
	AppendRouteRecord(ctx context.Context, record RouteRecord) error
}

// Reader lists route audit records for an opportunity in recorded order.
type Reader interface {
	ListByOpportunity(ctx context.Context, opportunityKey string) ([]RouteRecord, error)
}

// MemoryStore keeps route records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []RouteRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendRouteRecord(_ context.Context, record RouteRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("invalid route audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *MemoryStore) ListByOpportunity(_ context.Context, opportunityKey string) ([]RouteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RouteRecord, 0)
	for _, r := range s.records {
		if r.OpportunityKey == opportunityKey {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// Records returns a snapshot of every record.
func (s *MemoryStore) Records() []RouteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RouteRecord(nil), s.records...)
}
