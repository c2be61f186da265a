package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Validate enforces supported dialects.
func (d Dialect) Validate() error {
	switch d {
	case DialectSQLite, DialectPostgres:
		return nil
	default:
		return fmt.Errorf("unsupported audit dialect: %q", d)
	}
}

const routeAuditColumns = "route_plan_id, opportunity_key, request_key, attempt_key, trace_key, final_action, short_circuit_action, short_circuit_reason_code, rule_version, trigger_step_index, remaining_budget_before_ms, remaining_budget_after_ms, served_source_id, step_count, plan_fingerprint, recorded_at_ms"

const routeAuditSchema = `
CREATE TABLE IF NOT EXISTS route_audit (
	route_plan_id TEXT PRIMARY KEY,
	opportunity_key TEXT NOT NULL,
	request_key TEXT NOT NULL,
	attempt_key TEXT NOT NULL,
	trace_key TEXT NOT NULL DEFAULT '',
	final_action TEXT NOT NULL,
	short_circuit_action TEXT NOT NULL,
	short_circuit_reason_code TEXT NOT NULL DEFAULT '',
	rule_version TEXT NOT NULL,
	trigger_step_index INTEGER NOT NULL,
	remaining_budget_before_ms BIGINT NOT NULL,
	remaining_budget_after_ms BIGINT NOT NULL,
	served_source_id TEXT NOT NULL DEFAULT '',
	step_count INTEGER NOT NULL,
	plan_fingerprint TEXT NOT NULL DEFAULT '',
	recorded_at_ms BIGINT NOT NULL
);`

const routeAuditIndex = `CREATE INDEX IF NOT EXISTS route_audit_opportunity_idx ON route_audit (opportunity_key);`

// SQLStore persists route records in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db and creates the route_audit table if missing.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("audit database handle is required")
	}
	if err := dialect.Validate(); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite audit database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite audit path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit store: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	store, err := NewSQLStore(ctx, db, DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres connects to a Postgres audit database.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres audit dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres audit store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres audit store: %w", err)
	}
	store, err := NewSQLStore(ctx, db, DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, routeAuditSchema); err != nil {
		return fmt.Errorf("create route_audit table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, routeAuditIndex); err != nil {
		return fmt.Errorf("create route_audit index: %w", err)
	}
	return nil
}

// AppendRouteRecord inserts one record; a repeated route_plan_id is an error.
func (s *SQLStore) AppendRouteRecord(ctx context.Context, r RouteRecord) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid route audit record: %w", err)
	}
	query := "INSERT INTO route_audit (" + routeAuditColumns + ") VALUES (" + s.placeholders(16) + ")"
	_, err := s.db.ExecContext(ctx, query,
		r.RoutePlanID, r.OpportunityKey, r.RequestKey, r.AttemptKey, r.TraceKey,
		r.FinalAction, r.ShortCircuitAction, r.ShortCircuitReasonCode, r.RuleVersion,
		r.TriggerStepIndex, r.RemainingBudgetBeforeMS, r.RemainingBudgetAfterMS,
		r.ServedSourceID, r.StepCount, r.PlanFingerprint, r.RecordedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert route audit record %s: %w", r.RoutePlanID, err)
	}
	return nil
}

// ListByOpportunity returns records for one opportunity, oldest first.
func (s *SQLStore) ListByOpportunity(ctx context.Context, opportunityKey string) ([]RouteRecord, error) {
	query := "SELECT " + routeAuditColumns + " FROM route_audit WHERE opportunity_key = " + s.placeholder(1) + " ORDER BY recorded_at_ms ASC, route_plan_id ASC"
	rows, err := s.db.QueryContext(ctx, query, opportunityKey)
	if err != nil {
		return nil, fmt.Errorf("query route audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]RouteRecord, 0)
	for rows.Next() {
		var (
			r          RouteRecord
			recordedMS int64
		)
		if err := rows.Scan(
			&r.RoutePlanID, &r.OpportunityKey, &r.RequestKey, &r.AttemptKey, &r.TraceKey,
			&r.FinalAction, &r.ShortCircuitAction, &r.ShortCircuitReasonCode, &r.RuleVersion,
			&r.TriggerStepIndex, &r.RemainingBudgetBeforeMS, &r.RemainingBudgetAfterMS,
			&r.ServedSourceID, &r.StepCount, &r.PlanFingerprint, &recordedMS,
		); err != nil {
			return nil, fmt.Errorf("scan route audit record: %w", err)
		}
		r.RecordedAt = time.UnixMilli(recordedMS).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate route audit records: %w", err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) placeholders(count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = s.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}
