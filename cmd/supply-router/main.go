package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tiger/ad-supply-router/internal/observability/telemetry"
	"github.com/tiger/ad-supply-router/internal/runtime/auction"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/bootstrap"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/config"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/contracts"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/dispatch"
	"github.com/tiger/ad-supply-router/internal/runtime/supply/planner"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "supply-router: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, _ io.Writer, now func() time.Time) error {
	cleanupTelemetry, err := setupRuntimeTelemetry()
	if err != nil {
		return err
	}
	defer cleanupTelemetry()

	if len(args) == 0 {
		printUsage(stdout)
		return errors.New("command is required")
	}

	switch args[0] {
	case "bootstrap":
		return runBootstrap(args[1:], stdout, now)
	case "plan":
		return runPlan(args[1:], stdout, now)
	case "dispatch":
		return runDispatch(args[1:], stdout, now)
	case "auction":
		return runAuction(args[1:], stdout, now)
	case "status":
		return runStatus(args[1:], stdout, now)
	case "audit":
		return runAudit(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func setupRuntimeTelemetry() (func(), error) {
	previous := telemetry.DefaultEmitter()

	pipeline, err := telemetry.NewPipelineFromEnv()
	if err != nil {
		return nil, fmt.Errorf("runtime telemetry setup failed: %w", err)
	}
	if pipeline == nil {
		return func() {
			telemetry.SetDefaultEmitter(previous)
		}, nil
	}

	telemetry.SetDefaultEmitter(pipeline)
	return func() {
		pipeline.ReportDrops(pipeline)
		_ = pipeline.Close()
		telemetry.SetDefaultEmitter(previous)
	}, nil
}

// session is a bootstrapped runtime plus the stores it was built on.
type session struct {
	runtime bootstrap.Runtime
	stores  bootstrap.Stores
}

func (s session) Close() error {
	return s.stores.Close()
}

func openSession(ctx context.Context, configPath string, now func() time.Time) (session, error) {
	env, err := config.RuntimeFromEnv()
	if err != nil {
		return session{}, err
	}
	if strings.TrimSpace(configPath) == "" {
		configPath = env.ConfigPath
	}
	if strings.TrimSpace(configPath) == "" {
		return session{}, fmt.Errorf("-config or %s is required", config.EnvConfigPath)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return session{}, err
	}
	stores, err := bootstrap.OpenStores(ctx, env)
	if err != nil {
		return session{}, err
	}
	rt, err := bootstrap.Build(ctx, cfg, bootstrap.Options{
		Store:    stores.Status,
		Recorder: stores.Recorder,
		Now:      now,
	})
	if err != nil {
		_ = stores.Close()
		return session{}, fmt.Errorf("supply bootstrap failed: %w", err)
	}
	return session{runtime: rt, stores: stores}, nil
}

func runBootstrap(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to engine config yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := openSession(context.Background(), *configPath, now)
	if err != nil {
		return err
	}
	defer s.Close()
	_, _ = fmt.Fprintf(stdout, "supply-router: %s\n", bootstrap.Summary(s.runtime))
	return nil
}

type planOutput struct {
	Plan planner.Result `json:"plan"`
}

func runPlan(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to engine config yaml")
	requestPath := fs.String("request", "", "path to route request json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := readRouteRequest(*requestPath)
	if err != nil {
		return err
	}
	s, err := openSession(context.Background(), *configPath, now)
	if err != nil {
		return err
	}
	defer s.Close()
	result := s.runtime.Planner.BuildRoutePlan(s.runtime.PlanInput(req))
	return writeJSON(stdout, planOutput{Plan: result})
}

type dispatchOutput struct {
	Plan     planner.Result   `json:"plan"`
	Dispatch *dispatch.Result `json:"dispatch,omitempty"`
}

func runDispatch(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to engine config yaml")
	requestPath := fs.String("request", "", "path to route request json")
	search := fs.String("search", "", "search text passed to connectors")
	routePlanID := fs.String("route-plan-id", "", "route plan id; generated when empty")
	timeoutMS := fs.Int64("timeout-ms", 0, "overall command timeout in milliseconds; 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeoutMS < 0 {
		return fmt.Errorf("-timeout-ms must be >=0")
	}

	req, err := readRouteRequest(*requestPath)
	if err != nil {
		return err
	}
	if *search != "" {
		req.Search = *search
	}
	if *routePlanID != "" {
		req.RoutePlanID = *routePlanID
	}

	ctx := context.Background()
	if *timeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeoutMS)*time.Millisecond)
		defer cancel()
	}
	s, err := openSession(ctx, *configPath, now)
	if err != nil {
		return err
	}
	defer s.Close()

	plan, result, err := s.runtime.Route(ctx, req)
	if err != nil {
		return fmt.Errorf("dispatch route: %w", err)
	}
	out := dispatchOutput{Plan: plan}
	if plan.OK && plan.RoutePlan.RoutePlanStatus != contracts.PlanTerminated {
		out.Dispatch = &result
	}
	return writeJSON(stdout, out)
}

func runAuction(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("auction", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	inputPath := fs.String("input", "", "path to auction input json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*inputPath) == "" {
		return fmt.Errorf("-input is required")
	}

	var in auction.Input
	if err := readJSONFile(*inputPath, &in); err != nil {
		return err
	}
	result := auction.New(telemetry.DefaultEmitter(), now).Run(in)
	return writeJSON(stdout, result)
}

func runStatus(args []string, stdout io.Writer, now func() time.Time) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "path to engine config yaml")
	sourceID := fs.String("source", "", "source id to update")
	status := fs.String("status", "", "target status (active, paused, draining, stopped)")
	reason := fs.String("reason", "", "operator reason recorded with the status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*sourceID) == "" {
		return fmt.Errorf("-source is required")
	}
	target := contracts.SourceStatus(strings.ToLower(strings.TrimSpace(*status)))
	if err := target.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, *configPath, now)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.runtime.Registry.UpdateAdapterStatus(ctx, *sourceID, target, *reason)
	if err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("update status for %s: %s", *sourceID, result.ReasonCode)
	}
	_, _ = fmt.Fprintf(stdout, "supply-router: %s status=%s\n", *sourceID, target)
	return nil
}

func runAudit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opportunity := fs.String("opportunity", "", "opportunity key to list route audit records for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*opportunity) == "" {
		return fmt.Errorf("-opportunity is required")
	}

	env, err := config.RuntimeFromEnv()
	if err != nil {
		return err
	}
	if env.AuditSQLitePath == "" && env.AuditPostgresDSN == "" && env.AuditJSONLPath == "" {
		return fmt.Errorf("%s, %s or %s is required", config.EnvAuditSQLitePath, config.EnvAuditPostgresDSN, config.EnvAuditJSONLPath)
	}
	env.RedisAddr = ""
	ctx := context.Background()
	stores, err := bootstrap.OpenStores(ctx, env)
	if err != nil {
		return err
	}
	defer stores.Close()

	records, err := stores.Reader.ListByOpportunity(ctx, *opportunity)
	if err != nil {
		return err
	}
	return writeJSON(stdout, records)
}

func readRouteRequest(path string) (bootstrap.RouteRequest, error) {
	if strings.TrimSpace(path) == "" {
		return bootstrap.RouteRequest{}, fmt.Errorf("-request is required")
	}
	var req bootstrap.RouteRequest
	if err := readJSONFile(path, &req); err != nil {
		return bootstrap.RouteRequest{}, err
	}
	return req, nil
}

func readJSONFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "supply-router usage:")
	_, _ = fmt.Fprintln(w, "  supply-router bootstrap [-config <path>]")
	_, _ = fmt.Fprintln(w, "  supply-router plan -request <path> [-config <path>]")
	_, _ = fmt.Fprintln(w, "  supply-router dispatch -request <path> [-config <path>] [-search <text>] [-route-plan-id <id>] [-timeout-ms <ms>]")
	_, _ = fmt.Fprintln(w, "  supply-router auction -input <path>")
	_, _ = fmt.Fprintln(w, "  supply-router status -source <id> -status <active|paused|draining|stopped> [-reason <text>] [-config <path>]")
	_, _ = fmt.Fprintln(w, "  supply-router audit -opportunity <key>")
}
