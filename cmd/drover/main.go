package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/calyptra/drover/pkg/agent"
	"github.com/calyptra/drover/pkg/dispatcher"
	"github.com/calyptra/drover/pkg/events"
	"github.com/calyptra/drover/pkg/gpu"
	"github.com/calyptra/drover/pkg/health"
	"github.com/calyptra/drover/pkg/hosts"
	"github.com/calyptra/drover/pkg/llm"
	"github.com/calyptra/drover/pkg/log"
	"github.com/calyptra/drover/pkg/metrics"
	"github.com/calyptra/drover/pkg/notify"
	"github.com/calyptra/drover/pkg/reconciler"
	"github.com/calyptra/drover/pkg/runtime"
	"github.com/calyptra/drover/pkg/scheduler"
	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/tasks"
	"github.com/calyptra/drover/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagInterval    time.Duration
	flagClaimTTL    time.Duration
	flagBatch       int
	flagClaimant    string
	flagMetricsAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - crash-safe job and agent orchestrator",
	Long: `Drover schedules, dispatches and supervises containerized worker
jobs across a small fleet of container-engine hosts, with GPU-aware
placement, TTL claim leases for multi-instance safety, and a strict
no-LLM-content persistence guardrail.

Each loop (scheduler, dispatcher, agent executor, host monitor) can run
in its own process or fused in one.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().DurationVar(&flagInterval, "interval", 0, "Tick interval (0 = component default)")
	rootCmd.PersistentFlags().DurationVar(&flagClaimTTL, "claim-ttl", 0, "Claim lease TTL (0 = component default)")
	rootCmd.PersistentFlags().IntVar(&flagBatch, "batch", 0, "Claim batch size (0 = component default)")
	rootCmd.PersistentFlags().StringVar(&flagClaimant, "claimant", "", "Claimant id (default hostname:pid)")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(agentExecutorCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(reconcilerCmd)
	rootCmd.AddCommand(allCmd)

	log.Init(log.Config{
		Level:      log.Level(envOr("LOG_LEVEL", "info")),
		JSONOutput: true,
		Redact:     envBool("REDACTION_ENABLED", true),
	})
	metrics.SetVersion(Version)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// app bundles the shared wiring every subcommand needs.
type app struct {
	store       storage.Store
	broker      *events.Broker
	hostReg     *hosts.Registry
	logsRoot    string
	uploadsRoot string
}

func newApp(ctx context.Context) (*app, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	store, err := storage.NewPostgresStore(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	metrics.RegisterComponent("database", true, "connected")

	broker := events.NewBroker()
	broker.Start()

	return &app{
		store:       store,
		broker:      broker,
		hostReg:     hosts.NewRegistry(store, 0),
		logsRoot:    envOr("LOGS_ROOT", "/var/lib/drover/logs"),
		uploadsRoot: envOr("UPLOADS_ROOT", "/var/lib/drover/uploads"),
	}, nil
}

func (a *app) close() {
	a.broker.Stop()
	if err := a.store.Close(); err != nil {
		logger := log.WithComponent("main")
		logger.Error().Err(err).Msg("store close failed")
	}
}

func llmEndpoint() string {
	return envOr("LLM_ENDPOINT", "http://localhost:8000/v1/completions")
}

// taskRegistry wires the built-in tasks against the LLM endpoint and
// the container engines.
func (a *app) taskRegistry() *tasks.Registry {
	llmClient := llm.NewClient(llmEndpoint(), a.store)
	collector := tasks.NewStoreLogCollector(a.store, runtime.ForHost)

	registry := tasks.NewRegistry()
	registry.Register(tasks.NewLogTriage(a.store, llmClient, collector, a.logsRoot))
	registry.Register(tasks.NewGPUReport(a.store, a.logsRoot))
	registry.Register(tasks.NewServiceMap(a.store, a.logsRoot))
	registry.Register(tasks.NewRepoCopilotPlan(a.store, llmClient, a.logsRoot))
	return registry
}

func (a *app) dispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(a.store, a.taskRegistry(), a.hostReg, a.broker, dispatcher.Config{
		TickInterval: flagInterval,
		ClaimTTL:     flagClaimTTL,
		BatchSize:    flagBatch,
		Claimant:     flagClaimant,
	})
}

func (a *app) orchestrator() *worker.Orchestrator {
	return worker.NewOrchestrator(a.store, gpu.NewScheduler(a.store), runtime.ForHost, a.broker, a.logsRoot, a.uploadsRoot)
}

// notificationSink builds the sink from the environment. Email is only
// offered when an SMTP relay is configured.
func (a *app) notificationSink() *notify.Sink {
	senders := []notify.Sender{notify.NewDiscordSender()}
	if addr := os.Getenv("SMTP_ADDR"); addr != "" {
		senders = append(senders, notify.NewEmailSender(notify.SMTPConfig{
			Addr:     addr,
			From:     os.Getenv("SMTP_FROM"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
		}))
	}
	return notify.NewSink(a.store, a.broker, senders...)
}

// serveMetrics exposes the Prometheus handler and the health endpoints
// until the process exits.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger := log.WithComponent("metrics")
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nShutting down...")
}

type starter interface {
	Start()
	Stop()
}

// markRunning registers the loops this process hosts so the readiness
// endpoint reflects what actually runs here.
func markRunning(names ...string) {
	for _, name := range names {
		metrics.RegisterComponent(name, true, "running")
	}
}

// endpointWatch keeps the health view of an HTTP dependency current.
type endpointWatch struct {
	name    string
	checker *health.HTTPChecker
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func watchEndpoint(name, url string) *endpointWatch {
	checker := health.NewHTTPChecker(url)
	// A 4xx still proves the endpoint is up; completion URLs reject GET.
	checker.ExpectedStatusMax = 499
	return &endpointWatch{
		name:    name,
		checker: checker,
		stopCh:  make(chan struct{}),
	}
}

func (w *endpointWatch) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		w.check()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.check()
			}
		}
	}()
}

func (w *endpointWatch) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *endpointWatch) check() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result := w.checker.Check(ctx)
	metrics.UpdateComponent(w.name, result.Healthy, result.Message)
}

// runComponents starts the components plus the store-backed gauge
// collector, serves metrics, and stops everything in reverse order on
// shutdown.
func runComponents(a *app, components ...starter) {
	serveMetrics(flagMetricsAddr)
	components = append([]starter{metrics.NewCollector(a.store)}, components...)
	for _, c := range components {
		c.Start()
	}
	waitForShutdown()
	for i := len(components) - 1; i >= 0; i-- {
		components[i].Stop()
	}
	a.close()
	fmt.Println("✓ Shutdown complete")
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the schedule-firing loop",
	Long: `Claims due schedules under a TTL lease, creates their pending
Runs with jobs and queue items, and advances next_fire_at. Safe to run
on several instances at once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		sched := scheduler.New(a.store, a.broker, scheduler.Config{
			TickInterval: flagInterval,
			ClaimTTL:     flagClaimTTL,
			BatchSize:    flagBatch,
			Claimant:     flagClaimant,
		})
		markRunning("scheduler")
		runComponents(a, sched)
		return nil
	},
}

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the job execution loop",
	Long: `Claims pending queue items, selects a worker host, executes the
job's task and keeps the Run aggregate current. Also runs the
notification sink so finished runs reach their targets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		markRunning("dispatcher")
		runComponents(a, a.dispatcher(), a.notificationSink(), watchEndpoint("llm_endpoint", llmEndpoint()))
		return nil
	},
}

var agentExecutorCmd = &cobra.Command{
	Use:   "agent-executor",
	Short: "Run the agent step execution loop",
	Long: `Claims pending agent runs and walks their step plans under the
step, wall-time and token budgets. task_call steps execute through the
same pipeline the dispatcher uses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		exec := agent.NewExecutor(a.store, a.dispatcher(), a.broker, agent.Config{
			TickInterval: flagInterval,
			ClaimTTL:     flagClaimTTL,
			BatchSize:    flagBatch,
			Claimant:     flagClaimant,
		})
		markRunning("agent-executor")
		runComponents(a, exec, watchEndpoint("llm_endpoint", llmEndpoint()))
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the host health probe loop",
	Long: `Probes every enabled worker host's container engine, applies
failure hysteresis, demotes stale hosts and reconciles the active-runs
counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		mon := hosts.NewMonitor(a.store, runtime.ForHost, a.broker, hosts.MonitorConfig{
			ProbeInterval: flagInterval,
		})
		markRunning("host-monitor")
		runComponents(a, mon)
		return nil
	},
}

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Run the housekeeping sweep loop",
	Long: `Removes exited worker containers left behind by crashed
instances, returns their GPU slots, and retries failed notification
deliveries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		rec := reconciler.New(a.orchestrator(), a.notificationSink(), reconciler.Config{
			TickInterval: flagInterval,
		})
		markRunning("reconciler")
		runComponents(a, rec)
		return nil
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every loop fused in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		disp := a.dispatcher()
		sched := scheduler.New(a.store, a.broker, scheduler.Config{
			TickInterval: flagInterval,
			ClaimTTL:     flagClaimTTL,
			BatchSize:    flagBatch,
			Claimant:     flagClaimant,
		})
		exec := agent.NewExecutor(a.store, disp, a.broker, agent.Config{
			Claimant: flagClaimant,
		})
		mon := hosts.NewMonitor(a.store, runtime.ForHost, a.broker, hosts.MonitorConfig{})
		sink := a.notificationSink()
		rec := reconciler.New(a.orchestrator(), sink, reconciler.Config{})
		markRunning("scheduler", "dispatcher", "agent-executor", "host-monitor", "reconciler")
		runComponents(a, mon, sched, disp, exec, sink, rec, watchEndpoint("llm_endpoint", llmEndpoint()))
		return nil
	},
}
