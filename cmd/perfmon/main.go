// Package main is the entry point for the perfmon collection binary.
// An external timer (cron, agent job) invokes it periodically; each
// invocation runs one subcommand and exits. collect dispatches due
// collectors, watchdog checks for hung runs, schedule manages the
// schedule table, and install provisions the repository schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/collector"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/config"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/delta"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/parser"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/sampler"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/scheduler"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/storage/mssql"
	"github.com/erikdarlingdata/PerformanceMonitor-sub003/internal/watchdog"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `Usage: perfmon [-config path] <command>

Commands:
  collect    run due collectors (-force, -debug, -dry-run)
  watchdog   check for a hung collection run (-job, -max, -first-run-max, -terminate)
  schedule   manage the schedule table (list | set | enable | disable | profile)
  install    provision repository tables and seed the default schedule
  version    print the version and exit
`

func main() {
	configPath := flag.String("config", "perfmon.yaml", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Printf("perfmon %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	// One invocation does one unit of work; a signal cancels it cleanly
	// and the schedule table catches anything missed on the next tick.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, cancelling", zap.String("signal", sig.String()))
		cancel()
	}()

	store, err := mssql.Open(cfg.Database.ConnectionString(), cfg.Database.LockTimeout.Duration, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("Database unreachable", zap.Error(err))
	}

	switch args[0] {
	case "collect":
		err = runCollect(ctx, args[1:], cfg, store, logger)
	case "watchdog":
		err = runWatchdog(ctx, args[1:], cfg, store, logger)
	case "schedule":
		err = runSchedule(ctx, args[1:], store, logger)
	case "install":
		err = runInstall(ctx, store, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

// buildRegistry wires every collector against the store. Capture stages
// carry their parse and analysis chains so fresh raw events propagate to
// structured rows in the same cycle.
func buildRegistry(store *mssql.Store, logger *zap.Logger) *collector.Registry {
	db := store.DB()
	deltas := delta.NewEngine(logger)

	registry := collector.NewRegistry(logger)
	registry.Register(collector.NewSnapshotCollector(sampler.WaitStatsDomain, sampler.NewWaitStats(db), store, deltas, logger))
	registry.Register(collector.NewSnapshotCollector(sampler.FileIODomain, sampler.NewFileIO(db), store, deltas, logger))
	registry.Register(collector.NewSnapshotCollector(sampler.MemoryClerksDomain, sampler.NewMemoryClerks(db), store, deltas, logger))
	registry.Register(collector.NewSnapshotCollector(sampler.PerfCountersDomain, sampler.NewPerfCounters(db), store, deltas, logger))
	registry.Register(collector.NewSnapshotCollector(sampler.CPUSchedulingDomain, sampler.NewCPUScheduling(db), store, deltas, logger))

	blockedParse := collector.NewParseCollector(sampler.BlockedReportsDomain, sampler.BlockedProcessDomain,
		parser.NewBlockedReport(logger), store, logger)
	blockingAnalysis := collector.NewSnapshotCollector(sampler.BlockingAnalysisDomain, sampler.NewBlockingAnalysis(db), store, deltas, logger)
	registry.Register(collector.NewCaptureCollector(sampler.BlockedProcessDomain, sampler.NewBlockedProcess(db), store, logger,
		blockedParse, blockingAnalysis))
	registry.Register(blockedParse)
	registry.Register(blockingAnalysis)

	deadlockParse := collector.NewParseCollector(sampler.DeadlockReportsDomain, sampler.DeadlockDomain,
		parser.NewDeadlockReport(logger), store, logger)
	registry.Register(collector.NewCaptureCollector(sampler.DeadlockDomain, sampler.NewDeadlock(db), store, logger,
		deadlockParse))
	registry.Register(deadlockParse)

	return registry
}

func runCollect(ctx context.Context, args []string, cfg *config.Config, store *mssql.Store, logger *zap.Logger) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	force := fs.Bool("force", false, "Dispatch every enabled collector regardless of schedule")
	debug := fs.Bool("debug", false, "Verbose per-collector logging")
	dryRun := fs.Bool("dry-run", false, "Print due collectors without dispatching")
	fs.Parse(args)

	if *dryRun {
		return printDue(ctx, store, *force)
	}

	sched := scheduler.New(store, buildRegistry(store, logger), logger)
	sched.SetJobName(cfg.Scheduler.JobName)
	sched.SetLockWait(cfg.Scheduler.LockWait.Duration)
	return sched.RunPending(ctx, *force, *debug)
}

func printDue(ctx context.Context, store *mssql.Store, force bool) error {
	entries, err := store.ListSchedule(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		due := e.Enabled && (force || (e.NextRunTime != nil && !e.NextRunTime.After(now)))
		if due {
			fmt.Printf("%-24s every %s\n", e.CollectorName, e.Frequency())
		}
	}
	return nil
}

func runWatchdog(ctx context.Context, args []string, cfg *config.Config, store *mssql.Store, logger *zap.Logger) error {
	fs := flag.NewFlagSet("watchdog", flag.ExitOnError)
	job := fs.String("job", cfg.Scheduler.JobName, "Scheduler job name to check")
	max := fs.Duration("max", cfg.Watchdog.MaxDuration.Duration, "Steady-state run duration ceiling")
	firstRunMax := fs.Duration("first-run-max", cfg.Watchdog.FirstRunMaxDuration.Duration, "First-run-mode duration ceiling")
	terminate := fs.Bool("terminate", cfg.Watchdog.Terminate, "Kill a hung run instead of only logging it")
	fs.Parse(args)

	monitor := watchdog.New(store, watchdog.OSProcessController{}, logger)
	return monitor.Check(ctx, watchdog.Options{
		JobName:             *job,
		MaxDuration:         *max,
		FirstRunMaxDuration: *firstRunMax,
		Terminate:           *terminate,
	})
}

func runSchedule(ctx context.Context, args []string, store *mssql.Store, logger *zap.Logger) error {
	if len(args) == 0 {
		return fmt.Errorf("schedule requires a subcommand: list | set | enable | disable | profile")
	}

	switch args[0] {
	case "list":
		entries, err := store.ListSchedule(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %-8s %-10s %-8s %-20s %s\n",
			"COLLECTOR", "ENABLED", "FREQUENCY", "MAX", "NEXT RUN", "DESCRIPTION")
		for _, e := range entries {
			next := "-"
			if e.NextRunTime != nil {
				next = e.NextRunTime.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-24s %-8t %-10s %-8s %-20s %s\n",
				e.CollectorName, e.Enabled, e.Frequency(), e.MaxDuration(), next, e.Description)
		}
		return nil

	case "set":
		fs := flag.NewFlagSet("schedule set", flag.ExitOnError)
		name := fs.String("name", "", "Collector name")
		every := fs.Duration("every", 0, "Collection frequency")
		maxDuration := fs.Duration("max-duration", 0, "Per-run duration ceiling (0 leaves it unchanged)")
		enabled := fs.Bool("enabled", true, "Enabled flag")
		fs.Parse(args[1:])
		if *name == "" || *every <= 0 {
			return fmt.Errorf("schedule set requires -name and a positive -every")
		}
		var maxPtr *time.Duration
		if *maxDuration > 0 {
			maxPtr = maxDuration
		}
		return store.SetFrequency(ctx, *name, *every, maxPtr, enabled)

	case "enable", "disable":
		fs := flag.NewFlagSet("schedule "+args[0], flag.ExitOnError)
		name := fs.String("name", "", "Collector name")
		fs.Parse(args[1:])
		if *name == "" {
			return fmt.Errorf("schedule %s requires -name", args[0])
		}
		return store.SetEnabled(ctx, *name, args[0] == "enable")

	case "profile":
		fs := flag.NewFlagSet("schedule profile", flag.ExitOnError)
		name := fs.String("name", "", fmt.Sprintf("Profile name %v", scheduler.ProfileNames()))
		fs.Parse(args[1:])
		if *name == "" {
			return fmt.Errorf("schedule profile requires -name")
		}
		return scheduler.ApplyProfile(ctx, store, logger, *name)

	default:
		return fmt.Errorf("unknown schedule subcommand %q", args[0])
	}
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
