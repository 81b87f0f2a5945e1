// Command queuectl is the single binary for the job orchestrator: it
// dispatches to one of the subcommands below, loading configuration from
// the environment before constructing any dependencies.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "queuectl/configs"
	"queuectl/pkg/api"
	"queuectl/pkg/clock"
	"queuectl/pkg/executor/runner"
	"queuectl/pkg/jobmanager"
	"queuectl/pkg/logger"
	"queuectl/pkg/logstore"
	"queuectl/pkg/models"
	tracing "queuectl/pkg/observability"
	"queuectl/pkg/storage"
	"queuectl/pkg/storage/sqlite"
	"queuectl/pkg/worker"
)

// Exit codes: 0 success, 1 user/input error (never retried), 2 transient
// failure, 130 interrupted by signal.
const (
	exitOK          = 0
	exitUserInput   = 1
	exitTransient   = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return exitUserInput
	}

	cfg := config.Load()
	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutput,
		Service:    "queuectl",
	})
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return exitTransient
	}
	defer logger.Sync()

	cmd, rest := args[0], args[1:]

	if cmd == "init" {
		return cmdInit(cfg, stdout, stderr)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Error("open store", zap.Error(err))
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitTransient
	}
	defer store.Close()

	mgr := jobmanager.New(store, clock.New(), nil)

	switch cmd {
	case "enqueue":
		return cmdEnqueue(mgr, rest, stdout, stderr)
	case "list":
		return cmdList(mgr, rest, stdout, stderr)
	case "status":
		return cmdStatus(mgr, stdout, stderr)
	case "logs":
		return cmdLogs(mgr, rest, stdout, stderr)
	case "metrics":
		return cmdMetrics(mgr, stdout, stderr)
	case "dlq":
		return cmdDLQ(mgr, rest, stdout, stderr)
	case "config":
		return cmdConfig(mgr, rest, stdout, stderr)
	case "worker":
		return cmdWorker(cfg, store, mgr, log, rest, stdout, stderr)
	case "dashboard":
		return cmdDashboard(cfg, mgr, log, rest, stdout, stderr)
	default:
		fmt.Fprintln(stderr, usage())
		return exitUserInput
	}
}

func usage() string {
	return `usage: queuectl <command> [args]

commands:
  init
  enqueue <json>
  list [--state S] [--limit N]
  status
  logs <id>
  worker start [--count N]
  worker reap
  metrics
  dlq list
  dlq retry <id>
  config show
  config set <key> <value>
  dashboard start [--addr host:port]`
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	store.SetReapGrace(time.Duration(cfg.ReapGraceSeconds) * time.Second)
	if err := store.Init(context.Background()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func cmdInit(cfg config.Config, stdout, stderr io.Writer) int {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitTransient
	}
	defer store.Close()
	if _, err := logstore.NewLocalStore(cfg.LogDir()); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitTransient
	}
	fmt.Fprintf(stdout, "initialized data directory %s\n", cfg.DataDir)
	return exitOK
}

func cmdEnqueue(mgr *jobmanager.Manager, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: queuectl enqueue <json>")
		return exitUserInput
	}
	spec, err := jobmanager.ParseEnqueueSpec([]byte(args[0]))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUserInput
	}
	job, err := mgr.Enqueue(context.Background(), spec)
	if err != nil {
		return reportError(err, stderr)
	}
	return printJSON(job, stdout, stderr)
}

func cmdList(mgr *jobmanager.Manager, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	state := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 50, "max results")
	if err := fs.Parse(args); err != nil {
		return exitUserInput
	}
	jobs, err := mgr.List(context.Background(), models.State(*state), *limit)
	if err != nil {
		return reportError(err, stderr)
	}
	return printJSON(jobs, stdout, stderr)
}

func cmdStatus(mgr *jobmanager.Manager, stdout, stderr io.Writer) int {
	status, err := mgr.Status(context.Background())
	if err != nil {
		return reportError(err, stderr)
	}
	return printJSON(status, stdout, stderr)
}

func cmdLogs(mgr *jobmanager.Manager, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: queuectl logs <id>")
		return exitUserInput
	}
	logs, err := mgr.Logs(context.Background(), args[0])
	if err != nil {
		return reportError(err, stderr)
	}
	return printJSON(logs, stdout, stderr)
}

func cmdMetrics(mgr *jobmanager.Manager, stdout, stderr io.Writer) int {
	snap, err := mgr.Metrics(context.Background())
	if err != nil {
		return reportError(err, stderr)
	}
	return printJSON(snap, stdout, stderr)
}

func cmdDLQ(mgr *jobmanager.Manager, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: queuectl dlq <list|retry> [id]")
		return exitUserInput
	}
	switch args[0] {
	case "list":
		jobs, err := mgr.DLQList(context.Background(), 100)
		if err != nil {
			return reportError(err, stderr)
		}
		return printJSON(jobs, stdout, stderr)
	case "retry":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: queuectl dlq retry <id>")
			return exitUserInput
		}
		if err := mgr.DLQRetry(context.Background(), args[1]); err != nil {
			return reportError(err, stderr)
		}
		fmt.Fprintln(stdout, "ok")
		return exitOK
	default:
		fmt.Fprintln(stderr, "usage: queuectl dlq <list|retry> [id]")
		return exitUserInput
	}
}

func cmdConfig(mgr *jobmanager.Manager, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: queuectl config <show|set> [key value]")
		return exitUserInput
	}
	switch args[0] {
	case "show":
		cfg, err := mgr.ConfigGet(context.Background())
		if err != nil {
			return reportError(err, stderr)
		}
		return printJSON(cfg, stdout, stderr)
	case "set":
		if len(args) != 3 {
			fmt.Fprintln(stderr, "usage: queuectl config set <key> <value>")
			return exitUserInput
		}
		var value int
		if _, err := fmt.Sscanf(args[2], "%d", &value); err != nil {
			fmt.Fprintf(stderr, "error: value must be an integer: %v\n", err)
			return exitUserInput
		}
		if err := mgr.ConfigSet(context.Background(), args[1], value); err != nil {
			return reportError(err, stderr)
		}
		fmt.Fprintln(stdout, "ok")
		return exitOK
	default:
		fmt.Fprintln(stderr, "usage: queuectl config <show|set> [key value]")
		return exitUserInput
	}
}

func cmdWorker(cfg config.Config, store storage.Store, mgr *jobmanager.Manager, log *zap.Logger, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: queuectl worker <start|reap>")
		return exitUserInput
	}

	switch args[0] {
	case "reap":
		n, err := mgr.Reap(context.Background(), time.Duration(cfg.ReapGraceSeconds)*time.Second)
		if err != nil {
			return reportError(err, stderr)
		}
		fmt.Fprintf(stdout, "reaped %d orphaned job(s)\n", n)
		return exitOK

	case "start":
		fs := flag.NewFlagSet("worker start", flag.ContinueOnError)
		count := fs.Int("count", cfg.WorkerCount, "number of workers (0 = auto-size)")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUserInput
		}

		logs := buildLogStore(cfg, log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		pool := worker.NewPool(store, &runner.ShellRunner{}, clock.New(), log, logs)
		pool.Start(ctx, *count)
		log.Info("worker pool started", zap.Int("count", *count))

		<-sigChan
		log.Info("received shutdown signal, waiting for in-flight jobs")
		cancel()
		pool.Wait()
		log.Info("worker pool stopped")
		return exitInterrupted

	default:
		fmt.Fprintln(stderr, "usage: queuectl worker <start|reap>")
		return exitUserInput
	}
}

func cmdDashboard(cfg config.Config, mgr *jobmanager.Manager, log *zap.Logger, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "start" {
		fmt.Fprintln(stderr, "usage: queuectl dashboard start [--addr host:port]")
		return exitUserInput
	}

	fs := flag.NewFlagSet("dashboard start", flag.ContinueOnError)
	addr := fs.String("addr", cfg.DashboardAddr, "listen address")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUserInput
	}

	ctx := context.Background()
	var provider *tracing.Provider
	if cfg.TracingEndpoint != "" {
		tcfg := tracing.DefaultConfig("queuectl-dashboard")
		tcfg.Enabled = true
		tcfg.Endpoint = cfg.TracingEndpoint
		p, err := tracing.Init(ctx, tcfg)
		if err != nil {
			log.Warn("tracing init failed, continuing without it", zap.Error(err))
		} else {
			provider = p
			defer provider.Shutdown(ctx)
		}
	}

	server := api.NewServer(api.Config{Addr: *addr, Manager: mgr, Log: log, Tracing: provider})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Error("dashboard server error", zap.Error(err))
		}
	}()

	<-sigChan
	log.Info("received shutdown signal")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("dashboard shutdown error", zap.Error(err))
	}
	return exitInterrupted
}

func buildLogStore(cfg config.Config, log *zap.Logger) logstore.LogStore {
	local, err := logstore.NewLocalStore(cfg.LogDir())
	if err != nil {
		log.Warn("log archival disabled: could not create log directory", zap.Error(err))
		return nil
	}
	if cfg.S3Bucket == "" {
		return local
	}

	remote, err := logstore.NewS3Store(context.Background(), logstore.S3Config{
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
	})
	if err != nil {
		log.Warn("S3 log archival disabled: failed to build client", zap.Error(err))
		return local
	}
	return logstore.NewArchivingStore(local, remote, log)
}

func reportError(err error, stderr io.Writer) int {
	fmt.Fprintf(stderr, "error: %v\n", err)
	if jobmanager.IsUserInput(err) {
		return exitUserInput
	}
	return exitTransient
}

func printJSON(v interface{}, stdout, stderr io.Writer) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitTransient
	}
	return exitOK
}
