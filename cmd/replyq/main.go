package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/replyq/internal/activity"
	"github.com/msageha/replyq/internal/confirm"
	"github.com/msageha/replyq/internal/ingest"
	"github.com/msageha/replyq/internal/logging"
	"github.com/msageha/replyq/internal/model"
	"github.com/msageha/replyq/internal/queue"
	"github.com/msageha/replyq/internal/server"
	"github.com/msageha/replyq/templates"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "sweep":
		runSweep(os.Args[2:])
	case "config":
		os.Stdout.Write(templates.ConfigYAML)
	case "version":
		fmt.Printf("replyq %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

type options struct {
	configPath string
	account    string
}

func parseOptions(args []string, allowAccount bool) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--config requires a value")
			}
			i++
			opts.configPath = args[i]
		case "--account":
			if !allowAccount {
				return opts, fmt.Errorf("unknown option: %s", args[i])
			}
			if i+1 >= len(args) {
				return opts, fmt.Errorf("--account requires a value")
			}
			i++
			opts.account = args[i]
		default:
			return opts, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return opts, nil
}

func loadConfig(path string) (model.Config, *logging.Logger) {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg, logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level))
}

func runServe(args []string) {
	opts, err := parseOptions(args, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: replyq serve [--config path]\n", err)
		os.Exit(1)
	}
	cfg, logger := loadConfig(opts.configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("serve_failed", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg model.Config, logger *logging.Logger) error {
	q, err := queue.New(cfg.Storage.TaskDir, cfg.Queue, logger.Named("queue"))
	if err != nil {
		return err
	}

	sink, err := activity.NewSink(cfg.Storage.LogDir)
	if err != nil {
		return err
	}
	defer sink.Close()
	reader := activity.NewReader(cfg.Storage.LogDir)

	var index *confirm.Index
	if cfg.Confirm.Mode != model.ConfirmModeScan {
		index, err = confirm.OpenIndex(filepath.Join(cfg.Storage.LogDir, "outbound.bleve"))
		if err != nil {
			return err
		}
		defer index.Close()
	}
	scanner := confirm.NewLogScanner(reader, confirm.ScanOptions{
		Files:          cfg.Confirm.LogFiles,
		TailBytes:      cfg.Confirm.TailBytes,
		ProximityBytes: cfg.Confirm.ProximityBytes,
		OutboundMarker: cfg.Confirm.OutboundMarker,
	}, logger.Named("confirm"))
	oracle := confirm.NewOracle(cfg.Confirm.Mode, index, scanner, logger.Named("confirm"))
	q.SetConfirmer(oracle)

	dedup, err := ingest.NewDeduper(cfg.Storage.TaskDir, cfg.Ingest.DedupRetentionDays, logger.Named("dedup"))
	if err != nil {
		return err
	}
	rules, err := ingest.RulesFromConfig(cfg.Ingest)
	if err != nil {
		return err
	}
	gateOpts := ingest.Options{
		DefaultAccount: cfg.Queue.DefaultAccount,
		WebhookSecret:  cfg.Ingest.WebhookSecret,
		DedupEnabled:   cfg.Ingest.DedupEnabled,
		Rules:          rules,
		Dedup:          dedup,
	}
	if index != nil {
		gateOpts.Recorder = index
	}
	gate := ingest.NewGate(q, sink, gateOpts, logger.Named("ingest"))

	reaper, err := queue.NewReaper(q, cfg.Queue.ReaperInterval(), logger.Named("reaper"))
	if err != nil {
		return err
	}
	reaper.AddHook(dedup.Prune)

	waiter, err := queue.NewWaiter(cfg.Storage.TaskDir, logger.Named("waiter"))
	if err != nil {
		logger.Warn("waiter_disabled", "error", err)
	} else {
		defer waiter.Close()
		q.SetWaiter(waiter)
	}

	srv := server.New(cfg, server.Deps{Queue: q, Gate: gate, Logs: reader, Oracle: oracle}, logger.Named("http"))
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listen", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
		defer cancel()
		logger.Info("http_shutdown")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return reaper.Run(gctx)
	})
	if waiter != nil {
		g.Go(func() error {
			return waiter.Run(gctx)
		})
	}
	return g.Wait()
}

func runSweep(args []string) {
	opts, err := parseOptions(args, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: replyq sweep [--config path] [--account name]\n", err)
		os.Exit(1)
	}
	cfg, logger := loadConfig(opts.configPath)

	q, err := queue.New(cfg.Storage.TaskDir, cfg.Queue, logger.Named("queue"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open queue: %v\n", err)
		os.Exit(1)
	}
	n, err := q.Sweep(context.Background(), opts.account)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("reclaimed %d\n", n)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `replyq %s - webhook-driven reply task queue

Usage: replyq <command> [options]

Commands:
  serve [--config path]                    Run HTTP API, webhook ingress and lock reaper
  sweep [--config path] [--account name]   Reclaim stale leases once and print the count
  config                                   Print the annotated example configuration
  version                                  Show version
  help                                     Show this help

Configuration is read from the optional --config file (.yaml or .toml) and
then from environment variables (PORT, API_KEY, LOG_DIR, TASK_DIR, ...).
`, version)
}
