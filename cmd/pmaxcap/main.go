package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/pmaxcap/internal/api"
	"github.com/platformbuilds/pmaxcap/internal/config"
	"github.com/platformbuilds/pmaxcap/internal/events"
	"github.com/platformbuilds/pmaxcap/internal/export"
	"github.com/platformbuilds/pmaxcap/internal/orchestrator"
	"github.com/platformbuilds/pmaxcap/internal/selftelemetry"
	"github.com/platformbuilds/pmaxcap/internal/store"
	"github.com/platformbuilds/pmaxcap/internal/tracing"
	"github.com/platformbuilds/pmaxcap/internal/unisphere"
	"github.com/platformbuilds/pmaxcap/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "pmaxcap: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	showVersion bool
	once        bool
	exportPath  string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("pmaxcap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to config yaml (environment only when empty)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	fs.BoolVar(&o.once, "once", false, "run one collection, print a summary and exit")
	fs.StringVar(&o.exportPath, "export", "", "with -once, also write the snapshot as JSON to this file")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.exportPath != "" && !o.once {
		return o, errors.New("-export requires -once")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.Print("pmaxcap"))
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := newLogger(stderr, cfg.Log.Format, level)
	slog.SetDefault(logger)

	logger.Info("pmaxcap starting",
		"version", version.Version(),
		"array_id", cfg.Unisphere.ArrayID,
		"host", cfg.Unisphere.Host,
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	client, err := unisphere.NewClient(cfg.Unisphere, logger)
	if err != nil {
		return fmt.Errorf("unisphere: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("unisphere: %w", err)
	}
	defer client.Stop(context.WithoutCancel(ctx))

	metrics := selftelemetry.NewMetrics("pmaxcap")
	bus := events.NewBus(logger,
		events.WithDropHook(metrics.SubscribersDropped.Inc),
		events.WithSizeHook(func(n int) { metrics.Subscribers.Set(float64(n)) }),
	)
	st := store.New(cfg.Unisphere.ArrayID)

	var sinks []orchestrator.Sink
	if cfg.Export.JSONPath != "" {
		sinks = append(sinks, export.FileSink{Path: cfg.Export.JSONPath})
	}
	if cfg.Export.OTLP.Enabled {
		otlp := export.NewOTLPExporter(cfg.Export.OTLP, logger)
		if err := otlp.Start(ctx); err != nil {
			return fmt.Errorf("otlp export: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = otlp.Stop(sctx)
		}()
		sinks = append(sinks, export.MetricsSink{Exporter: otlp, IncludeVolumes: cfg.Export.IncludeVolumes})
	}

	orch := orchestrator.New(client, st, bus, logger, orchestrator.Options{
		ArrayID:       cfg.Unisphere.ArrayID,
		Interval:      cfg.Collection.Interval,
		OnStartup:     cfg.Collection.OnStartup,
		ProgressEvery: cfg.Collection.ProgressEvery,
		Sinks:         sinks,
		Observer:      metrics,
	})

	if opts.once {
		return runOnce(ctx, orch, opts.exportPath, stdout)
	}
	return serve(ctx, cfg, opts.configPath, logger, level, orch, st, bus, metrics, client)
}

func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, exportPath string, stdout io.Writer) error {
	snap, err := orch.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collection: %w", err)
	}
	if err := export.WriteSummary(stdout, snap); err != nil {
		return err
	}
	if exportPath != "" {
		if err := export.WriteJSONFile(exportPath, snap); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Fprintf(stdout, "Snapshot written to %s\n", exportPath)
	}
	return nil
}

func serve(
	ctx context.Context,
	cfg *config.Config,
	configPath string,
	logger *slog.Logger,
	level *slog.LevelVar,
	orch *orchestrator.Orchestrator,
	st *store.Store,
	bus *events.Bus,
	metrics *selftelemetry.Metrics,
	client *unisphere.Client,
) error {
	gin.SetMode(gin.ReleaseMode)
	srv := api.New(st, orch, bus, logger, api.Options{
		StaticDir:    cfg.Server.StaticDir,
		CacheTTL:     cfg.Server.CacheTTL,
		EventBuffer:  cfg.Events.Buffer,
		PingInterval: cfg.Events.PingInterval,
		WriteTimeout: cfg.Events.WriteTimeout,
		Metrics:      metrics,
		SourceHealth: client.Health,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	var watcher *config.Watcher
	if cfg.Watch.Enabled && configPath != "" {
		wcfg := cfg.Watch
		wcfg.Path = configPath
		w, err := config.NewWatcher(wcfg, logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		w.OnChange(func(_, next *config.Config) error {
			level.Set(parseLevel(next.Log.Level))
			orch.SetInterval(next.Collection.Interval)
			return nil
		})
		watcher = w
	}

	g, gctx := errgroup.WithContext(ctx)

	// tie runs to gctx before HTTP can trigger them
	if err := orch.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if watcher != nil {
		if err := watcher.Start(gctx); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("pmaxcap shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if watcher != nil {
			_ = watcher.Stop(sctx)
		}
		if err := orch.Stop(sctx); err != nil {
			logger.Warn("collection did not stop in time", "error", err)
		}
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
