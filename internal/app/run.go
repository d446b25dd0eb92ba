package app

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nuetzliches/accountdelete/internal/config"
	"github.com/nuetzliches/accountdelete/internal/enrich"
	"github.com/nuetzliches/accountdelete/internal/processor"
	"github.com/nuetzliches/accountdelete/internal/telemetry"
)

// stopTimeout bounds how long shutdown waits for in-flight passes. A pass
// can spend a partner timeout per stage plus completion.
const stopTimeout = 2 * time.Minute

func run(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", "./accountdelete.yaml", "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file for reload")
	flags := config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	bootLevel := "info"
	if lvl, ok := flags.LogLevelFlag(); ok {
		bootLevel = lvl
	}
	bootLevelVar, err := newLevelVar(bootLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	bootLogger, _, _ := newLoggerToSink(bootLevelVar, "stderr", "")
	slog.SetDefault(bootLogger)

	if p := strings.TrimSpace(*dotenvPath); p != "" {
		n, err := loadDotenv(p)
		if err != nil {
			bootLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		bootLogger.Info("dotenv_loaded", slog.String("path", p), slog.Int("vars", n))
	}

	cfg, err := config.Resolve(*configPath, flags)
	if err != nil {
		bootLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	for _, w := range config.Validate(cfg).Warnings {
		bootLogger.Warn("config_warning", slog.String("warning", w))
	}

	levelVar, err := newLevelVar(cfg.Log.Level)
	if err != nil {
		bootLogger.Error("log_level_invalid", slog.Any("err", err))
		return 1
	}
	logger, logCloser, err := newLoggerToSink(levelVar, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		bootLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	logger.Info("config_ok",
		slog.String("requester_id", cfg.RequesterID),
		slog.Bool("ignore_verifier_errors", cfg.IgnoreVerifierErrors),
		slog.Int("processors", cfg.ProcessorCount),
	)

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Tracing, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	counters, err := telemetry.NewMeterCounters(nil)
	if err != nil {
		logger.Error("metrics_init_failed", slog.Any("err", err))
		return 1
	}

	set, closeQueues, err := openQueueSet(cfg.Queue, logger)
	if err != nil {
		logger.Error("open_queue_failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := closeQueues(); err != nil {
			logger.Warn("close_queue_failed", slog.Any("err", err))
		}
	}()

	p, err := newPartners(cfg, cfg.Tracing.Enabled, logger)
	if err != nil {
		logger.Error("partners_init_failed", slog.Any("err", err))
		return 1
	}
	defer p.stop()

	pipeline, err := enrich.New(enrich.Config{
		XboxAccounts:         p.xbox,
		MsaIdentity:          p.msa,
		Validator:            p.validator,
		Counters:             counters,
		Logger:               logger,
		RequesterID:          cfg.RequesterID,
		IgnoreVerifierErrors: cfg.IgnoreVerifierErrors,
	})
	if err != nil {
		logger.Error("enrich_init_failed", slog.Any("err", err))
		return 1
	}

	collection, err := processor.NewCollection(cfg.ProcessorCount, processor.Config{
		Queues:   set,
		Enricher: pipeline,
		Writer:   p.writer,
		Logger:   logger,
	}, processor.CollectionOptions{
		IdleDelay: cfg.IdleDelay,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("processors_init_failed", slog.Any("err", err))
		return 1
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var health *healthServer
	if cfg.Health.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Health.Listen)
		if err != nil {
			logger.Error("health_listen_failed", slog.String("addr", cfg.Health.Listen), slog.Any("err", err))
			return 1
		}
		health = startHealthServer(ln, logger, cancel)
		defer health.stop()
	}

	var monitors sync.WaitGroup
	monitors.Add(1)
	go func() {
		defer monitors.Done()
		set.RunMonitors(ctx, cfg.Queue.MonitorInterval, func(queue string, size int, age time.Duration) {
			counters.QueueDepth(ctx, queue, size, age)
		})
	}()

	rl := &reloader{
		path:    *configPath,
		flags:   flags,
		running: cfg,
		apply: runtimeControls{
			level:    levelVar,
			enricher: pipeline,
		},
		logger: logger,
	}
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				rl.reload("signal_sighup")
			}
		}
	}()
	if *watch {
		go config.Watch(ctx, *configPath, logger, func() {
			rl.reload("watch")
		})
	}

	collection.StartAfter(cfg.StartDelay)
	if health != nil {
		health.setServing(true)
	}

	<-ctx.Done()
	logger.Info("shutdown_started")
	if health != nil {
		health.setServing(false)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := collection.Stop(stopCtx); err != nil {
		logger.Warn("processors_stop_timeout", slog.Duration("timeout", stopTimeout), slog.Any("err", err))
	}
	monitors.Wait()

	return 0
}

// ignoreSetter is the live switch on the enrichment pipeline.
type ignoreSetter interface {
	SetIgnoreVerifierErrors(bool)
}

// runtimeControls applies the reloadable config subset to running
// components.
type runtimeControls struct {
	level    *slog.LevelVar
	enricher ignoreSetter
}

func (c runtimeControls) apply(rt config.Runtime) error {
	lvl, err := config.ParseLogLevel(rt.LogLevel)
	if err != nil {
		return err
	}
	if c.level != nil {
		c.level.Set(lvl)
	}
	if c.enricher != nil {
		c.enricher.SetIgnoreVerifierErrors(rt.IgnoreVerifierErrors)
	}
	return nil
}

// reloader re-reads the config file on SIGHUP or a watch event. Flags passed
// at startup keep their precedence across reloads.
type reloader struct {
	path  string
	flags *config.Flags
	apply runtimeControls

	logger *slog.Logger

	mu      sync.Mutex
	running config.Config
}

// reload reports whether the new runtime settings were applied.
func (r *reloader) reload(trigger string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger
	if logger == nil {
		logger = slog.Default()
	}

	next, err := config.Load(r.path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	r.flags.Apply(&next)
	if res := config.Validate(next); !res.OK {
		logger.Error("config_reload_failed", slog.Any("err", res.Err()), slog.String("trigger", trigger))
		return false
	}

	// Only the runtime subset is applied live; anything else needs a restart.
	if config.RestartRequired(r.running, next) {
		logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger))
		return false
	}

	if err := r.apply.apply(next.Runtime()); err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return false
	}
	r.running = next

	logger.Info("config_reloaded_ok",
		slog.String("trigger", trigger),
		slog.Bool("ignore_verifier_errors", next.IgnoreVerifierErrors),
		slog.String("log_level", next.Log.Level),
	)
	return true
}
