package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/mohammed-shakir/lethe-lb/internal/controller"
	"github.com/mohammed-shakir/lethe-lb/internal/core/config"
	"github.com/mohammed-shakir/lethe-lb/internal/core/health"
	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	"github.com/mohammed-shakir/lethe-lb/internal/core/server"
	"github.com/mohammed-shakir/lethe-lb/internal/fabric"
	"github.com/mohammed-shakir/lethe-lb/internal/fabric/redisfabric"
	"github.com/mohammed-shakir/lethe-lb/internal/logger"
	"github.com/mohammed-shakir/lethe-lb/internal/metrics"
	"github.com/mohammed-shakir/lethe-lb/internal/popularity"
	"github.com/mohammed-shakir/lethe-lb/internal/resetsignal"
	"github.com/mohammed-shakir/lethe-lb/internal/tier"
	"github.com/mohammed-shakir/lethe-lb/pkg/resetsignal/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func run() int {
	modeFlag := flag.String("mode", "", "rule install mode: rebuild or diff")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage: lethe-controller [-mode rebuild|diff]

Settings come from the environment. FABRIC_DRIVER selects the data plane:
  redis   (default) counters and rules in Redis hashes at REDIS_ADDR
  memory  in-process register with no writers; a dry run for wiring checks

`)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.FromEnv()
	if *modeFlag != "" {
		cfg.RuleMode = strings.TrimSpace(*modeFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   envInt("LOG_SAMPLE_N", 0),
		Instance:  os.Getenv("INSTANCE"),
		Component: "lethe-controller",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}
	mode, _ := tier.ParseMode(cfg.RuleMode)

	mcfg := metrics.ConfigFromEnv()
	p := metrics.Init(mcfg)
	observability.Init(p.Registerer(), mcfg.Enabled)
	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var fab fabric.Interface
	switch cfg.FabricDriver {
	case config.DriverRedis:
		opts := []redisfabric.Option{
			redisfabric.WithDialTimeout(cfg.FabricTimeout),
			redisfabric.WithReadTimeout(cfg.FabricTimeout),
			redisfabric.WithWriteTimeout(cfg.FabricTimeout),
		}
		if cfg.RedisPoolSize > 0 {
			opts = append(opts, redisfabric.WithPoolSize(cfg.RedisPoolSize))
		}
		rf, err := redisfabric.New(ctx, cfg.RedisAddr, cfg.FabricPrefix, cfg.RegisterSize, opts...)
		if err != nil {
			appLog.Error("redis fabric unavailable", "addr", cfg.RedisAddr, "err", err)
			return 1
		}
		defer func() { _ = rf.Close() }()
		fab = rf
	default:
		appLog.Warn("memory fabric selected: nothing writes to its register, the loop runs as a dry run")
		fab = fabric.NewMemory(cfg.RegisterSize)
	}

	tracker, err := popularity.New(cfg.Popularity())
	if err != nil {
		appLog.Error("tracker setup failed", "err", err)
		return 1
	}
	ctl, err := controller.New(controller.Options{
		Logger:       appLog,
		Counters:     fab,
		Rules:        fab,
		Tracker:      tracker,
		HotCap:       cfg.HotCap,
		Interval:     cfg.Interval,
		CallTimeout:  cfg.FabricTimeout,
		Mode:         mode,
		ColdSentinel: cfg.ColdSentinel,
	})
	if err != nil {
		appLog.Error("controller setup failed", "err", err)
		return 1
	}

	appLog.Info("starting lethe controller",
		"version", Version,
		"addr", cfg.Addr,
		"fabric", cfg.FabricDriver,
		"interval", cfg.Interval.String(),
		"hot_cap", cfg.HotCap,
		"tracked_cap", cfg.TrackedCap,
		"mode", mode.String())

	if err := ctl.Init(ctx); err != nil {
		appLog.Error("fabric initialisation failed", "err", err)
		return 1
	}

	disp := resetsignal.NewDispatcher(ctl, cfg.ResetRate, appLog)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 4)
	fatal := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	var wg sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				fatal(fmt.Errorf("%s: %w", name, err))
			}
		}()
	}

	spawn("controller", ctl.Run)
	if cfg.ResetFIFO != "" {
		spawn("reset fifo", resetsignal.NewFIFOListener(cfg.ResetFIFO, disp, appLog).Run)
	}

	var kafkaReady health.ReadinessReporter
	if cfg.ResetKafka.Enabled {
		kcfg := kafka.DefaultConfig()
		kcfg.Enabled = true
		kcfg.Brokers = config.SplitList(cfg.ResetKafka.Brokers)
		kcfg.Topic = cfg.ResetKafka.Topic
		kcfg.GroupID = cfg.ResetKafka.GroupID
		kr := kafka.New(kcfg, disp, kafka.Options{Logger: appLog, Register: p.Registerer()})
		kafkaReady = kr
		spawn("reset kafka", kr.Run)
	}

	metricsHandler := p.Handler()
	if !mcfg.Enabled {
		metricsHandler = nil
	}
	admin := server.New(server.Options{
		Logger:      appLog,
		Controller:  ctl,
		Resets:      disp,
		Kafka:       kafkaReady,
		Metrics:     metricsHandler,
		MetricsPath: p.Path(),
		OnFatal:     fatal,
	})
	spawn("admin server", func(ctx context.Context) error {
		return server.Run(ctx, cfg.Addr, admin, appLog)
	})

	wg.Wait()
	select {
	case err := <-errCh:
		appLog.Error("controller stopped on fatal error", "err", err)
		return 1
	default:
	}
	appLog.Info("controller stopped")
	return 0
}
