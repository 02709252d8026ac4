// fabric-sim plays the data plane against the Redis fabric: it counts Zipf
// distributed key requests into the counter register and reports how the
// installed rules split the traffic across tiers.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/fabric/redisfabric"
	"github.com/mohammed-shakir/lethe-lb/internal/keyhash"
	"github.com/mohammed-shakir/lethe-lb/internal/logger"
)

type Config struct {
	RedisAddr    string
	Prefix       string
	RegisterSize int
	Keys         int
	ZipfS        float64
	ZipfV        float64
	BatchRate    float64
	BatchSize    int
	Duration     time.Duration
	Report       time.Duration
	// Shift rotates the key popularity ranking by this many ranks every
	// Report period, so hot keys cool down over time.
	Shift int
	Seed  int64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.RedisAddr, "redis", "localhost:6379", "Redis address")
	flag.StringVar(&cfg.Prefix, "prefix", "lethe", "Fabric key prefix")
	flag.IntVar(&cfg.RegisterSize, "register-size", 65536, "Counter register size")
	flag.IntVar(&cfg.Keys, "keys", 10000, "Distinct keys in the key space")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.2, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.Float64Var(&cfg.BatchRate, "rate", 50, "Batches per second")
	flag.IntVar(&cfg.BatchSize, "batch", 200, "Requests per batch")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "Run time, 0 runs until interrupted")
	flag.DurationVar(&cfg.Report, "report", 5*time.Second, "Report period")
	flag.IntVar(&cfg.Shift, "shift", 0, "Popularity rotation per report period")
	flag.Int64Var(&cfg.Seed, "seed", 1, "Random seed")
	flag.Parse()
	return cfg
}

type tally map[model.Tier]int64

func (t tally) String() string {
	var total int64
	for _, n := range t {
		total += n
	}
	if total == 0 {
		return "no traffic"
	}
	var b strings.Builder
	for _, tr := range []model.Tier{model.Hot, model.Warm1, model.Warm2, model.Cold} {
		fmt.Fprintf(&b, "%s=%.1f%% ", tr, 100*float64(t[tr])/float64(total))
	}
	return strings.TrimSpace(b.String())
}

func main() {
	cfg := loadConfig()
	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "fabric-sim"}, os.Stdout)
	log := logger.NewSlog(&zl)

	if cfg.Keys < 2 || cfg.ZipfS <= 1 || cfg.ZipfV < 1 || cfg.BatchRate <= 0 || cfg.BatchSize < 1 {
		log.Error("invalid flags", "keys", cfg.Keys, "zipf_s", cfg.ZipfS, "zipf_v", cfg.ZipfV,
			"rate", cfg.BatchRate, "batch", cfg.BatchSize)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	f, err := redisfabric.New(ctx, cfg.RedisAddr, cfg.Prefix, cfg.RegisterSize)
	if err != nil {
		log.Error("redis fabric unavailable", "err", err)
		os.Exit(1)
	}
	defer func() { _ = f.Close() }()

	r := rand.New(rand.NewSource(cfg.Seed))
	zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(cfg.Keys-1))
	lim := rate.NewLimiter(rate.Limit(cfg.BatchRate), 1)

	rules := map[model.KeyHash]model.Tier{}
	routed := tally{}
	offset := 0
	lastReport := time.Now()
	var sent int64

	log.Info("fabric-sim started", "redis", cfg.RedisAddr, "keys", cfg.Keys, "rate", cfg.BatchRate, "batch", cfg.BatchSize)
	for {
		if err := lim.Wait(ctx); err != nil {
			break
		}
		batch := make(map[string]int64, cfg.BatchSize)
		for range cfg.BatchSize {
			rank := (int(zipf.Uint64()) + offset) % cfg.Keys
			key := fmt.Sprintf("key-%d", rank)
			batch[key]++
			routed[rules[keyhash.Of(key, cfg.RegisterSize)]]++
		}
		if err := f.ObserveBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("observe failed", "err", err)
			os.Exit(1)
		}
		sent += int64(cfg.BatchSize)

		if time.Since(lastReport) >= cfg.Report {
			log.Info("traffic", "sent", sent, "routed", routed.String(), "rules", len(rules), "offset", offset)
			if cur, err := f.Rules(ctx); err == nil {
				rules = cur
			} else if ctx.Err() == nil {
				log.Warn("read rules failed", "err", err)
			}
			routed = tally{}
			offset = (offset + cfg.Shift) % cfg.Keys
			lastReport = time.Now()
		}
	}
	log.Info("fabric-sim stopped", "sent", sent)
}
