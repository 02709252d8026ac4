// Package config loads controller settings from the environment. Settings are
// fixed for the lifetime of the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/popularity"
	"github.com/mohammed-shakir/lethe-lb/internal/tier"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type ResetKafkaCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	Interval     time.Duration
	Alpha        float64
	InsertAlpha  float64
	HotCap       int
	TrackedCap   int
	RegisterSize int

	FabricDriver  string
	FabricTimeout time.Duration
	FabricPrefix  string
	RedisAddr     string
	// RedisPoolSize of 0 keeps the go-redis default.
	RedisPoolSize int
	RuleMode      string
	// ColdSentinel is an optional key hash given an explicit COLD rule at
	// start-up. The first interval's clear removes it again.
	ColdSentinel *model.KeyHash

	ResetFIFO  string
	// ResetRate caps resets per second; 0 applies every signal.
	ResetRate  float64
	ResetKafka ResetKafkaCfg

	// parseErrs holds variables that were set but could not be parsed.
	parseErrs []error
}

func FromEnv() Config {
	var e envReader
	cfg := Config{
		Addr:     getenv("ADDR", ":8091"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		Interval:     e.duration("INTERVAL", time.Second),
		Alpha:        e.float("ALPHA", popularity.DefaultAlpha),
		InsertAlpha:  e.float("INSERT_ALPHA", popularity.DefaultInsertAlpha),
		HotCap:       e.int("HOT_CAP", 100),
		TrackedCap:   e.int("TRACKED_CAP", popularity.DefaultMaxTracked),
		RegisterSize: e.int("REGISTER_SIZE", 65536),

		FabricDriver:  strings.ToLower(getenv("FABRIC_DRIVER", DriverRedis)),
		FabricTimeout: e.duration("FABRIC_TIMEOUT", 500*time.Millisecond),
		FabricPrefix:  getenv("FABRIC_PREFIX", "lethe"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPoolSize: e.int("REDIS_POOL_SIZE", 0),
		RuleMode:      getenv("RULE_MODE", "rebuild"),

		ResetFIFO: os.Getenv("RESET_FIFO"),
		ResetRate: e.float("RESET_RATE", 0),
		ResetKafka: ResetKafkaCfg{
			Enabled: e.bool("RESET_KAFKA_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("RESET_KAFKA_TOPIC", "lethe-control"),
			GroupID: getenv("KAFKA_GROUP_ID", "lethe-controller"),
		},
	}
	if _, set := os.LookupEnv("RESET_FIFO"); !set {
		cfg.ResetFIFO = "/tmp/lethe_fifo_c"
	}
	if v := strings.TrimSpace(os.Getenv("COLD_SENTINEL")); v != "" {
		if k, err := model.ParseKeyHash(v); err == nil {
			cfg.ColdSentinel = &k
		} else {
			e.errs = append(e.errs, fmt.Errorf("COLD_SENTINEL: %w", err))
		}
	}
	cfg.parseErrs = e.errs
	return cfg
}

// Validate reports settings the controller cannot start with.
func (c Config) Validate() error {
	errs := append([]error(nil), c.parseErrs...)
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("INTERVAL %s must be positive", c.Interval))
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		errs = append(errs, fmt.Errorf("ALPHA %g outside (0,1)", c.Alpha))
	}
	if c.InsertAlpha <= 0 || c.InsertAlpha >= 1 {
		errs = append(errs, fmt.Errorf("INSERT_ALPHA %g outside (0,1)", c.InsertAlpha))
	}
	if c.HotCap < 1 {
		errs = append(errs, fmt.Errorf("HOT_CAP %d must be at least 1", c.HotCap))
	}
	if c.HotCap >= c.TrackedCap {
		errs = append(errs, fmt.Errorf("HOT_CAP %d must be below TRACKED_CAP %d", c.HotCap, c.TrackedCap))
	}
	if c.RegisterSize < 1 {
		errs = append(errs, fmt.Errorf("REGISTER_SIZE %d must be positive", c.RegisterSize))
	}
	if c.ColdSentinel != nil && int(*c.ColdSentinel) >= c.RegisterSize {
		errs = append(errs, fmt.Errorf("COLD_SENTINEL %d outside register of %d", *c.ColdSentinel, c.RegisterSize))
	}
	if c.FabricTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FABRIC_TIMEOUT %s must be positive", c.FabricTimeout))
	}
	switch c.FabricDriver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown FABRIC_DRIVER %q", c.FabricDriver))
	}
	if _, err := tier.ParseMode(c.RuleMode); err != nil {
		errs = append(errs, fmt.Errorf("RULE_MODE: %w", err))
	}
	if c.ResetRate < 0 {
		errs = append(errs, fmt.Errorf("RESET_RATE %g must not be negative", c.ResetRate))
	}
	if c.RedisPoolSize < 0 {
		errs = append(errs, fmt.Errorf("REDIS_POOL_SIZE %d must not be negative", c.RedisPoolSize))
	}
	return errors.Join(errs...)
}

func (c Config) Popularity() popularity.Config {
	return popularity.Config{
		Alpha:       c.Alpha,
		InsertAlpha: c.InsertAlpha,
		MaxTracked:  c.TrackedCap,
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envReader parses typed variables and keeps every parse failure so
// Validate can report them together.
type envReader struct {
	errs []error
}

func (e *envReader) fail(k, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (e *envReader) int(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return n
}

func (e *envReader) bool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	}
	e.fail(k, v, errors.New("not a boolean"))
	return def
}

func (e *envReader) float(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return f
}

func (e *envReader) duration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// bare numbers are seconds
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, errors.New("not a duration"))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

// SplitList splits a comma separated list and drops empty items.
func SplitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
