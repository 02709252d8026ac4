package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	"github.com/mohammed-shakir/lethe-lb/internal/resetsignal"
)

type mockResetter struct {
	mu      sync.Mutex
	sources []string
	err     error
}

func (m *mockResetter) Reset(_ context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sources = append(m.sources, source)
	return nil
}

func (m *mockResetter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

func newRunner(t *testing.T, mr *mockResetter) (*Runner, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	observability.Init(reg, true)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := DefaultConfig()
	cfg.Enabled = true
	d := resetsignal.NewDispatcher(mr, 0, log)
	return New(cfg, d, Options{Logger: log, Register: reg}), reg
}

func message(v []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic: "lethe-control", Partition: 0, Offset: 1,
		Timestamp: time.Now().Add(-time.Second).UTC(), Value: v,
	}
}

func TestBareToken_Resets(t *testing.T) {
	mr := &mockResetter{}
	r, _ := newRunner(t, mr)

	if err := r.handleMessage(context.Background(), message([]byte("reset\n"))); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if mr.Count() != 1 || mr.sources[0] != SourceKafka {
		t.Fatalf("resets = %v", mr.sources)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues(resetsignal.ResultAccepted)); got != 1 {
		t.Fatalf("accepted=%v", got)
	}
	if got := testutil.ToFloat64(r.ms.lagGauge); got <= 0 {
		t.Fatalf("lag gauge not set: %v", got)
	}
}

func TestControlEvent_VersionDedupe(t *testing.T) {
	mr := &mockResetter{}
	r, _ := newRunner(t, mr)
	ctx := context.Background()

	send := func(ev ControlEvent) {
		t.Helper()
		b, _ := json.Marshal(ev)
		if err := r.handleMessage(ctx, message(b)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	send(ControlEvent{Op: "reset", Source: "ops", Version: 3})
	send(ControlEvent{Op: "reset", Source: "ops", Version: 3})
	send(ControlEvent{Op: "reset", Source: "ops", Version: 2})
	send(ControlEvent{Op: "reset", Source: "bench", Version: 1})
	send(ControlEvent{Op: "reset", Source: "ops", Version: 4})

	if mr.Count() != 3 {
		t.Fatalf("want 3 resets, got %v", mr.sources)
	}
	if mr.sources[0] != "kafka:ops" || mr.sources[1] != "kafka:bench" {
		t.Fatalf("unexpected sources %v", mr.sources)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues(resetsignal.ResultDuplicate)); got != 2 {
		t.Fatalf("duplicate=%v", got)
	}
}

func TestUnversionedEventsAlwaysApply(t *testing.T) {
	mr := &mockResetter{}
	r, _ := newRunner(t, mr)
	b, _ := json.Marshal(ControlEvent{Op: "reset"})
	for i := 0; i < 2; i++ {
		if err := r.handleMessage(context.Background(), message(b)); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	if mr.Count() != 2 {
		t.Fatalf("want 2 resets, got %d", mr.Count())
	}
}

func TestNoiseIgnored(t *testing.T) {
	mr := &mockResetter{}
	r, _ := newRunner(t, mr)
	for _, v := range []string{"hello", "{not json", `{"op":"drain"}`, `{"op":"RESET"}`} {
		if err := r.handleMessage(context.Background(), message([]byte(v))); err != nil {
			t.Fatalf("%q: %v", v, err)
		}
	}
	if mr.Count() != 0 {
		t.Fatalf("noise triggered reset: %v", mr.sources)
	}
	if got := testutil.ToFloat64(r.ms.msgs.WithLabelValues(resetsignal.ResultIgnored)); got != 4 {
		t.Fatalf("ignored=%v", got)
	}
}

func TestResetFailureIsFatal(t *testing.T) {
	cause := errors.New("fabric down")
	mr := &mockResetter{err: cause}
	r, _ := newRunner(t, mr)

	err := r.handleMessage(context.Background(), message([]byte("reset")))
	if !errors.Is(err, cause) {
		t.Fatalf("want cause, got %v", err)
	}
	if !errors.Is(r.failErr, cause) {
		t.Fatalf("failure not recorded: %v", r.failErr)
	}
}

func TestDisabledRunnerReturns(t *testing.T) {
	r := New(DefaultConfig(), nil, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ready, _ := r.Readiness(); ready {
		t.Fatalf("disabled runner must not report assignment")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Brokers = nil
	cfg.Topic = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	cfg.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled config must validate: %v", err)
	}
}
