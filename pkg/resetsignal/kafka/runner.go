// Package kafka consumes reset requests from a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/lethe-lb/internal/core/observability"
	"github.com/mohammed-shakir/lethe-lb/internal/resetsignal"
)

const SourceKafka = "kafka"

type Runner struct {
	log      *slog.Logger
	cfg      Config
	disp     *resetsignal.Dispatcher
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	failOnce sync.Once
	failErr  error
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg Config, d *resetsignal.Dispatcher, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		disp:   d,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(1024),
		assign: map[int32]struct{}{},
	}
}

// Run consumes until ctx is done or a reset fails. A disabled runner returns
// immediately.
func (r *Runner) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		r.log.Info("kafka reset source disabled")
		return nil
	}
	if r.disp == nil {
		return errors.New("kafka runner: dispatcher is required")
	}
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			r.log.Error("kafka consumer group close", "err", err)
		}
	}()

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case err, ok := <-group.Errors():
				if !ok {
					return
				}
				r.log.Error("kafka group error", "err", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.log.Info("kafka reset source started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
			r.log.Error("kafka consume error", "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
	}
	wg.Wait()
	r.log.Info("kafka reset source stopped")
	return r.failErr
}

func (r *Runner) fail(err error) {
	r.failOnce.Do(func() {
		r.failErr = err
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only when the reset itself failed. Anything
// unparseable is counted and skipped so it cannot wedge the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	defer func() { r.ms.proc.Observe(time.Since(start).Seconds()) }()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	if resetsignal.IsReset(msg.Value) {
		return r.trigger(ctx, SourceKafka)
	}

	var ev ControlEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.Op != resetsignal.Token {
		r.ms.msgs.WithLabelValues(resetsignal.ResultIgnored).Inc()
		observability.ObserveResetSignal(SourceKafka, resetsignal.ResultIgnored)
		r.log.Debug("ignored control message",
			"partition", msg.Partition, "offset", msg.Offset, "op", ev.Op)
		return nil
	}

	source := SourceKafka
	if ev.Source != "" {
		source = SourceKafka + ":" + ev.Source
	}
	if ev.Version > 0 && !r.ver.shouldApply(source, ev.Version) {
		r.ms.msgs.WithLabelValues(resetsignal.ResultDuplicate).Inc()
		observability.ObserveResetSignal(SourceKafka, resetsignal.ResultDuplicate)
		return nil
	}
	return r.trigger(ctx, source)
}

func (r *Runner) trigger(ctx context.Context, source string) error {
	ok, err := r.disp.Trigger(ctx, source)
	switch {
	case err != nil:
		r.ms.msgs.WithLabelValues(resetsignal.ResultError).Inc()
		err = fmt.Errorf("kafka reset: %w", err)
		r.fail(err)
		return err
	case ok:
		r.ms.msgs.WithLabelValues(resetsignal.ResultAccepted).Inc()
	default:
		r.ms.msgs.WithLabelValues(resetsignal.ResultLimited).Inc()
	}
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
