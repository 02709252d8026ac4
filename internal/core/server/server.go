// Package server is the admin HTTP surface: health checks, metrics, status and the
// HTTP reset source.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/lethe-lb/internal/controller"
	"github.com/mohammed-shakir/lethe-lb/internal/core/health"
	middleware "github.com/mohammed-shakir/lethe-lb/internal/core/middleware"
	"github.com/mohammed-shakir/lethe-lb/internal/core/model"
	"github.com/mohammed-shakir/lethe-lb/internal/resetsignal"
	"github.com/mohammed-shakir/lethe-lb/internal/tier"
)

const SourceHTTP = "http"

type Controller interface {
	Status() controller.Report
	Plan() tier.Plan
	Ready() bool
}

type Options struct {
	Logger     *slog.Logger
	Controller Controller
	// Resets handles POST /reset. Nil disables the endpoint.
	Resets *resetsignal.Dispatcher
	// Kafka, when set, gates readiness on a partition assignment.
	Kafka       health.ReadinessReporter
	Metrics     http.Handler
	MetricsPath string
	// OnFatal receives reset failures; the process is expected to stop.
	OnFatal func(error)
}

type tierView struct {
	Key   string `json:"key"`
	Score uint64 `json:"score"`
}

type statusResponse struct {
	controller.Report
	Ready bool                  `json:"ready"`
	Rules map[string][]tierView `json:"rules"`
}

func entries(es []model.Entry) []tierView {
	out := make([]tierView, 0, len(es))
	for _, e := range es {
		out = append(out, tierView{Key: e.Key.String(), Score: e.Score})
	}
	return out
}

// New builds the admin router.
func New(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.Recover(opts.Logger))
	r.Use(middleware.Logging(opts.Logger))

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(opts.Controller, opts.Kafka))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, opts.MetricsPath, opts.Metrics)
	}
	r.Get("/status", statusHandler(opts.Controller))
	if opts.Resets != nil {
		r.Post("/reset", resetHandler(opts))
	}
	return r
}

func statusHandler(c Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		plan := c.Plan()
		out := statusResponse{
			Report: c.Status(),
			Ready:  c.Ready(),
			Rules: map[string][]tierView{
				model.Hot.String():   entries(plan.Hot),
				model.Warm1.String(): entries(plan.Warm1),
				model.Warm2.String(): entries(plan.Warm2),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func resetHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1024))
		if err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if !resetsignal.IsReset(body) {
			_, _ = opts.Resets.Handle(r.Context(), SourceHTTP, body)
			http.Error(w, `body must be "reset"`, http.StatusBadRequest)
			return
		}
		ok, err := opts.Resets.Trigger(r.Context(), SourceHTTP)
		switch {
		case err != nil:
			opts.Logger.ErrorContext(r.Context(), "reset failed", "err", err)
			if opts.OnFatal != nil {
				opts.OnFatal(err)
			}
			http.Error(w, "reset failed", http.StatusInternalServerError)
		case !ok:
			http.Error(w, "reset rate limited", http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// Run serves h on addr until ctx is done.
func Run(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
