// Package health serves liveness and readiness endpoints.
package health

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// Checker is satisfied by the controller: ready once an interval completed.
type Checker interface {
	Ready() bool
}

// ReadinessReporter is satisfied by the Kafka reset source.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Readiness reports ready when the controller has completed an interval and,
// if kafka is non-nil, the consumer holds a partition assignment.
func Readiness(c Checker, kafka ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Controller bool    `json:"controller"`
			Kafka      *bool   `json:"kafka,omitempty"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		out := resp{Controller: c.Ready()}
		ready := out.Controller
		if kafka != nil {
			ok, parts := kafka.Readiness()
			out.Kafka = &ok
			out.Partitions = parts
			ready = ready && ok
		}
		out.Status = "not_ready"
		w.Header().Set("Content-Type", "application/json")
		if ready {
			out.Status = "ready"
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
