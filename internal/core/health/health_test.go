package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type readyFlag bool

func (r readyFlag) Ready() bool { return bool(r) }

type assignment struct {
	ok    bool
	parts []int32
}

func (a assignment) Readiness() (bool, []int32) { return a.ok, a.parts }

func serve(t *testing.T, h http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rr.Code, body
}

func TestReadiness_ControllerOnly(t *testing.T) {
	code, body := serve(t, Readiness(readyFlag(false), nil))
	if code != http.StatusServiceUnavailable || body["status"] != "not_ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	code, body = serve(t, Readiness(readyFlag(true), nil))
	if code != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if _, ok := body["kafka"]; ok {
		t.Fatalf("kafka field present without a reporter")
	}
}

func TestReadiness_WaitsForKafkaAssignment(t *testing.T) {
	code, _ := serve(t, Readiness(readyFlag(true), assignment{}))
	if code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503", code)
	}
	code, body := serve(t, Readiness(readyFlag(true), assignment{ok: true, parts: []int32{0, 2}}))
	if code != http.StatusOK || body["kafka"] != true {
		t.Fatalf("code=%d body=%v", code, body)
	}
	if parts, _ := body["partitions"].([]any); len(parts) != 2 {
		t.Fatalf("partitions=%v", body["partitions"])
	}
}
