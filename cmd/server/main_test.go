package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/tuning"
)

type captureLogger struct{ kinds []session.EventKind }

func (c *captureLogger) WriteEvent(e session.Event) error {
	c.kinds = append(c.kinds, e.Kind)
	return nil
}

func newTestMux(t *testing.T) (*session.Session, *http.ServeMux) {
	t.Helper()
	t.Setenv("GW_ENABLE_ADMIN_HTTP", "true")
	logger := log.New(io.Discard, "", 0)
	sess := session.New(session.Options{Tuning: tuning.Defaults(), Seed: 1, RunID: "r1", Logger: logger})
	return sess, newMux(sess, tuning.Defaults(), nil, logger)
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.2:5000":  false,
		"example.com:80": false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestMultiEventLogger_FansOut(t *testing.T) {
	a, b := &captureLogger{}, &captureLogger{}
	m := multiEventLogger{a: a, b: b}
	_ = m.WriteEvent(session.Event{Kind: session.EventSummaryReady})
	if len(a.kinds) != 1 || len(b.kinds) != 1 {
		t.Fatalf("a=%v b=%v", a.kinds, b.kinds)
	}
	if err := (multiEventLogger{a: a}).WriteEvent(session.Event{Kind: session.EventRunFailed}); err != nil {
		t.Fatalf("nil sink: %v", err)
	}
}

func TestMux_HealthzAndMetrics(t *testing.T) {
	_, mux := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`gridwalk_run_state{run="r1"} 0`,
		`gridwalk_observers{run="r1"} 0`,
		"# TYPE gridwalk_frames_sent_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "gridwalk_summary") {
		t.Fatalf("summary metrics before any run:\n%s", body)
	}
}

func TestMux_AdminStateLoopbackOnly(t *testing.T) {
	_, mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote admin: code=%d want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:4567"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("loopback admin: code=%d", rec.Code)
	}
	var st session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.RunID != "r1" || st.State != "AWAITING_CONFIG" {
		t.Fatalf("state=%+v", st)
	}
}

func TestInterrupted(t *testing.T) {
	wrapped := fmt.Errorf("sweep: %w", context.Canceled)
	if !interrupted(context.Canceled) || !interrupted(wrapped) {
		t.Fatalf("cancellation not recognised")
	}
	if interrupted(errors.New("sweep: disk full")) || interrupted(context.DeadlineExceeded) {
		t.Fatalf("real failure treated as cancellation")
	}
}
