package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crmflow/internal/store"
)

func TestMetricsExposed(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordStageEntered(ctx, "p1", "s1", 3)
	RecordStageCompleted(ctx, "p1", "s1")
	RecordStatusChange(ctx, "Onboarding Started")
	RecordOperation(ctx, "enter_stage", time.Now(), nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics: status=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "crmflow_stage_entries_total") {
		t.Fatalf("expected stage entries metric in output:\n%s", rec.Body.String())
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":        nil,
		"not_found": fmt.Errorf("stage x: %w", store.ErrNotFound),
		"conflict":  store.ErrConflict,
		"transient": fmt.Errorf("%w: busy", store.ErrTransient),
		"error":     errors.New("boom"),
	}
	for want, err := range cases {
		if got := Outcome(err); got != want {
			t.Fatalf("Outcome(%v)=%s want %s", err, got, want)
		}
	}
}
