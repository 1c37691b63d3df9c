package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
	"github.com/sells-group/tweet-digest/internal/stage"
)

func TestChecker_Check_SendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackHours: 24, FailureRateThreshold: 0.25}
	runs := &fakeRuns{}
	for range 5 {
		runs.runs = append(runs.runs, run("send", model.RunStatusFailed, time.Minute))
	}
	collector := NewCollector(runs, nil, nil, 0)
	collector.nowFunc = func() time.Time { return testNow }

	checker := NewChecker(collector, NewAlerter(cfg), cfg)
	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_Check_Healthy(t *testing.T) {
	cfg := config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1", LookbackHours: 24, FailureRateThreshold: 0.25}
	checker := NewChecker(NewCollector(&fakeRuns{}, nil, nil, 0), NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.Check(context.Background()))
}

func TestChecker_Run_StopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckInterval: time.Hour, LookbackHours: 24}
	checker := NewChecker(NewCollector(nil, nil, nil, 0), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop after cancel")
	}
}

func TestChecker_Check_RepeatSuppressed(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{
		WebhookURL:    ts.URL,
		LookbackHours: 24,
		StallAfter:    time.Hour,
		RepeatAfter:   time.Hour,
	}
	stalled := &stubStage{name: "alpha", ok: true, state: model.StageState{
		LastProcessedDate: "20250124", LastChunk: 1, TotalChunks: 5, UpdatedAt: testNow.Add(-3 * time.Hour),
	}}
	collector := NewCollector(nil, nil, []stage.Stage{stalled}, cfg.StallAfter)
	collector.nowFunc = func() time.Time { return testNow }

	now := testNow
	checker := NewChecker(collector, NewAlerter(cfg), cfg)
	checker.nowFunc = func() time.Time { return now }

	assert.Equal(t, 1, checker.Check(context.Background()))
	now = now.Add(30 * time.Minute)
	assert.Equal(t, 0, checker.Check(context.Background()))
	now = now.Add(time.Hour)
	assert.Equal(t, 1, checker.Check(context.Background()))
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_Check_FailedSendNotSuppressed(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := config.MonitoringConfig{WebhookURL: ts.URL, LookbackHours: 24, RepeatAfter: time.Hour}
	collector := NewCollector(nil, openBreakers{"llm"}, nil, 0)
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	assert.Equal(t, 0, checker.Check(context.Background()))
	assert.Equal(t, 1, checker.Check(context.Background()))
}

type openBreakers []string

func (o openBreakers) Snapshots() []resilience.Snapshot {
	out := make([]resilience.Snapshot, 0, len(o))
	for _, name := range o {
		out = append(out, resilience.Snapshot{Name: name, State: resilience.CircuitOpen.String()})
	}
	return out
}
