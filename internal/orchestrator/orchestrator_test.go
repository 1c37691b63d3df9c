package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/filter"
	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/lock"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/source"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

type fakeStage struct {
	mu     sync.Mutex
	name   string
	output string
	result stage.Result
	err    error
	state  model.StageState
	hasSt  bool
	runs   []string
	resets int
	clears int
}

func newFakeStage(dir, name string) *fakeStage {
	return &fakeStage{
		name:   name,
		output: filepath.Join(dir, name+".json"),
		result: stage.Result{Stage: name, Status: stage.StatusCompleted},
	}
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) Run(_ context.Context, date string) (stage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, date)
	res := f.result
	res.Date = date
	return res, f.err
}

func (f *fakeStage) State() (model.StageState, bool) { return f.state, f.hasSt }

func (f *fakeStage) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeStage) ClearOutput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return jsonfile.Remove(f.output)
}

func (f *fakeStage) Recover() (model.StageState, error) { return f.state, nil }
func (f *fakeStage) OutputPath() string                 { return f.output }

func (f *fakeStage) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeCollector struct {
	dates []string
	err   error
}

func (c *fakeCollector) Collect(_ context.Context, date string) (source.CollectResult, error) {
	c.dates = append(c.dates, date)
	return source.CollectResult{Date: date, Columns: map[string]int{"0": 3, "1": 2}}, c.err
}

type memStore struct {
	mu   sync.Mutex
	runs []model.Run
}

func (m *memStore) CreateRun(_ context.Context, stageName, date string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := model.Run{ID: stageName + "-" + date, Stage: stageName, Date: date, Status: model.RunStatusRunning}
	m.runs = append(m.runs, r)
	return &r, nil
}

func (m *memStore) FinishRun(_ context.Context, run model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return errors.New("run not found")
}

func (m *memStore) ListRuns(_ context.Context, f store.RunFilter) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for _, r := range m.runs {
		if f.Stage == "" || r.Stage == f.Stage {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) MarkSeen(context.Context, []string, string) error { return nil }
func (m *memStore) FilterSeen(context.Context, []string, string) ([]string, error) {
	return nil, nil
}
func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

type harness struct {
	o       *Orchestrator
	paths   filter.Paths
	process *fakeStage
	alpha   *fakeStage
	content *fakeStage
	news    *fakeStage
	send    *fakeStage
	collect *fakeCollector
	ledger  *memStore
	alphaN  map[string]int
	contN   map[string]int
	slept   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		paths:   filter.Paths{Root: dir},
		process: newFakeStage(dir, "process"),
		alpha:   newFakeStage(dir, "alpha"),
		content: newFakeStage(dir, "content"),
		news:    newFakeStage(dir, "news"),
		send:    newFakeStage(dir, "send"),
		collect: &fakeCollector{},
		ledger:  &memStore{},
	}
	cfg := config.OrchestratorConfig{
		PollInterval:  time.Minute,
		DailyCron:     "0 4 * * *",
		ContentAllMin: 15,
		ContentAnyMin: 40,
		NewsAllMin:    10,
		NewsAnyMin:    15,
		DatePause:     5 * time.Second,
		CollectDaily:  true,
		RetentionDays: 14,
	}
	h.o = New(cfg, h.paths, Stages{
		Collect: h.collect,
		Process: h.process,
		Alpha:   h.alpha,
		Content: h.content,
		News:    h.news,
		Send:    h.send,
	}, Counts{
		Alpha:   func() (map[string]int, error) { return h.alphaN, nil },
		Content: func() (map[string]int, error) { return h.contN, nil },
	}, Options{Store: h.ledger})
	h.o.nowFunc = func() time.Time { return time.Date(2025, 1, 25, 10, 0, 0, 0, time.UTC) }
	h.o.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func (h *harness) writeOutput(t *testing.T, st *fakeStage) {
	t.Helper()
	require.NoError(t, jsonfile.WriteAtomic(st.output, map[string]any{"tweets": []any{}}))
}

func (h *harness) writeProcessed(t *testing.T, date string) {
	t.Helper()
	require.NoError(t, jsonfile.WriteAtomic(h.paths.ProcessedFile(date), map[string]any{"tweets": []any{}}))
}

func TestShouldRun(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
		want   bool
	}{
		{"empty", nil, false},
		{"one large category", map[string]int{"SUI": 40, "SEI": 1}, true},
		{"all above floor", map[string]int{"SUI": 15, "SEI": 20}, true},
		{"one below floor", map[string]int{"SUI": 15, "SEI": 14}, false},
		{"single category above floor", map[string]int{"SUI": 39}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRun(tt.counts, 15, 40))
		})
	}
	assert.False(t, ShouldRun(map[string]int{"SUI": 3}, 10, 0), "zero any threshold is disabled")
}

func TestTick_ContentCompletesClearsAlpha(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.alpha)
	h.alphaN = map[string]int{"SUI": 41}

	h.o.Tick(context.Background())

	assert.Equal(t, []string{"20250125"}, h.content.runs)
	assert.Equal(t, 1, h.alpha.clears)
	assert.NoFileExists(t, h.alpha.output)
	assert.Equal(t, 1, h.content.resets)
	assert.Zero(t, h.news.runCount(), "news below threshold")
	assert.Zero(t, h.send.runCount(), "no digest pending")
}

func TestTick_BelowThresholdRunsNothing(t *testing.T) {
	h := newHarness(t)
	h.alphaN = map[string]int{"SUI": 14, "SEI": 39}
	h.contN = map[string]int{"SUI": 9}

	h.o.Tick(context.Background())

	assert.Zero(t, h.content.runCount())
	assert.Zero(t, h.news.runCount())
}

func TestTick_FailedStageKeepsUpstream(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.alpha)
	h.alphaN = map[string]int{"SUI": 50}
	h.content.err = errors.New("disk full")

	h.o.Tick(context.Background())

	assert.Equal(t, 1, h.content.runCount())
	assert.Zero(t, h.alpha.clears)
	assert.FileExists(t, h.alpha.output)
	assert.Zero(t, h.content.resets)

	require.Len(t, h.ledger.runs, 1)
	assert.Equal(t, model.RunStatusFailed, h.ledger.runs[0].Status)
	assert.Equal(t, "disk full", h.ledger.runs[0].Error)
}

func TestTick_SuspendedStageKeepsState(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.alpha)
	h.alphaN = map[string]int{"SUI": 50}
	h.content.result.Status = stage.StatusSuspended

	h.o.Tick(context.Background())

	assert.Zero(t, h.alpha.clears)
	assert.Zero(t, h.content.resets)
}

func TestTick_NewsThenSend(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.content)
	h.writeOutput(t, h.news)
	h.contN = map[string]int{"SUI": 10, "SEI": 12}

	h.o.Tick(context.Background())

	assert.Equal(t, 1, h.news.runCount())
	assert.Equal(t, 1, h.content.clears)
	assert.Equal(t, 1, h.news.resets)
	assert.Equal(t, 1, h.send.runCount())
	assert.Equal(t, 1, h.send.resets)
	assert.Equal(t, 1, h.news.clears, "digest cleared after full delivery")
}

func TestTick_PartialSendKeepsDigest(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.news)
	h.send.result.Failed = 1

	h.o.Tick(context.Background())

	assert.Equal(t, 1, h.send.runCount())
	assert.Equal(t, 1, h.send.resets, "reset so the next tick retries undelivered sections")
	assert.Zero(t, h.news.clears)
	assert.FileExists(t, h.news.output)
}

func TestTick_ContentDeferredWhileAlphaWrites(t *testing.T) {
	h := newHarness(t)
	h.alphaN = map[string]int{"SUI": 50}

	h.o.alphaOut.Lock()
	h.o.Tick(context.Background())
	h.o.alphaOut.Unlock()

	assert.Zero(t, h.content.runCount())
}

func TestTick_ContentDeferredWhileAlphaLockedElsewhere(t *testing.T) {
	h := newHarness(t)
	h.writeOutput(t, h.alpha)
	h.alphaN = map[string]int{"SUI": 50}
	ctx := context.Background()

	locker := lock.NewMemoryLocker()
	h.o.opts.Locker = locker
	unlock, ok, err := locker.TryLock(ctx, "alpha", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h.o.Tick(ctx)
	assert.Zero(t, h.content.runCount())
	assert.Zero(t, h.alpha.clears)
	assert.FileExists(t, h.alpha.output)

	unlock()
	h.o.Tick(ctx)
	assert.Equal(t, []string{"20250125"}, h.content.runs)
	assert.Equal(t, 1, h.alpha.clears)
}

func TestRunStage_BusyGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.True(t, h.o.markBusy("process"))
	_, err := h.o.RunStage(ctx, h.process, "20250124")
	require.ErrorIs(t, err, ErrBusy)
	h.o.clearBusy("process")

	locker := lock.NewMemoryLocker()
	h.o.opts.Locker = locker
	unlock, ok, err := locker.TryLock(ctx, "process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.o.RunStage(ctx, h.process, "20250124")
	require.ErrorIs(t, err, ErrBusy)
	assert.Empty(t, h.o.Busy(), "a lost lock releases the busy flag")
	unlock()

	res, err := h.o.RunStage(ctx, h.process, "20250124")
	require.NoError(t, err)
	assert.Equal(t, stage.StatusCompleted, res.Status)
	assert.Equal(t, []string{"20250124"}, h.process.runs)
}

func TestDaily_RunsCollectProcessAndPendingAlphaDates(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250122")
	h.writeProcessed(t, "20250123")
	h.writeProcessed(t, "20250124")
	require.NoError(t, os.MkdirAll(h.paths.ProcessedDir("20250121"), 0o755)) // no combined file
	h.alpha.state = model.StageState{LastProcessedDate: "20250122", Completed: true}
	h.alpha.hasSt = true

	require.NoError(t, h.o.Daily(context.Background(), "20250124"))

	assert.Equal(t, []string{"20250124"}, h.collect.dates)
	assert.Equal(t, []string{"20250124"}, h.process.runs)
	assert.Equal(t, []string{"20250123", "20250124"}, h.alpha.runs)
	assert.Equal(t, []time.Duration{5 * time.Second}, h.slept)

	stages := map[string]model.RunStatus{}
	for _, r := range h.ledger.runs {
		stages[r.Stage+"/"+r.Date] = r.Status
	}
	assert.Equal(t, model.RunStatusCompleted, stages["collect/20250124"])
	assert.Equal(t, model.RunStatusCompleted, stages["alpha/20250123"])
}

func TestDaily_ProcessFailureStopsPass(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250124")
	h.process.err = errors.New("corrupt raw file")

	err := h.o.Daily(context.Background(), "20250124")
	require.Error(t, err)
	assert.Zero(t, h.alpha.runCount())
}

func TestPendingAlphaDates_SkipsLedgerCompleted(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250120")
	h.writeProcessed(t, "20250121")
	h.ledger.runs = []model.Run{{ID: "x", Stage: "alpha", Date: "20250120", Status: model.RunStatusCompleted}}

	dates, err := h.o.PendingAlphaDates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20250121"}, dates)
}

func TestPendingAlphaDates_SkipsDoneMarker(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250120")
	h.writeProcessed(t, "20250121")

	_, err := h.o.RunStage(context.Background(), h.alpha, "20250120")
	require.NoError(t, err)
	assert.FileExists(t, h.paths.AlphaDoneFile("20250120"))

	dates, err := h.o.PendingAlphaDates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"20250121"}, dates)
}

func TestRunStage_NoDoneMarkerUnlessAlphaCompletes(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250120")
	ctx := context.Background()

	_, err := h.o.RunStage(ctx, h.content, "20250120")
	require.NoError(t, err)
	assert.NoFileExists(t, h.paths.AlphaDoneFile("20250120"), "only alpha writes the marker")

	h.alpha.result.Status = stage.StatusSuspended
	_, err = h.o.RunStage(ctx, h.alpha, "20250120")
	require.NoError(t, err)
	assert.NoFileExists(t, h.paths.AlphaDoneFile("20250120"))

	h.alpha.result.Status = stage.StatusCompleted
	h.alpha.err = errors.New("llm down")
	_, err = h.o.RunStage(ctx, h.alpha, "20250120")
	require.Error(t, err)
	assert.NoFileExists(t, h.paths.AlphaDoneFile("20250120"))
}

func TestRunAllDates_WithoutStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	paths := filter.Paths{Root: dir}
	for _, d := range []string{"20250120", "20250121"} {
		require.NoError(t, jsonfile.WriteAtomic(paths.ProcessedFile(d), map[string]any{"tweets": []any{}}))
	}

	var mu sync.Mutex
	calls := 0
	alpha := stage.NewRunner(stage.Config{
		Name:       "alpha",
		Dir:        paths.StageDir("alpha"),
		OutputFile: "combined_filtered.json",
		ChunkSize:  5,
	}, func(_ context.Context, date string) ([]string, error) {
		return []string{date + "-1", date + "-2", date + "-3"}, nil
	}, func(_ context.Context, id string) (string, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return id, true, nil
	})

	o := New(config.OrchestratorConfig{}, paths, Stages{Alpha: alpha}, Counts{}, Options{})
	o.sleep = func(context.Context, time.Duration) error { return nil }
	ctx := context.Background()

	results, err := o.RunAllDates(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 6, calls)

	results, err = o.RunAllDates(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 6, calls, "completed dates are not transformed again")

	pending, err := o.PendingAlphaDates(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	out, err := alpha.ReadOutput()
	require.NoError(t, err)
	assert.Len(t, out.Tweets, 6)
}

func TestRunAllDates_StopsOnSuspend(t *testing.T) {
	h := newHarness(t)
	h.writeProcessed(t, "20250120")
	h.writeProcessed(t, "20250121")
	h.alpha.result.Status = stage.StatusSuspended

	results, err := h.o.RunAllDates(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []string{"20250120"}, h.alpha.runs)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	for _, dir := range []string{
		h.paths.RawDir("20250101"),
		h.paths.RawDir("20250111"),
		h.paths.ProcessedDir("20250110"),
		h.paths.ProcessedDir("20250124"),
		filepath.Join(h.paths.Root, "raw", "notes"),
	} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	removed, err := h.o.Cleanup()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h.paths.RawDir("20250101"), h.paths.ProcessedDir("20250110")}, removed)
	assert.DirExists(t, h.paths.RawDir("20250111"))
	assert.DirExists(t, filepath.Join(h.paths.Root, "raw", "notes"))

	h.o.cfg.RetentionDays = 0
	removed, err = h.o.Cleanup()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestCountByCategory(t *testing.T) {
	read := func() (model.StageOutput[model.FilteredItem], error) {
		return model.StageOutput[model.FilteredItem]{Tweets: []model.FilteredItem{
			{ID: "1", Category: "SUI"}, {ID: "2", Category: "SUI"}, {ID: "3", Category: "SEI"},
		}}, nil
	}
	counts, err := CountByCategory(read, func(f model.FilteredItem) string { return f.Category })()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SUI": 2, "SEI": 1}, counts)
}

func TestStart_StopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	sd := &stage.Shutdown{}
	h.o.opts.Shutdown = sd
	h.alphaN = map[string]int{"SUI": 50}

	done := make(chan error, 1)
	go func() { done <- h.o.Start(context.Background()) }()

	require.Eventually(t, func() bool { return h.content.runCount() == 1 }, time.Second, 5*time.Millisecond)
	sd.Request()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after shutdown")
	}
}

func TestStart_BadCron(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.DailyCron = "not a cron"
	err := h.o.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_cron")
}
