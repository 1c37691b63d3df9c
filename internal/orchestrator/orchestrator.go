// Package orchestrator decides when each pipeline stage runs: the daily
// collect/process/alpha pass, the threshold-driven content/news/send ticks
// and retention cleanup.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/filter"
	"github.com/sells-group/tweet-digest/internal/lock"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/source"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

// ErrBusy is returned when a stage is already running here or in another
// process.
var ErrBusy = eris.New("orchestrator: stage busy")

const (
	stageCollect = "collect"
	guardDaily   = "daily"
	guardTick    = "tick"
)

// Collector fetches a date's raw tweets.
type Collector interface {
	Collect(ctx context.Context, date string) (source.CollectResult, error)
}

// CountFunc reports how many items wait in front of a stage, per category.
type CountFunc func() (map[string]int, error)

// Stages are the pipeline steps the orchestrator drives. Collect may be nil
// when raw files come from an external scraper.
type Stages struct {
	Collect Collector
	Process stage.Stage
	Alpha   stage.Stage
	Content stage.Stage
	News    stage.Stage
	Send    stage.Stage
}

// All returns the chunked stages in pipeline order.
func (s Stages) All() []stage.Stage {
	return []stage.Stage{s.Process, s.Alpha, s.Content, s.News, s.Send}
}

// Counts measure the backlog in front of content and news.
type Counts struct {
	Alpha   CountFunc
	Content CountFunc
}

// Options are the optional collaborators of an Orchestrator.
type Options struct {
	Store    store.Store
	Locker   lock.Locker
	LockTTL  time.Duration
	Shutdown *stage.Shutdown
}

// Orchestrator holds the scheduling state of one pipeline instance.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	stages Stages
	counts Counts
	paths  filter.Paths
	opts   Options

	mu   sync.Mutex
	busy map[string]bool

	// alphaOut is held while the alpha output is appended to (alpha) or
	// consumed and cleared (content).
	alphaOut sync.Mutex

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Orchestrator.
func New(cfg config.OrchestratorConfig, paths filter.Paths, stages Stages, counts Counts, opts Options) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = lock.NewMemoryLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Hour
	}
	return &Orchestrator{
		cfg:     cfg,
		stages:  stages,
		counts:  counts,
		paths:   paths,
		opts:    opts,
		busy:    map[string]bool{},
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

// Stages returns the stages the orchestrator drives.
func (o *Orchestrator) Stages() Stages { return o.stages }

// Busy returns a snapshot of the stages currently running in this process.
func (o *Orchestrator) Busy() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool, len(o.busy))
	for k, v := range o.busy {
		if v {
			out[k] = true
		}
	}
	return out
}

func (o *Orchestrator) markBusy(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy[name] {
		return false
	}
	o.busy[name] = true
	return true
}

func (o *Orchestrator) clearBusy(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.busy, name)
}

// acquire takes the in-process flag and the shared lock for name.
func (o *Orchestrator) acquire(ctx context.Context, name string) (func(), error) {
	if !o.markBusy(name) {
		return nil, ErrBusy
	}
	unlock, ok, err := o.opts.Locker.TryLock(ctx, name, o.opts.LockTTL)
	if err != nil {
		o.clearBusy(name)
		return nil, eris.Wrapf(err, "orchestrator: lock %s", name)
	}
	if !ok {
		o.clearBusy(name)
		return nil, ErrBusy
	}
	return func() {
		unlock()
		o.clearBusy(name)
	}, nil
}

// RunStage runs one stage for date under its busy guard and records the run
// in the ledger.
func (o *Orchestrator) RunStage(ctx context.Context, st stage.Stage, date string) (stage.Result, error) {
	release, err := o.acquire(ctx, st.Name())
	if err != nil {
		return stage.Result{Stage: st.Name(), Date: date}, err
	}
	defer release()

	run := o.startRun(ctx, st.Name(), date)
	res, err := st.Run(ctx, date)
	o.finishRun(ctx, run, res, err)
	if err == nil && res.Status.Done() && o.isAlpha(st) {
		o.markAlphaDone(res)
	}
	return res, err
}

func (o *Orchestrator) isAlpha(st stage.Stage) bool {
	return o.stages.Alpha != nil && st.Name() == o.stages.Alpha.Name()
}

// Collect runs the collector for date.
func (o *Orchestrator) Collect(ctx context.Context, date string) (source.CollectResult, error) {
	if o.stages.Collect == nil {
		return source.CollectResult{Date: date}, eris.New("orchestrator: no collector configured")
	}
	release, err := o.acquire(ctx, stageCollect)
	if err != nil {
		return source.CollectResult{Date: date}, err
	}
	defer release()

	run := o.startRun(ctx, stageCollect, date)
	res, err := o.stages.Collect.Collect(ctx, date)
	kept := 0
	for _, n := range res.Columns {
		kept += n
	}
	o.finishRun(ctx, run, stage.Result{
		Stage:     stageCollect,
		Date:      date,
		Status:    stage.StatusCompleted,
		Processed: len(res.Columns) + len(res.Failed),
		Kept:      kept,
		Failed:    len(res.Failed),
	}, err)
	return res, err
}

// Daily runs the once-a-day pass for date: collect, process, then alpha
// over every processed date that is not done yet.
func (o *Orchestrator) Daily(ctx context.Context, date string) error {
	if !o.markBusy(guardDaily) {
		zap.L().Warn("orchestrator: previous daily run still in progress, skipping", zap.String("date", date))
		return ErrBusy
	}
	defer o.clearBusy(guardDaily)

	log := zap.L().With(zap.String("date", date))
	log.Info("orchestrator: daily run starting")

	if o.cfg.CollectDaily && o.stages.Collect != nil {
		res, err := o.Collect(ctx, date)
		if err != nil {
			// Raw files may still come from elsewhere; process decides.
			log.Error("orchestrator: collect failed", zap.Error(err))
		} else {
			log.Info("orchestrator: collect done", zap.Int("columns", len(res.Columns)), zap.Strings("failed", res.Failed))
		}
	}

	res, err := o.RunStage(ctx, o.stages.Process, date)
	if err != nil {
		return eris.Wrapf(err, "orchestrator: process %s", date)
	}
	if res.Status == stage.StatusSuspended || o.opts.Shutdown.Requested() {
		return nil
	}

	o.alphaOut.Lock()
	defer o.alphaOut.Unlock()
	_, err = o.runAllDates(ctx)
	return err
}

// RunAllDates runs alpha over every processed date it has not completed,
// oldest first, pausing between dates.
func (o *Orchestrator) RunAllDates(ctx context.Context) ([]stage.Result, error) {
	o.alphaOut.Lock()
	defer o.alphaOut.Unlock()
	return o.runAllDates(ctx)
}

func (o *Orchestrator) runAllDates(ctx context.Context) ([]stage.Result, error) {
	dates, err := o.PendingAlphaDates(ctx)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		zap.L().Info("orchestrator: no new dates to process")
		return nil, nil
	}
	zap.L().Info("orchestrator: processing dates", zap.Strings("dates", dates))

	var results []stage.Result
	for i, date := range dates {
		if o.opts.Shutdown.Requested() {
			break
		}
		res, err := o.RunStage(ctx, o.stages.Alpha, date)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			zap.L().Error("orchestrator: alpha failed", zap.String("date", date), zap.Error(err))
			continue
		}
		results = append(results, res)
		if res.Status == stage.StatusSuspended {
			break
		}
		if i < len(dates)-1 {
			if err := o.sleep(ctx, o.cfg.DatePause); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

// Tick checks the content and news thresholds and runs whatever is due,
// then delivers any pending digest.
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.markBusy(guardTick) {
		zap.L().Debug("orchestrator: previous tick still running")
		return
	}
	defer o.clearBusy(guardTick)

	date := model.DateKey(o.nowFunc())
	o.maybeContent(ctx, date)
	if o.opts.Shutdown.Requested() {
		return
	}
	o.maybeNews(ctx, date)
	if o.opts.Shutdown.Requested() {
		return
	}
	o.maybeSend(ctx, date)
}

func (o *Orchestrator) maybeContent(ctx context.Context, date string) {
	if !o.due("content", o.counts.Alpha, o.cfg.ContentAllMin, o.cfg.ContentAnyMin) {
		return
	}
	if !o.alphaOut.TryLock() {
		zap.L().Info("orchestrator: alpha is writing, content deferred")
		return
	}
	defer o.alphaOut.Unlock()

	// Alpha runs in other processes append to the same output under the
	// alpha key.
	unlock, ok, err := o.opts.Locker.TryLock(ctx, o.stages.Alpha.Name(), o.opts.LockTTL)
	if err != nil {
		zap.L().Warn("orchestrator: lock alpha output", zap.Error(err))
		return
	}
	if !ok {
		zap.L().Info("orchestrator: alpha is running elsewhere, content deferred")
		return
	}
	defer unlock()

	res, err := o.RunStage(ctx, o.stages.Content, date)
	o.afterConsumer(res, err, o.stages.Alpha, o.stages.Content)
}

func (o *Orchestrator) maybeNews(ctx context.Context, date string) {
	if !o.due("news", o.counts.Content, o.cfg.NewsAllMin, o.cfg.NewsAnyMin) {
		return
	}
	res, err := o.RunStage(ctx, o.stages.News, date)
	o.afterConsumer(res, err, o.stages.Content, o.stages.News)
}

// afterConsumer clears the upstream output once the consumer completed and
// resets the consumer so the next batch of the same day can start.
func (o *Orchestrator) afterConsumer(res stage.Result, err error, upstream, consumer stage.Stage) {
	log := zap.L().With(zap.String("stage", consumer.Name()), zap.String("date", res.Date))
	switch {
	case err != nil:
		if !eris.Is(err, ErrBusy) {
			log.Error("orchestrator: stage failed, will retry next tick", zap.Error(err))
		}
		return
	case res.Status == stage.StatusCompleted:
		if err := upstream.ClearOutput(); err != nil {
			log.Error("orchestrator: clear upstream output", zap.String("upstream", upstream.Name()), zap.Error(err))
			return
		}
		log.Info("orchestrator: stage completed, upstream cleared",
			zap.String("upstream", upstream.Name()), zap.Int("kept", res.Kept), zap.Int("failed", res.Failed))
	case res.Status == stage.StatusAlreadyCompleted:
		log.Info("orchestrator: stage already completed today, resetting for the next batch")
	default:
		return
	}
	if err := consumer.Reset(); err != nil {
		log.Error("orchestrator: reset stage", zap.Error(err))
	}
}

func (o *Orchestrator) maybeSend(ctx context.Context, date string) {
	if o.stages.Send == nil || !outputExists(o.stages.News) {
		return
	}
	res, err := o.RunStage(ctx, o.stages.Send, date)
	log := zap.L().With(zap.String("stage", o.stages.Send.Name()), zap.String("date", date))
	if err != nil {
		if !eris.Is(err, ErrBusy) {
			log.Error("orchestrator: send failed, will retry next tick", zap.Error(err))
		}
		return
	}

	switch res.Status {
	case stage.StatusCompleted, stage.StatusAlreadyCompleted:
		// Receipts keep delivered sections from going out twice, so
		// resetting is safe even after partial failure.
		if err := o.stages.Send.Reset(); err != nil {
			log.Error("orchestrator: reset send", zap.Error(err))
		}
	case stage.StatusSuspended:
		return
	}

	if res.Failed > 0 {
		log.Warn("orchestrator: some sections were not delivered, keeping digest", zap.Int("failed", res.Failed))
		return
	}
	if res.Status == stage.StatusCompleted || res.Status == stage.StatusNothingToDo {
		if err := o.stages.News.ClearOutput(); err != nil {
			log.Error("orchestrator: clear news output", zap.Error(err))
		}
	}
}

// due reports whether the backlog counted by count meets either threshold.
func (o *Orchestrator) due(name string, count CountFunc, allMin, anyMin int) bool {
	if count == nil {
		return false
	}
	counts, err := count()
	if err != nil {
		zap.L().Error("orchestrator: count backlog", zap.String("stage", name), zap.Error(err))
		return false
	}
	ok := ShouldRun(counts, allMin, anyMin)
	if ok {
		zap.L().Info("orchestrator: threshold met", zap.String("stage", name), zap.Any("counts", counts))
	}
	return ok
}

// ShouldRun reports whether any category reached anyMin or every category
// present reached allMin. An empty backlog never runs.
func ShouldRun(counts map[string]int, allMin, anyMin int) bool {
	if len(counts) == 0 {
		return false
	}
	all := true
	for _, n := range counts {
		if anyMin > 0 && n >= anyMin {
			return true
		}
		if n < allMin {
			all = false
		}
	}
	return all
}

// CountByCategory builds a CountFunc over a stage output.
func CountByCategory[T any](read func() (model.StageOutput[T], error), category func(T) string) CountFunc {
	return func() (map[string]int, error) {
		out, err := read()
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int)
		for _, it := range out.Tweets {
			counts[category(it)]++
		}
		return counts, nil
	}
}

func (o *Orchestrator) startRun(ctx context.Context, name, date string) *model.Run {
	if o.opts.Store == nil {
		return nil
	}
	run, err := o.opts.Store.CreateRun(ctx, name, date)
	if err != nil {
		zap.L().Warn("orchestrator: record run start", zap.String("stage", name), zap.Error(err))
		return nil
	}
	return run
}

func (o *Orchestrator) finishRun(ctx context.Context, run *model.Run, res stage.Result, runErr error) {
	if run == nil {
		return
	}
	run.Status = model.RunStatus(res.Status)
	run.TotalChunks = res.TotalChunks
	run.ChunksRun = res.ChunksRun
	run.Processed = res.Processed
	run.Kept = res.Kept
	run.Failed = res.Failed
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	}
	// The run context may be cancelled; the ledger write should still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.opts.Store.FinishRun(wctx, *run); err != nil {
		zap.L().Warn("orchestrator: record run finish", zap.String("stage", run.Stage), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
