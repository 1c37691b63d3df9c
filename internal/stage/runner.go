// Package stage runs a pipeline stage over its input in checkpointed chunks.
package stage

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/model"
)

// Status is the outcome of one Run.
type Status string

const (
	StatusNothingToDo      Status = "nothing_to_do"
	StatusAlreadyCompleted Status = "already_completed"
	StatusSuspended        Status = "suspended"
	StatusCompleted        Status = "completed"
)

// Done reports whether the stage has fully processed its input.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusAlreadyCompleted
}

// Result summarizes one Run.
type Result struct {
	Stage       string `json:"stage"`
	Date        string `json:"date"`
	Status      Status `json:"status"`
	TotalChunks int    `json:"total_chunks"`
	ChunksRun   int    `json:"chunks_run"`
	Processed   int    `json:"processed"`
	Kept        int    `json:"kept"`
	Failed      int    `json:"failed"`
}

// Stage is the type-erased view of a Runner used by the orchestrator, the
// CLI and the status server.
type Stage interface {
	Name() string
	Run(ctx context.Context, date string) (Result, error)
	State() (model.StageState, bool)
	Reset() error
	ClearOutput() error
	Recover() (model.StageState, error)
	OutputPath() string
}

// Config controls chunking for one stage.
type Config struct {
	Name       string
	Dir        string
	OutputFile string
	ChunkSize  int
	ChunkDelay time.Duration
	// Concurrency bounds in-flight transforms within a chunk. Zero means the
	// whole chunk fans out at once.
	Concurrency int
	// DatedOutput writes the output to Dir/<date>/OutputFile instead of one
	// accumulated file.
	DatedOutput bool
}

// LoadFunc returns the ordered input for a date. An empty slice means there
// is nothing to do.
type LoadFunc[In any] func(ctx context.Context, date string) ([]In, error)

// TransformFunc turns one input into an output. keep == false drops the item
// without counting it as a failure.
type TransformFunc[In, Out any] func(ctx context.Context, item In) (out Out, keep bool, err error)

// Runner processes a stage's input in fixed-size chunks, persisting the
// cursor after every chunk so an interrupted run resumes where it stopped.
type Runner[In, Out any] struct {
	cfg        Config
	load       LoadFunc[In]
	transform  TransformFunc[In, Out]
	checkpoint *Checkpoint

	// AfterChunk post-processes a chunk's kept results before they are
	// appended (e.g. duplicate collapse).
	AfterChunk func(ctx context.Context, results []Out) []Out

	// Key identifies outputs; results whose key is already present in the
	// output file are not appended twice.
	Key func(Out) string

	// Finalize runs once all chunks are committed, before the state is
	// marked completed. It may rewrite the whole output and must be safe to
	// run more than once for the same date.
	Finalize func(ctx context.Context, date string, output model.StageOutput[Out]) (model.StageOutput[Out], error)

	// SizeFunc derives the chunk size from a fresh input. The size is kept
	// in the checkpoint so a resumed run uses the same partition.
	SizeFunc func(input []In) int

	// Shutdown is checked before every chunk.
	Shutdown *Shutdown

	sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewRunner creates a Runner.
func NewRunner[In, Out any](cfg Config, load LoadFunc[In], transform TransformFunc[In, Out]) *Runner[In, Out] {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10
	}
	if cfg.OutputFile == "" {
		cfg.OutputFile = "output.json"
	}
	return &Runner[In, Out]{
		cfg:        cfg,
		load:       load,
		transform:  transform,
		checkpoint: NewCheckpoint(cfg.Name, cfg.Dir),
		sleep:      sleepCtx,
		nowFunc:    time.Now,
	}
}

// Name returns the stage name.
func (r *Runner[In, Out]) Name() string { return r.cfg.Name }

// OutputPath returns the output file. For dated output it is the file of the
// checkpoint's date, or of the newest date on disk when there is no
// checkpoint.
func (r *Runner[In, Out]) OutputPath() string {
	if !r.cfg.DatedOutput {
		return filepath.Join(r.cfg.Dir, r.cfg.OutputFile)
	}
	if s, ok := r.checkpoint.Load(); ok && s.LastProcessedDate != "" {
		return r.OutputPathFor(s.LastProcessedDate)
	}
	return r.OutputPathFor(r.latestOutputDate())
}

// OutputPathFor returns the output file a run for date writes.
func (r *Runner[In, Out]) OutputPathFor(date string) string {
	if !r.cfg.DatedOutput {
		return filepath.Join(r.cfg.Dir, r.cfg.OutputFile)
	}
	return filepath.Join(r.cfg.Dir, date, r.cfg.OutputFile)
}

func (r *Runner[In, Out]) latestOutputDate() string {
	matches, _ := filepath.Glob(filepath.Join(r.cfg.Dir, "*", r.cfg.OutputFile))
	latest := ""
	for _, m := range matches {
		date := filepath.Base(filepath.Dir(m))
		if _, err := model.ParseDateKey(date); err == nil && date > latest {
			latest = date
		}
	}
	return latest
}

// ChunkSize returns the configured chunk size.
func (r *Runner[In, Out]) ChunkSize() int { return r.cfg.ChunkSize }

// State returns the persisted checkpoint.
func (r *Runner[In, Out]) State() (model.StageState, bool) { return r.checkpoint.Load() }

// Reset deletes the checkpoint and input snapshot; the output is kept.
func (r *Runner[In, Out]) Reset() error { return r.checkpoint.Reset() }

// ClearOutput deletes the accumulated output file.
func (r *Runner[In, Out]) ClearOutput() error { return jsonfile.Remove(r.OutputPath()) }

// ReadOutput returns the accumulated output, empty when none exists.
func (r *Runner[In, Out]) ReadOutput() (model.StageOutput[Out], error) {
	return r.readOutputAt(r.OutputPath())
}

func (r *Runner[In, Out]) readOutputAt(path string) (model.StageOutput[Out], error) {
	var out model.StageOutput[Out]
	if _, err := jsonfile.Read(path, &out); err != nil {
		return out, &DataProcessingError{Stage: r.cfg.Name, Path: path, Err: err}
	}
	return out, nil
}

// Recover rebuilds a missing or invalid checkpoint from the output file. The
// rebuilt cursor starts at chunk 0; outputs already present are not appended
// again when Key is set.
func (r *Runner[In, Out]) Recover() (model.StageState, error) {
	if s, ok := r.checkpoint.Load(); ok {
		return s, nil
	}
	out, err := r.ReadOutput()
	if err != nil {
		return model.StageState{}, err
	}
	if out.Metadata.ProcessedDate == "" {
		return model.StageState{}, eris.Errorf("stage %s: no output to recover from", r.cfg.Name)
	}
	s := model.NewStageState(out.Metadata.ProcessedDate)
	if err := r.checkpoint.Save(s); err != nil {
		return model.StageState{}, eris.Wrapf(err, "stage %s: save recovered state", r.cfg.Name)
	}
	zap.L().Info("stage: recovered state from output",
		zap.String("stage", r.cfg.Name),
		zap.String("date", s.LastProcessedDate),
		zap.Int("existing_outputs", len(out.Tweets)),
	)
	return s, nil
}

// Run processes the input for date. A completed date is a no-op; an
// interrupted one resumes at the saved cursor.
func (r *Runner[In, Out]) Run(ctx context.Context, date string) (Result, error) {
	log := zap.L().With(zap.String("stage", r.cfg.Name), zap.String("date", date))
	res := Result{Stage: r.cfg.Name, Date: date}

	state, found := r.checkpoint.Load()
	if found && state.LastProcessedDate == date && state.Completed {
		res.Status = StatusAlreadyCompleted
		res.TotalChunks = state.TotalChunks
		log.Info("stage already completed")
		return res, nil
	}

	input, state, err := r.prepare(ctx, date, state, found && state.LastProcessedDate == date)
	if err != nil {
		return res, err
	}
	if input == nil {
		res.Status = StatusNothingToDo
		log.Info("no input, nothing to do")
		return res, nil
	}
	res.TotalChunks = state.TotalChunks

	outPath := r.OutputPathFor(date)
	output, err := r.readOutputAt(outPath)
	if err != nil {
		return res, err
	}
	seen := r.outputKeys(output.Tweets)

	if state.LastChunk > 0 {
		log.Info("resuming stage", zap.Int("from_chunk", state.LastChunk), zap.Int("total_chunks", state.TotalChunks))
	}

	size := r.sizeOf(state)
	for idx := state.LastChunk; idx < state.TotalChunks; idx++ {
		if r.Shutdown.Requested() {
			state.LastChunk = idx
			if err := r.checkpoint.Save(state); err != nil {
				return res, eris.Wrapf(err, "stage %s: save state on shutdown", r.cfg.Name)
			}
			res.Status = StatusSuspended
			log.Info("stage suspended", zap.Int("last_chunk", idx), zap.Int("total_chunks", state.TotalChunks))
			return res, nil
		}

		end := min((idx+1)*size, len(input))
		chunk := input[idx*size : end]
		results, failed := r.runChunk(ctx, chunk)
		if ctx.Err() != nil {
			// The chunk did not run to completion; leave it uncommitted.
			return res, ctx.Err()
		}
		if r.AfterChunk != nil && len(results) > 1 {
			results = r.AfterChunk(ctx, results)
		}
		results = r.dropSeen(results, seen)

		output.Append(date, r.nowFunc(), results...)
		if err := jsonfile.WriteAtomic(outPath, output); err != nil {
			return res, eris.Wrapf(err, "stage %s: write output for chunk %d", r.cfg.Name, idx+1)
		}
		state.LastChunk = idx + 1
		if err := r.checkpoint.Save(state); err != nil {
			return res, eris.Wrapf(err, "stage %s: save state for chunk %d", r.cfg.Name, idx+1)
		}

		res.ChunksRun++
		res.Processed += len(chunk)
		res.Kept += len(results)
		res.Failed += failed
		log.Info("chunk processed",
			zap.Int("chunk", idx+1),
			zap.Int("total_chunks", state.TotalChunks),
			zap.Int("items", len(chunk)),
			zap.Int("kept", len(results)),
			zap.Int("failed", failed),
		)

		if idx+1 < state.TotalChunks && r.cfg.ChunkDelay > 0 {
			if err := r.sleep(ctx, r.cfg.ChunkDelay); err != nil {
				return res, err
			}
		}
	}

	if r.Finalize != nil {
		final, err := r.Finalize(ctx, date, output)
		if err != nil {
			return res, eris.Wrapf(err, "stage %s: finalize", r.cfg.Name)
		}
		if err := jsonfile.WriteAtomic(outPath, final); err != nil {
			return res, eris.Wrapf(err, "stage %s: write finalized output", r.cfg.Name)
		}
	}

	state.Completed = true
	state.LastChunk = state.TotalChunks
	if err := r.checkpoint.Save(state); err != nil {
		return res, eris.Wrapf(err, "stage %s: save completed state", r.cfg.Name)
	}
	res.Status = StatusCompleted
	log.Info("stage completed",
		zap.Int("chunks_run", res.ChunksRun),
		zap.Int("kept", res.Kept),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// prepare returns the input and cursor for the run. It returns a nil input
// when there is nothing to do; in that case no state is written.
func (r *Runner[In, Out]) prepare(ctx context.Context, date string, state model.StageState, sameDate bool) ([]In, model.StageState, error) {
	if sameDate && state.TotalChunks > 0 {
		var snapshot []In
		ok, err := jsonfile.Read(r.checkpoint.SnapshotPath(), &snapshot)
		if ok && err == nil && chunkCount(len(snapshot), r.sizeOf(state)) == state.TotalChunks {
			return snapshot, state, nil
		}
		zap.L().Warn("stage: input snapshot unusable, restarting date",
			zap.String("stage", r.cfg.Name),
			zap.String("date", date),
			zap.Bool("found", ok),
			zap.Error(err),
		)
	}

	input, err := r.load(ctx, date)
	if err != nil {
		return nil, state, err
	}
	if len(input) == 0 {
		return nil, state, nil
	}
	if err := jsonfile.WriteAtomic(r.checkpoint.SnapshotPath(), input); err != nil {
		return nil, state, eris.Wrapf(err, "stage %s: write input snapshot", r.cfg.Name)
	}
	fresh := model.NewStageState(date)
	size := r.cfg.ChunkSize
	if r.SizeFunc != nil {
		if n := r.SizeFunc(input); n > 0 {
			size = n
			fresh.ChunkSize = n
		}
	}
	fresh.TotalChunks = chunkCount(len(input), size)
	if err := r.checkpoint.Save(fresh); err != nil {
		return nil, state, eris.Wrapf(err, "stage %s: save initial state", r.cfg.Name)
	}
	return input, fresh, nil
}

// runChunk fans the chunk out and gathers kept results in input order.
func (r *Runner[In, Out]) runChunk(ctx context.Context, chunk []In) ([]Out, int) {
	slots := make([]*Out, len(chunk))
	var failed atomic.Int32

	var g errgroup.Group
	if r.cfg.Concurrency > 0 {
		g.SetLimit(r.cfg.Concurrency)
	}
	for i, item := range chunk {
		g.Go(func() error {
			out, keep, err := r.safeTransform(ctx, item)
			if err != nil {
				failed.Add(1)
				zap.L().Warn("stage: item failed, dropping",
					zap.String("stage", r.cfg.Name),
					zap.Int("index", i),
					zap.Error(err),
				)
				return nil
			}
			if keep {
				slots[i] = &out
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Out, 0, len(chunk))
	for _, s := range slots {
		if s != nil {
			results = append(results, *s)
		}
	}
	return results, int(failed.Load())
}

func (r *Runner[In, Out]) safeTransform(ctx context.Context, item In) (out Out, keep bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("stage %s: panic in transform: %v", r.cfg.Name, p)
		}
	}()
	return r.transform(ctx, item)
}

func (r *Runner[In, Out]) outputKeys(items []Out) map[string]bool {
	if r.Key == nil {
		return nil
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[r.Key(it)] = true
	}
	return seen
}

func (r *Runner[In, Out]) dropSeen(results []Out, seen map[string]bool) []Out {
	if r.Key == nil {
		return results
	}
	kept := results[:0]
	for _, it := range results {
		k := r.Key(it)
		if seen[k] {
			continue
		}
		seen[k] = true
		kept = append(kept, it)
	}
	return kept
}

func (r *Runner[In, Out]) sizeOf(state model.StageState) int {
	if state.ChunkSize > 0 {
		return state.ChunkSize
	}
	return r.cfg.ChunkSize
}

func chunkCount(n, size int) int {
	return (n + size - 1) / size
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
