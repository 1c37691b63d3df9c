package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

// PendingAlphaDates lists processed dates alpha has not completed, oldest
// first. Completion comes from the per-date done marker, alpha's checkpoint
// and, when a store is configured, the run ledger.
func (o *Orchestrator) PendingAlphaDates(ctx context.Context) ([]string, error) {
	dates, err := dateDirs(o.paths.ProcessedRoot())
	if err != nil {
		return nil, err
	}

	done := map[string]bool{}
	if st, ok := o.stages.Alpha.State(); ok && st.Completed {
		done[st.LastProcessedDate] = true
	}
	if o.opts.Store != nil {
		runs, err := o.opts.Store.ListRuns(ctx, store.RunFilter{Stage: o.stages.Alpha.Name(), Limit: 1000})
		if err != nil {
			zap.L().Warn("orchestrator: read run ledger", zap.Error(err))
		}
		for _, r := range runs {
			if r.Status == model.RunStatusCompleted || r.Status == model.RunStatusSkipped {
				done[r.Date] = true
			}
		}
	}

	var pending []string
	for _, d := range dates {
		if done[d] || jsonfile.Exists(o.paths.AlphaDoneFile(d)) || !jsonfile.Exists(o.paths.ProcessedFile(d)) {
			continue
		}
		pending = append(pending, d)
	}
	return pending, nil
}

type alphaDone struct {
	Date        string    `json:"date"`
	TotalChunks int       `json:"total_chunks"`
	CompletedAt time.Time `json:"completed_at"`
}

// markAlphaDone records that alpha finished date, independent of the ledger.
func (o *Orchestrator) markAlphaDone(res stage.Result) {
	err := jsonfile.WriteAtomic(o.paths.AlphaDoneFile(res.Date), alphaDone{
		Date:        res.Date,
		TotalChunks: res.TotalChunks,
		CompletedAt: o.nowFunc().UTC(),
	})
	if err != nil {
		zap.L().Warn("orchestrator: write alpha done marker", zap.String("date", res.Date), zap.Error(err))
	}
}

// Cleanup deletes raw and processed date directories older than the
// retention window and returns the removed paths.
func (o *Orchestrator) Cleanup() ([]string, error) {
	if o.cfg.RetentionDays <= 0 {
		return nil, nil
	}
	now := o.nowFunc().UTC()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -o.cfg.RetentionDays)

	var removed []string
	for _, root := range []string{filepath.Join(o.paths.Root, "raw"), o.paths.ProcessedRoot()} {
		dates, err := dateDirs(root)
		if err != nil {
			return removed, err
		}
		for _, d := range dates {
			t, _ := model.ParseDateKey(d)
			if !t.Before(cutoff) {
				continue
			}
			dir := filepath.Join(root, d)
			if err := os.RemoveAll(dir); err != nil {
				return removed, eris.Wrapf(err, "orchestrator: remove %s", dir)
			}
			removed = append(removed, dir)
		}
	}
	if len(removed) > 0 {
		zap.L().Info("orchestrator: retention cleanup", zap.Strings("removed", removed))
	}
	return removed, nil
}

// dateDirs returns the YYYYMMDD subdirectories of root in ascending order.
func dateDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: list %s", root)
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := model.ParseDateKey(e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

func outputExists(st stage.Stage) bool {
	return st != nil && jsonfile.Exists(st.OutputPath())
}
