package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/dedup"
	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/textnorm"
)

// SeenLedger remembers which tweet ids earlier dates already processed.
type SeenLedger interface {
	// FilterSeen returns the ids already recorded for a date other than date.
	FilterSeen(ctx context.Context, ids []string, date string) ([]string, error)
	MarkSeen(ctx context.Context, ids []string, date string) error
}

// Quarantined is a raw record rejected at the stage boundary.
type Quarantined struct {
	File   string          `json:"file"`
	Reason string          `json:"reason"`
	Record json.RawMessage `json:"record"`
}

// NewProcessStage builds the stage that merges a date's raw column files,
// removes duplicates and normalizes the text. seen may be nil.
func NewProcessStage(paths Paths, cfg config.StageConfig, catalog *model.Catalog, seen SeenLedger) *stage.Runner[model.Item, model.Item] {
	load := func(ctx context.Context, date string) ([]model.Item, error) {
		return loadRaw(ctx, paths, date, catalog, seen)
	}
	r := stage.NewRunner(stage.Config{
		Name:        StageProcess,
		Dir:         paths.ProcessedRoot(),
		OutputFile:  processedFile,
		ChunkSize:   cfg.ChunkSize,
		ChunkDelay:  cfg.ChunkDelay,
		Concurrency: cfg.Concurrency,
		DatedOutput: true,
	}, load, normalizeItem)
	r.Key = func(it model.Item) string { return it.ID }
	if seen != nil {
		r.Finalize = func(ctx context.Context, date string, out model.StageOutput[model.Item]) (model.StageOutput[model.Item], error) {
			ids := make([]string, len(out.Tweets))
			for i, it := range out.Tweets {
				ids[i] = it.ID
			}
			if err := seen.MarkSeen(ctx, ids, date); err != nil {
				return out, eris.Wrap(err, "process: mark seen")
			}
			return out, nil
		}
	}
	return r
}

// normalizeItem returns a normalized copy of it, dropping items with fewer
// than two words left.
func normalizeItem(_ context.Context, it model.Item) (model.Item, bool, error) {
	out := it
	out.Text = textnorm.Normalize(it.Text)
	if !textnorm.Valid(out.Text) {
		return model.Item{}, false, nil
	}
	if it.Quoted != nil {
		q := *it.Quoted
		q.Text = textnorm.Normalize(q.Text)
		out.Quoted = &q
	}
	if it.Reposted != nil {
		rp := *it.Reposted
		rp.Text = textnorm.Normalize(rp.Text)
		out.Reposted = &rp
	}
	return out, true, nil
}

// loadRaw reads every column file of date, quarantines invalid records and
// returns the identity-deduplicated pool minus ids seen on earlier dates.
func loadRaw(ctx context.Context, paths Paths, date string, catalog *model.Catalog, seen SeenLedger) ([]model.Item, error) {
	files, err := filepath.Glob(filepath.Join(paths.RawDir(date), "column_*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "process: list raw files")
	}
	if len(files) == 0 {
		zap.L().Info("process: no raw column files", zap.String("date", date))
		return nil, nil
	}
	slices.Sort(files)

	pool := make(map[string][]model.Item, len(files))
	var quarantined []Quarantined
	for _, file := range files {
		column, _ := ColumnFromFile(file)
		records, err := readRawRecords(file)
		if err != nil {
			return nil, &stage.DataProcessingError{Stage: StageProcess, Path: file, Err: err}
		}
		items := make([]model.Item, 0, len(records))
		for _, rec := range records {
			var it model.Item
			if err := json.Unmarshal(rec, &it); err != nil {
				quarantined = append(quarantined, Quarantined{File: filepath.Base(file), Reason: err.Error(), Record: rec})
				continue
			}
			if err := it.Validate(); err != nil {
				quarantined = append(quarantined, Quarantined{File: filepath.Base(file), Reason: err.Error(), Record: rec})
				continue
			}
			if it.Column == "" {
				it.Column = column
			}
			if it.Category == "" && catalog != nil {
				it.Category = catalog.CategoryFor(it.Column)
			}
			items = append(items, it)
		}
		pool[filepath.Base(file)] = items
		zap.L().Info("process: loaded column",
			zap.String("date", date),
			zap.String("column", column),
			zap.Int("records", len(records)),
			zap.Int("valid", len(items)),
		)
	}

	if len(quarantined) > 0 {
		path := filepath.Join(paths.ProcessedDir(date), quarantineFile)
		if err := jsonfile.WriteAtomic(path, quarantined); err != nil {
			return nil, eris.Wrap(err, "process: write quarantine")
		}
		zap.L().Warn("process: quarantined invalid records", zap.String("date", date), zap.Int("count", len(quarantined)))
	}

	items := dedup.ByIdentity(pool)
	if seen == nil || len(items) == 0 {
		return items, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	already, err := seen.FilterSeen(ctx, ids, date)
	if err != nil {
		return nil, eris.Wrap(err, "process: check seen ledger")
	}
	if len(already) == 0 {
		return items, nil
	}
	skip := make(map[string]bool, len(already))
	for _, id := range already {
		skip[id] = true
	}
	fresh := items[:0]
	for _, it := range items {
		if !skip[it.ID] {
			fresh = append(fresh, it)
		}
	}
	zap.L().Info("process: skipped tweets seen on earlier dates", zap.String("date", date), zap.Int("count", len(already)))
	return fresh, nil
}

// readRawRecords accepts either a JSON array of tweets or {"tweets": [...]}.
func readRawRecords(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read raw file")
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var records []json.RawMessage
	if data[0] == '[' {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, eris.Wrap(err, "decode raw array")
		}
		return records, nil
	}
	var wrapped struct {
		Tweets []json.RawMessage `json:"tweets"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, eris.Wrap(err, "decode raw object")
	}
	return wrapped.Tweets, nil
}
