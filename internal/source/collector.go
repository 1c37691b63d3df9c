package source

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/model"
)

// RawFile is the on-disk shape of a column file.
type RawFile struct {
	Column    string       `json:"column"`
	Date      string       `json:"date"`
	Collected time.Time    `json:"collected_at"`
	Tweets    []model.Item `json:"tweets"`
}

// CollectResult reports one collection run.
type CollectResult struct {
	Date    string         `json:"date"`
	Columns map[string]int `json:"columns"`
	Failed  []string       `json:"failed,omitempty"`
}

// Collector fetches every column of a date in parallel.
type Collector struct {
	sources map[string]Source
	path    func(date, column string) string
	workers int
	nowFunc func() time.Time
}

// NewCollector creates a Collector. path maps a date and column to the raw
// file to write.
func NewCollector(sources map[string]Source, path func(date, column string) string, workers int) *Collector {
	if workers <= 0 {
		workers = 5
	}
	return &Collector{sources: sources, path: path, workers: workers, nowFunc: time.Now}
}

// Collect fetches the tweets published on date (UTC) for every column and
// writes one raw file per column. A failing column is logged and skipped; the
// run fails only when every column failed.
func (c *Collector) Collect(ctx context.Context, date string) (CollectResult, error) {
	res := CollectResult{Date: date, Columns: map[string]int{}}
	start, err := model.ParseDateKey(date)
	if err != nil {
		return res, err
	}
	end := start.AddDate(0, 0, 1)
	if len(c.sources) == 0 {
		zap.L().Warn("collect: no sources configured")
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for column, src := range c.sources {
		g.Go(func() error {
			n, err := c.collectColumn(gctx, src, column, date, start, end)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.Failed = append(res.Failed, column)
				zap.L().Error("collect: column failed", zap.String("column", column), zap.String("date", date), zap.Error(err))
				return nil
			}
			res.Columns[column] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slices.Sort(res.Failed)

	if len(res.Failed) == len(c.sources) {
		return res, eris.Errorf("collect: every column failed for %s", date)
	}
	return res, nil
}

func (c *Collector) collectColumn(ctx context.Context, src Source, column, date string, start, end time.Time) (int, error) {
	items, err := src.Fetch(ctx, start)
	if err != nil {
		return 0, err
	}
	dated := items[:0]
	for _, it := range items {
		if !it.CreatedAt.IsZero() && !it.CreatedAt.Before(end) {
			continue
		}
		it.Column = column
		dated = append(dated, it)
	}

	out := RawFile{Column: column, Date: date, Collected: c.nowFunc().UTC(), Tweets: dated}
	if err := jsonfile.WriteAtomic(c.path(date, column), out); err != nil {
		return 0, eris.Wrapf(err, "collect: write column %s", column)
	}
	zap.L().Info("collect: column written",
		zap.String("column", column),
		zap.String("date", date),
		zap.Int("fetched", len(items)),
		zap.Int("kept", len(dated)),
	)
	return len(dated), nil
}
