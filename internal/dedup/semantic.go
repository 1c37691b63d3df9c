package dedup

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Entry is the view of an item that duplicate detection needs.
type Entry struct {
	ID        string    `json:"-"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"date,omitzero"`
}

// Judgment is an assisted answer about a batch of entries. KeepIDs are
// indexes into the batch. Pointer fields are nil when the answer left them
// out.
type Judgment struct {
	AreDuplicates *bool    `json:"are_duplicates"`
	KeepIDs       []int    `json:"keep_item_ids"`
	Reason        string   `json:"reason"`
	Confidence    *float64 `json:"confidence"`
}

// complete reports whether every field needed to act on the judgment is
// present.
func (j Judgment) complete() bool {
	return j.AreDuplicates != nil && j.KeepIDs != nil && j.Confidence != nil
}

// Judge decides which entries of a batch report the same information.
type Judge interface {
	Judge(ctx context.Context, batch []Entry) (Judgment, error)
}

// Collapser removes near-duplicates from small batches. Items whose text is
// the same apart from the numbers in it, and whose numbers only move one way
// over time, collapse to the most recent one. Whatever is left goes to Judge
// when one is set.
type Collapser[T any] struct {
	View  func(T) Entry
	Judge Judge
}

// NewCollapser creates a Collapser. judge may be nil.
func NewCollapser[T any](view func(T) Entry, judge Judge) *Collapser[T] {
	return &Collapser[T]{View: view, Judge: judge}
}

// Collapse returns the batch with duplicates removed, in input order. It
// never drops an item on the strength of an unusable judgment.
func (c *Collapser[T]) Collapse(ctx context.Context, batch []T) []T {
	if len(batch) <= 1 {
		return batch
	}
	kept := c.collapseMetrics(batch)
	if len(kept) <= 1 || c.Judge == nil {
		return kept
	}
	return c.applyJudgment(ctx, kept)
}

// collapseMetrics groups by signature and reduces monotonic groups to their
// latest entry.
func (c *Collapser[T]) collapseMetrics(batch []T) []T {
	entries := make([]Entry, len(batch))
	groups := make(map[string][]int)
	for i, it := range batch {
		entries[i] = c.View(it)
		sig := Signature(entries[i].Text)
		if sig == "" {
			continue
		}
		groups[sig] = append(groups[sig], i)
	}

	drop := make(map[int]bool)
	for sig, idx := range groups {
		if len(idx) < 2 {
			continue
		}
		series := make([]Entry, len(idx))
		for k, i := range idx {
			series[k] = entries[i]
		}
		latest, ok := MonotonicLatest(series)
		if !ok {
			continue
		}
		for k, i := range idx {
			if k != latest {
				drop[i] = true
			}
		}
		zap.L().Debug("dedup: collapsed metric updates",
			zap.String("signature", sig),
			zap.Int("items", len(idx)),
			zap.String("kept", series[latest].ID),
		)
	}

	if len(drop) == 0 {
		return batch
	}
	out := make([]T, 0, len(batch)-len(drop))
	for i, it := range batch {
		if !drop[i] {
			out = append(out, it)
		}
	}
	return out
}

func (c *Collapser[T]) applyJudgment(ctx context.Context, batch []T) []T {
	entries := make([]Entry, len(batch))
	for i, it := range batch {
		entries[i] = c.View(it)
	}

	j, err := c.Judge.Judge(ctx, entries)
	if err != nil {
		zap.L().Warn("dedup: judgment unavailable, keeping all", zap.Int("items", len(batch)), zap.Error(err))
		return batch
	}
	if !j.complete() {
		zap.L().Warn("dedup: incomplete judgment, keeping all", zap.Int("items", len(batch)))
		return batch
	}
	if !*j.AreDuplicates {
		return batch
	}

	keep := make(map[int]bool, len(j.KeepIDs))
	for _, id := range j.KeepIDs {
		if id >= 0 && id < len(batch) {
			keep[id] = true
		}
	}
	if len(keep) == 0 {
		zap.L().Warn("dedup: judgment kept nothing, keeping all", zap.Int("items", len(batch)))
		return batch
	}

	out := make([]T, 0, len(keep))
	for i, it := range batch {
		if keep[i] {
			out = append(out, it)
		}
	}
	zap.L().Info("dedup: removed duplicates",
		zap.Int("before", len(batch)),
		zap.Int("after", len(out)),
		zap.String("reason", j.Reason),
		zap.Float64("confidence", *j.Confidence),
	)
	return out
}

var (
	numberRe = regexp.MustCompile(`[-+]?\$?\d[\d,]*(?:\.\d+)?[kKmMbB%]?`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Signature is the lower-cased text with every number masked. Texts with no
// numbers have no signature and never collapse.
func Signature(text string) string {
	if !numberRe.MatchString(text) {
		return ""
	}
	masked := numberRe.ReplaceAllString(strings.ToLower(text), "#")
	return strings.TrimSpace(spaceRe.ReplaceAllString(masked, " "))
}

// Numbers extracts the numeric values of text in order, honouring k/m/b
// suffixes.
func Numbers(text string) []float64 {
	var out []float64
	for _, m := range numberRe.FindAllString(text, -1) {
		s := strings.NewReplacer("$", "", ",", "", "+", "", "%", "").Replace(m)
		mult := 1.0
		switch {
		case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
			mult, s = 1e3, s[:len(s)-1]
		case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
			mult, s = 1e6, s[:len(s)-1]
		case strings.HasSuffix(s, "b"), strings.HasSuffix(s, "B"):
			mult, s = 1e9, s[:len(s)-1]
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		out = append(out, v*mult)
	}
	return out
}

// MonotonicLatest reports the index of the most recent entry when, in
// chronological order, every numeric field of the series is either
// non-decreasing or non-increasing. Entries need the same number of fields
// and a timestamp.
func MonotonicLatest(series []Entry) (int, bool) {
	if len(series) < 2 {
		return 0, false
	}
	order := make([]int, len(series))
	values := make([][]float64, len(series))
	for i, e := range series {
		if e.CreatedAt.IsZero() {
			return 0, false
		}
		order[i] = i
		values[i] = Numbers(e.Text)
		if len(values[i]) == 0 || len(values[i]) != len(values[0]) {
			return 0, false
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return series[order[a]].CreatedAt.Before(series[order[b]].CreatedAt)
	})

	for f := range values[0] {
		up, down := true, true
		for k := 1; k < len(order); k++ {
			prev, cur := values[order[k-1]][f], values[order[k]][f]
			if cur < prev {
				up = false
			}
			if cur > prev {
				down = false
			}
		}
		if !up && !down {
			return 0, false
		}
	}
	return order[len(order)-1], true
}
