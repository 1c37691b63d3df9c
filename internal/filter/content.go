package filter

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/dedup"
	"github.com/sells-group/tweet-digest/internal/llm"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
	"github.com/sells-group/tweet-digest/internal/stage"
)

const (
	defaultTokenBudget = 2048
	minContentChunk    = 2
	maxContentChunk    = 5
	fallbackRunes      = 100
)

type contentReply struct {
	Content string `json:"content"`
}

// ContentDeps are the collaborators of the content stage.
type ContentDeps struct {
	Caller *llm.Caller
	// Collapser removes near-duplicate summaries; nil disables it.
	Collapser *dedup.Collapser[model.SummaryItem]
}

// NewContentStage builds the stage that reduces every filtered tweet to its
// most relevant verbatim span and collapses duplicates within a category.
func NewContentStage(paths Paths, cfg config.StageConfig, deps ContentDeps) *stage.Runner[model.FilteredItem, model.SummaryItem] {
	input := filepath.Join(paths.StageDir(StageAlpha), alphaFile)
	load := func(_ context.Context, _ string) ([]model.FilteredItem, error) {
		return loadStageOutput[model.FilteredItem](StageContent, input)
	}
	transform := func(ctx context.Context, it model.FilteredItem) (model.SummaryItem, bool, error) {
		return summarize(ctx, deps.Caller, it)
	}
	r := stage.NewRunner(stage.Config{
		Name:        StageContent,
		Dir:         paths.StageDir(StageContent),
		OutputFile:  contentFile,
		ChunkSize:   cfg.ChunkSize,
		ChunkDelay:  cfg.ChunkDelay,
		Concurrency: cfg.Concurrency,
	}, load, transform)
	r.Key = func(s model.SummaryItem) string { return s.ID }

	budget := cfg.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	r.SizeFunc = func(items []model.FilteredItem) int { return ContentChunkSize(items, budget) }

	if deps.Collapser != nil {
		r.AfterChunk = func(ctx context.Context, results []model.SummaryItem) []model.SummaryItem {
			return collapseByCategory(ctx, deps.Collapser, results)
		}
		r.Finalize = func(ctx context.Context, _ string, out model.StageOutput[model.SummaryItem]) (model.StageOutput[model.SummaryItem], error) {
			before := len(out.Tweets)
			out.Tweets = collapseByCategory(ctx, deps.Collapser, out.Tweets)
			out.Metadata.TotalTweets = len(out.Tweets)
			if removed := before - len(out.Tweets); removed > 0 {
				zap.L().Info("content: collapsed duplicates across chunks", zap.Int("removed", removed))
			}
			return out, nil
		}
	}
	return r
}

// ContentChunkSize sizes chunks so one chunk's text stays near budget
// tokens, at roughly four characters per token, clamped to [2, 5].
func ContentChunkSize(items []model.FilteredItem, budget int) int {
	if len(items) <= minContentChunk {
		return minContentChunk
	}
	total := 0
	for _, it := range items {
		total += utf8.RuneCountInString(it.Text) +
			utf8.RuneCountInString(it.QuotedContent) +
			utf8.RuneCountInString(it.RepostedContent)
	}
	avg := float64(total) / float64(len(items))
	perItem := max(1, avg/4)
	size := int(float64(budget) / perItem)
	return max(minContentChunk, min(maxContentChunk, size))
}

// summarize asks for the most relevant verbatim span of a tweet. A span that
// does not occur in the tweet, or a failed call, falls back to the start of
// the tweet. An open breaker fails the item.
func summarize(ctx context.Context, caller *llm.Caller, it model.FilteredItem) (model.SummaryItem, bool, error) {
	out := model.SummaryItem{FilteredItem: it}

	reply, found, err := llm.CallJSON[contentReply](ctx, caller, buildContentPrompt(it))
	switch {
	case resilience.IsCircuitOpen(err):
		return out, false, eris.Wrapf(err, "content: summarize tweet %s", it.ID)
	case ctx.Err() != nil:
		return out, false, ctx.Err()
	case err != nil:
		zap.L().Warn("content: extraction failed, using truncated text", zap.String("tweet_id", it.ID), zap.Error(err))
		out.Summary = truncateRunes(it.Text, fallbackRunes)
	case !found:
		out.Summary = truncateRunes(it.Text, fallbackRunes)
	default:
		out.Summary = VerbatimSpan(reply.Content, it.Text, it.RepostedContent, it.QuotedContent)
	}

	if out.Summary == "" {
		return out, false, nil
	}
	return out, true, nil
}

// VerbatimSpan returns extracted, trimmed of surrounding quotes, when it
// occurs case-insensitively in the joined sources, and the first hundred
// characters of the first source otherwise.
func VerbatimSpan(extracted string, sources ...string) string {
	span := strings.TrimSpace(strings.Trim(strings.TrimSpace(extracted), `"`))
	if len(sources) == 0 {
		return span
	}
	nonEmpty := slices.DeleteFunc(slices.Clone(sources), func(s string) bool { return s == "" })
	haystack := strings.ToLower(strings.Join(nonEmpty, " "))
	if span == "" || !strings.Contains(haystack, strings.ToLower(span)) {
		return truncateRunes(sources[0], fallbackRunes)
	}
	return span
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// collapseByCategory runs the collapser on each category's items and keeps
// the survivors in their original order.
func collapseByCategory(ctx context.Context, c *dedup.Collapser[model.SummaryItem], items []model.SummaryItem) []model.SummaryItem {
	groups := make(map[string][]int)
	var order []string
	for i, it := range items {
		if _, ok := groups[it.Category]; !ok {
			order = append(order, it.Category)
		}
		groups[it.Category] = append(groups[it.Category], i)
	}

	keep := make([]bool, len(items))
	for _, cat := range order {
		idx := groups[cat]
		batch := make([]model.SummaryItem, len(idx))
		for j, i := range idx {
			batch[j] = items[i]
		}
		survivors := make(map[string]bool, len(batch))
		for _, s := range c.Collapse(ctx, batch) {
			survivors[s.ID] = true
		}
		for _, i := range idx {
			keep[i] = survivors[items[i].ID]
		}
	}

	out := make([]model.SummaryItem, 0, len(items))
	for i, it := range items {
		if keep[i] {
			out = append(out, it)
		}
	}
	return out
}

// SummaryEntry is the duplicate-detection view of a summary.
func SummaryEntry(s model.SummaryItem) dedup.Entry {
	return dedup.Entry{ID: s.ID, Text: s.Summary, URL: s.URL, CreatedAt: s.OriginalDate}
}
