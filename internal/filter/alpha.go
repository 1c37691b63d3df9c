package filter

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/jsonfile"
	"github.com/sells-group/tweet-digest/internal/llm"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
)

// alphaVerdict is the reply for a qualifying tweet. Only the presence of its
// fields is checked; the output record is built from the input item.
type alphaVerdict struct {
	Tweet   *string `json:"tweet"`
	Author  *string `json:"author"`
	URL     *string `json:"url"`
	TweetID *string `json:"tweet_id"`
}

// Validate requires every identifying field.
func (v alphaVerdict) Validate() error {
	var missing []string
	if v.Tweet == nil {
		missing = append(missing, "tweet")
	}
	if v.Author == nil {
		missing = append(missing, "author")
	}
	if v.URL == nil {
		missing = append(missing, "url")
	}
	if v.TweetID == nil {
		missing = append(missing, "tweet_id")
	}
	if len(missing) > 0 {
		return eris.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// AlphaDeps are the collaborators of the alpha stage.
type AlphaDeps struct {
	Caller    *llm.Caller
	Catalog   *model.Catalog
	Threshold float64
	// Input reads the processed tweets of a date.
	Input func(date string) string
	now   func() time.Time
}

// NewAlphaStage builds the stage that keeps only tweets the LLM judges to
// carry actionable alpha for their category.
func NewAlphaStage(paths Paths, cfg config.StageConfig, deps AlphaDeps) *stage.Runner[model.Item, model.FilteredItem] {
	if deps.Input == nil {
		deps.Input = paths.ProcessedFile
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	load := func(_ context.Context, date string) ([]model.Item, error) {
		return loadStageOutput[model.Item](StageAlpha, deps.Input(date))
	}
	transform := func(ctx context.Context, it model.Item) (model.FilteredItem, bool, error) {
		return alphaFilter(ctx, deps, it)
	}
	r := stage.NewRunner(stage.Config{
		Name:        StageAlpha,
		Dir:         paths.StageDir(StageAlpha),
		OutputFile:  alphaFile,
		ChunkSize:   cfg.ChunkSize,
		ChunkDelay:  cfg.ChunkDelay,
		Concurrency: cfg.Concurrency,
	}, load, transform)
	r.Key = func(f model.FilteredItem) string { return f.ID }
	return r
}

func alphaFilter(ctx context.Context, deps AlphaDeps, it model.Item) (model.FilteredItem, bool, error) {
	if it.Text == "" || it.Author == "" {
		zap.L().Warn("alpha: skipping tweet without text or author", zap.String("tweet_id", it.ID))
		return model.FilteredItem{}, false, nil
	}
	category := it.Category
	var focus []string
	if deps.Catalog != nil {
		if col, ok := deps.Catalog.Column(it.Column); ok {
			focus = col.Focus
			if category == "" {
				category = col.Category
			}
		}
	}

	prompt := buildAlphaPrompt(it, category, focus, deps.Threshold)
	_, found, err := llm.CallJSON[alphaVerdict](ctx, deps.Caller, prompt)
	if err != nil {
		return model.FilteredItem{}, false, eris.Wrapf(err, "alpha: filter tweet %s", it.ID)
	}
	if !found {
		return model.FilteredItem{}, false, nil
	}

	return model.FilteredItem{
		ID:              it.ID,
		Text:            it.Text,
		Author:          it.Author,
		URL:             it.URL,
		QuotedContent:   it.QuotedText(),
		RepostedContent: it.RepostedText(),
		Column:          it.Column,
		Category:        category,
		OriginalDate:    it.CreatedAt,
		ProcessedDate:   model.DateKey(deps.now()),
	}, true, nil
}

// loadStageOutput reads the tweets of an upstream stage's output file. A
// missing file means there is nothing to do; an unreadable one aborts the
// run.
func loadStageOutput[T any](name, path string) ([]T, error) {
	var out model.StageOutput[T]
	ok, err := jsonfile.Read(path, &out)
	if err != nil {
		return nil, &stage.DataProcessingError{Stage: name, Path: path, Err: err}
	}
	if !ok {
		return nil, nil
	}
	return out.Tweets, nil
}
