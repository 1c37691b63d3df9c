package filter

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/dedup"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/stage"
)

func filtered(id, category, text string) model.FilteredItem {
	return model.FilteredItem{ID: id, Text: text, Author: "a" + id, URL: "https://x.com/a/status/" + id, Category: category}
}

func TestContentChunkSize(t *testing.T) {
	short := make([]model.FilteredItem, 10)
	for i := range short {
		short[i] = filtered("1", "SUI", "short")
	}
	assert.Equal(t, 5, ContentChunkSize(short, 2048))

	long := make([]model.FilteredItem, 10)
	for i := range long {
		long[i] = filtered("1", "SUI", strings.Repeat("x", 3000))
	}
	assert.Equal(t, 2, ContentChunkSize(long, 2048))

	medium := make([]model.FilteredItem, 10)
	for i := range medium {
		medium[i] = filtered("1", "SUI", strings.Repeat("x", 2000))
	}
	assert.Equal(t, 4, ContentChunkSize(medium, 2048))

	assert.Equal(t, 2, ContentChunkSize(short[:2], 2048))
}

func TestVerbatimSpan(t *testing.T) {
	tweet := "Sui mainnet upgrade ships Friday with 3x throughput"
	assert.Equal(t, "upgrade ships Friday", VerbatimSpan(`"upgrade ships Friday"`, tweet))
	assert.Equal(t, "UPGRADE SHIPS", VerbatimSpan("UPGRADE SHIPS", tweet))
	assert.Equal(t, "quoted bit", VerbatimSpan("quoted bit", tweet, "", "the quoted bit"))
	assert.Equal(t, tweet, VerbatimSpan("something invented", tweet))

	long := strings.Repeat("é", 150)
	assert.Equal(t, strings.Repeat("é", 100), VerbatimSpan("nope", long))
}

func TestContent_SummarizesAndFallsBack(t *testing.T) {
	paths := Paths{Root: t.TempDir()}
	writeStageOutput(t, filepath.Join(paths.StageDir(StageAlpha), alphaFile),
		filtered("1", "SUI", "Sui TVL climbs to 2B as DeFi grows"),
		filtered("2", "SEI", "SEI ships parallel EVM upgrade next week"),
		filtered("3", "SEI", "Random text "+strings.Repeat("y", 200)),
	)
	caller, _ := newScriptedCaller(func(prompt string) (string, error) {
		switch {
		case promptHas(prompt, "Sui TVL"):
			return `{"content": "Sui TVL climbs to 2B"}`, nil
		case promptHas(prompt, "parallel EVM"):
			return `{"content": "made up summary"}`, nil
		default:
			return "", errors.New("providers down")
		}
	})

	r := NewContentStage(paths, testStageConfig(10), ContentDeps{Caller: caller})
	res, err := r.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, stage.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Kept)

	out := readStageOutput[model.SummaryItem](t, filepath.Join(paths.StageDir(StageContent), contentFile))
	require.Len(t, out.Tweets, 3)
	assert.Equal(t, "Sui TVL climbs to 2B", out.Tweets[0].Summary)
	assert.Equal(t, "SEI ships parallel EVM upgrade next week", out.Tweets[1].Summary)
	assert.Len(t, []rune(out.Tweets[2].Summary), 100)
	assert.Equal(t, "SEI", out.Tweets[2].Category)
}

func TestContent_ChunkSizeIsPinnedInState(t *testing.T) {
	paths := Paths{Root: t.TempDir()}
	items := make([]model.FilteredItem, 7)
	for i := range items {
		items[i] = filtered(string(rune('a'+i)), "SUI", "two words")
	}
	writeStageOutput(t, filepath.Join(paths.StageDir(StageAlpha), alphaFile), items...)
	caller, _ := newScriptedCaller(replyWith(`{"content": "two words"}`))

	r := NewContentStage(paths, testStageConfig(10), ContentDeps{Caller: caller})
	res, err := r.Run(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalChunks)

	state, ok := r.State()
	require.True(t, ok)
	assert.Equal(t, 5, state.ChunkSize)
}

func TestContent_CollapsesMetricUpdatesPerCategory(t *testing.T) {
	paths := Paths{Root: t.TempDir()}
	t0 := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	first := filtered("1", "Stablecoins", "USDT supply is now 100B")
	first.OriginalDate = t0
	second := filtered("2", "Stablecoins", "USDT supply is now 101B")
	second.OriginalDate = t0.Add(time.Hour)
	other := filtered("3", "SUI", "USDT supply is now 99B")
	other.OriginalDate = t0.Add(2 * time.Hour)
	writeStageOutput(t, filepath.Join(paths.StageDir(StageAlpha), alphaFile), first, second, other)

	caller, _ := newScriptedCaller(func(prompt string) (string, error) {
		for _, it := range []model.FilteredItem{first, second, other} {
			if promptHas(prompt, it.Text) {
				return `{"content": "` + it.Text + `"}`, nil
			}
		}
		return `{}`, nil
	})
	collapser := dedup.NewCollapser(SummaryEntry, nil)

	r := NewContentStage(paths, testStageConfig(10), ContentDeps{Caller: caller, Collapser: collapser})
	_, err := r.Run(context.Background(), testDate)
	require.NoError(t, err)

	out := readStageOutput[model.SummaryItem](t, filepath.Join(paths.StageDir(StageContent), contentFile))
	ids := make([]string, len(out.Tweets))
	for i, s := range out.Tweets {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"2", "3"}, ids)
	assert.Equal(t, 2, out.Metadata.TotalTweets)
}
