package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItem_Validate(t *testing.T) {
	ok := Item{ID: "1", Text: "SEI TVL hits $500M", URL: "https://x.com/a/status/1", Quoted: &Item{Text: "no id needed"}}
	require.NoError(t, ok.Validate())

	err := Item{Text: "missing id"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Item.ID (required)")

	err = Item{ID: "2", Text: "bad url", URL: "not a url"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

func TestItem_SubItemText(t *testing.T) {
	i := Item{ID: "1", Text: "x", Reposted: &Item{Text: "rt"}}
	assert.Equal(t, "", i.QuotedText())
	assert.Equal(t, "rt", i.RepostedText())
}

func TestStageState_Validate(t *testing.T) {
	tests := []struct {
		name    string
		state   StageState
		wantErr bool
	}{
		{"default", NewStageState("20250110"), false},
		{"in progress", StageState{LastProcessedDate: "20250110", LastChunk: 3, TotalChunks: 5}, false},
		{"completed", StageState{LastProcessedDate: "20250110", LastChunk: 5, TotalChunks: 5, Completed: true}, false},
		{"bad date", StageState{LastProcessedDate: "2025-01-10"}, true},
		{"negative", StageState{LastChunk: -1}, true},
		{"cursor past end", StageState{LastChunk: 6, TotalChunks: 5}, true},
		{"completed early", StageState{LastChunk: 2, TotalChunks: 5, Completed: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.state.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStageState_Progress(t *testing.T) {
	assert.InDelta(t, 0, StageState{}.Progress(), 0.001)
	assert.InDelta(t, 60, StageState{LastChunk: 3, TotalChunks: 5}.Progress(), 0.001)
	assert.InDelta(t, 100, StageState{Completed: true}.Progress(), 0.001)
}

func TestStageOutput_Append(t *testing.T) {
	var out StageOutput[Item]
	now := time.Date(2025, 1, 11, 4, 0, 0, 0, time.UTC)
	out.Append("20250110", now, Item{ID: "1"}, Item{ID: "2"})
	out.Append("20250110", now, Item{ID: "3"})
	out.Append("20250111", now)

	assert.Len(t, out.Tweets, 3)
	assert.Equal(t, 3, out.Metadata.TotalTweets)
	assert.Equal(t, "20250111", out.Metadata.ProcessedDate)
	assert.Equal(t, []string{"20250110", "20250111"}, out.Metadata.Dates)
	assert.Equal(t, now, out.Metadata.LastUpdate)
}

func TestResolveDate(t *testing.T) {
	now := time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC)

	d, err := ResolveDate(nil, now)
	require.NoError(t, err)
	assert.Equal(t, "20250228", d)

	d, err = ResolveDate([]string{"20250115"}, now)
	require.NoError(t, err)
	assert.Equal(t, "20250115", d)

	_, err = ResolveDate([]string{"15-01-2025"}, now)
	assert.Error(t, err)
}

func TestDigest_RoundTrip(t *testing.T) {
	sections := []DigestSection{
		{Category: "SUI", Subcategories: map[string][]DigestEntry{"Growth": {{Attribution: "@a", Content: "TVL up"}}}},
		{Category: "SEI", Subcategories: map[string][]DigestEntry{"Launch": {{Attribution: "@b", Content: "v2 live"}}}},
	}
	d := NewDigest(sections)
	back := d.Sections("20250110")
	require.Len(t, back, 2)
	assert.Equal(t, "SEI", back[0].Category)
	assert.Equal(t, "20250110", back[0].Date)
	assert.Equal(t, 1, back[1].EntryCount())
}

func TestDigestSection_Validate(t *testing.T) {
	ok := DigestSection{Category: "SEI", Subcategories: map[string][]DigestEntry{
		"Launch": {{Attribution: "@b", Content: "v2 live"}},
	}}
	require.NoError(t, ok.Validate())

	empty := DigestSection{Category: "SEI", Subcategories: map[string][]DigestEntry{"Launch": {}}}
	assert.Error(t, empty.Validate())

	missing := DigestSection{Category: "SEI", Subcategories: map[string][]DigestEntry{
		"Launch": {{Attribution: "@b"}},
	}}
	assert.Error(t, missing.Validate())
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "SEI", c.CategoryFor("2"))
	assert.Equal(t, "", c.CategoryFor("99"))
	col, ok := c.ByCategory("Stablecoins")
	require.True(t, ok)
	assert.Equal(t, "1", col.ID)
	assert.Len(t, c.Categories(), 6)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
columns:
  - id: "7"
    category: Bitcoin
    telegram_channel: BTC
    focus: ["ETF flows"]
`), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "Bitcoin", c.CategoryFor("7"))

	require.NoError(t, os.WriteFile(path, []byte(`
columns:
  - {id: "1", category: A}
  - {id: "1", category: B}
`), 0o644))
	_, err = LoadCatalog(path)
	assert.ErrorContains(t, err, "duplicate column id")

	require.NoError(t, os.WriteFile(path, []byte("columns: []\n"), 0o644))
	_, err = LoadCatalog(path)
	assert.Error(t, err)
}
