package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tweet-digest/internal/model"
)

func TestByIdentity_FirstWinsInSourceOrder(t *testing.T) {
	pool := map[string][]model.Item{
		"column_2": {{ID: "a", Text: "from two"}, {ID: "c", Text: "c"}},
		"column_0": {{ID: "a", Text: "from zero"}, {ID: "b", Text: "b"}},
		"column_1": {{ID: "b", Text: "dup b"}, {ID: "", Text: "no id"}, {ID: " ", Text: "blank id"}},
	}

	got := ByIdentity(pool)

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "from zero", got[0].Text)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "b", got[1].Text)
	assert.Equal(t, "c", got[2].ID)
}

func TestByIdentity_Deterministic(t *testing.T) {
	pool := map[string][]model.Item{}
	for _, src := range []string{"z", "m", "a", "q"} {
		pool[src] = []model.Item{{ID: "shared", Text: src}, {ID: src, Text: src}}
	}
	first := ByIdentity(pool)
	for range 20 {
		assert.Equal(t, first, ByIdentity(pool))
	}
	assert.Equal(t, "a", first[0].Text)
	assert.Len(t, first, 5)
}

func TestByIdentity_Empty(t *testing.T) {
	assert.Empty(t, ByIdentity(nil))
}

func TestSignatureMasksNumbers(t *testing.T) {
	a := Signature("USDC supply is now $41.2B, up 3%")
	b := Signature("USDC  supply is now $43,100M, up 5%")
	assert.Equal(t, a, b)
	assert.Equal(t, "", Signature("no numbers here"))
}

func TestNumbers(t *testing.T) {
	assert.Equal(t, []float64{41.5e9, 3}, Numbers("supply $41.5B up 3%"))
	assert.Equal(t, []float64{1500, 2e6}, Numbers("1,500 holders and 2M volume"))
	assert.Empty(t, Numbers("nothing"))
}

var day = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

func entry(id, text string, hour int) Entry {
	return Entry{ID: id, Text: text, CreatedAt: day.Add(time.Duration(hour) * time.Hour)}
}

func TestMonotonicLatest(t *testing.T) {
	tests := []struct {
		name   string
		series []Entry
		want   int
		ok     bool
	}{
		{
			name: "increasing",
			series: []Entry{
				entry("1", "TVL now $10M", 1),
				entry("2", "TVL now $12M", 2),
				entry("3", "TVL now $15M", 3),
			},
			want: 2, ok: true,
		},
		{
			name: "non-increasing out of input order",
			series: []Entry{
				entry("late", "supply is now 80", 5),
				entry("early", "supply is now 100", 1),
				entry("mid", "supply is now 100", 3),
			},
			want: 0, ok: true,
		},
		{
			name: "zigzag",
			series: []Entry{
				entry("1", "price 10", 1),
				entry("2", "price 12", 2),
				entry("3", "price 11", 3),
			},
			ok: false,
		},
		{
			name: "field count differs",
			series: []Entry{
				entry("1", "price 10", 1),
				entry("2", "price 12 and 3", 2),
			},
			ok: false,
		},
		{
			name: "missing timestamp",
			series: []Entry{
				{ID: "1", Text: "price 10"},
				entry("2", "price 12", 2),
			},
			ok: false,
		},
		{
			name:   "single",
			series: []Entry{entry("1", "price 10", 1)},
			ok:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MonotonicLatest(tt.series)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

type fakeJudge struct {
	judgment Judgment
	err      error
	calls    int
	lastSize int
}

func (f *fakeJudge) Judge(_ context.Context, batch []Entry) (Judgment, error) {
	f.calls++
	f.lastSize = len(batch)
	return f.judgment, f.err
}

func ptr[T any](v T) *T { return &v }

func newEntryCollapser(j Judge) *Collapser[Entry] {
	return NewCollapser(func(e Entry) Entry { return e }, j)
}

func TestCollapse_MonotonicGroupKeepsMostRecent(t *testing.T) {
	batch := []Entry{
		entry("1", "Stablecoin supply is now $150B", 1),
		entry("other", "SUI mainnet upgrade shipped", 2),
		entry("3", "Stablecoin supply is now $148B", 3),
		entry("2", "Stablecoin supply is now $149B", 2),
	}

	got := newEntryCollapser(nil).Collapse(context.Background(), batch)

	require.Len(t, got, 2)
	assert.Equal(t, "other", got[0].ID)
	assert.Equal(t, "3", got[1].ID)
}

func TestCollapse_NonMonotonicGoesToJudge(t *testing.T) {
	j := &fakeJudge{judgment: Judgment{AreDuplicates: ptr(true), KeepIDs: []int{1}, Confidence: ptr(0.9)}}
	batch := []Entry{
		entry("1", "price 10", 1),
		entry("2", "price 12", 2),
		entry("3", "price 11", 3),
	}

	got := newEntryCollapser(j).Collapse(context.Background(), batch)

	assert.Equal(t, 1, j.calls)
	assert.Equal(t, 3, j.lastSize)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

func TestCollapse_JudgeSeesCollapsedBatch(t *testing.T) {
	j := &fakeJudge{judgment: Judgment{AreDuplicates: ptr(false), KeepIDs: []int{}, Confidence: ptr(0.8)}}
	batch := []Entry{
		entry("1", "TVL now $10M", 1),
		entry("2", "TVL now $12M", 2),
		entry("x", "unrelated news", 2),
	}

	got := newEntryCollapser(j).Collapse(context.Background(), batch)

	assert.Equal(t, 2, j.lastSize)
	assert.Len(t, got, 2)
}

func TestCollapse_NotDuplicatesKeepsAll(t *testing.T) {
	j := &fakeJudge{judgment: Judgment{AreDuplicates: ptr(false), KeepIDs: []int{0}, Confidence: ptr(0.7)}}
	batch := []Entry{entry("1", "alpha", 1), entry("2", "beta", 2)}

	assert.Equal(t, batch, newEntryCollapser(j).Collapse(context.Background(), batch))
}

// A judgment missing any required field keeps the whole batch, even when
// the fields that are present ask for items to be dropped.
func TestCollapse_PartialJudgmentFailsOpen(t *testing.T) {
	batch := []Entry{entry("1", "alpha", 1), entry("2", "beta", 2), entry("3", "gamma", 3)}
	partials := map[string]Judgment{
		"missing are_duplicates": {KeepIDs: []int{0}, Confidence: ptr(0.9)},
		"missing keep_item_ids":  {AreDuplicates: ptr(true), Confidence: ptr(0.9)},
		"missing confidence":     {AreDuplicates: ptr(true), KeepIDs: []int{0}},
		"empty object":           {},
	}
	for name, judgment := range partials {
		t.Run(name, func(t *testing.T) {
			j := &fakeJudge{judgment: judgment}
			got := newEntryCollapser(j).Collapse(context.Background(), batch)
			assert.Equal(t, batch, got)
		})
	}
}

func TestCollapse_JudgeErrorFailsOpen(t *testing.T) {
	j := &fakeJudge{err: errors.New("llm down")}
	batch := []Entry{entry("1", "alpha", 1), entry("2", "beta", 2)}

	assert.Equal(t, batch, newEntryCollapser(j).Collapse(context.Background(), batch))
}

func TestCollapse_OutOfRangeKeepIDs(t *testing.T) {
	batch := []Entry{entry("1", "alpha", 1), entry("2", "beta", 2)}

	j := &fakeJudge{judgment: Judgment{AreDuplicates: ptr(true), KeepIDs: []int{7, -1}, Confidence: ptr(0.9)}}
	assert.Equal(t, batch, newEntryCollapser(j).Collapse(context.Background(), batch))

	j = &fakeJudge{judgment: Judgment{AreDuplicates: ptr(true), KeepIDs: []int{1, 1, 9}, Confidence: ptr(0.9)}}
	got := newEntryCollapser(j).Collapse(context.Background(), batch)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

func TestCollapse_SmallBatchesSkipJudge(t *testing.T) {
	j := &fakeJudge{}
	c := newEntryCollapser(j)

	assert.Empty(t, c.Collapse(context.Background(), nil))
	assert.Len(t, c.Collapse(context.Background(), []Entry{entry("1", "a", 1)}), 1)
	assert.Len(t, c.Collapse(context.Background(), []Entry{entry("1", "TVL 1", 1), entry("2", "TVL 2", 2)}), 1)
	assert.Equal(t, 0, j.calls)
}
