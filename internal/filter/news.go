package filter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
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

// NewsBatchSize is the most summaries sent in one news call.
const NewsBatchSize = 15

// NewsBatch is the news stage's unit of work: one category's summaries.
type NewsBatch struct {
	Category string              `json:"category"`
	Date     string              `json:"date"`
	Batch    string              `json:"batch,omitempty"`
	Items    []model.SummaryItem `json:"items"`
}

// NewsDeps are the collaborators of the news stage.
type NewsDeps struct {
	Caller  *llm.Caller
	Catalog *model.Catalog
}

type newsEntry struct {
	Author *string `json:"author"`
	Text   *string `json:"text"`
	URL    *string `json:"url"`
}

// NewNewsStage builds the stage that groups each category's summaries into
// subcategories and writes the digest senders consume.
func NewNewsStage(paths Paths, cfg config.StageConfig, deps NewsDeps) *stage.Runner[NewsBatch, model.DigestSection] {
	input := filepath.Join(paths.StageDir(StageContent), contentFile)
	dir := paths.StageDir(StageNews)

	load := func(_ context.Context, date string) ([]NewsBatch, error) {
		var out model.StageOutput[model.SummaryItem]
		found, err := jsonfile.Read(input, &out)
		if err != nil {
			return nil, &stage.DataProcessingError{Stage: StageNews, Path: input, Err: err}
		}
		if !found || len(out.Tweets) == 0 {
			return nil, nil
		}
		return groupByCategory(date, batchStamp(out.Metadata.LastUpdate), out.Tweets, deps.Catalog), nil
	}
	transform := func(ctx context.Context, b NewsBatch) (model.DigestSection, bool, error) {
		return categorize(ctx, deps, b)
	}
	r := stage.NewRunner(stage.Config{
		Name:        StageNews,
		Dir:         dir,
		OutputFile:  newsFile,
		ChunkSize:   cfg.ChunkSize,
		ChunkDelay:  cfg.ChunkDelay,
		Concurrency: cfg.Concurrency,
	}, load, transform)
	r.Key = func(s model.DigestSection) string { return s.Key() }
	r.Finalize = func(_ context.Context, date string, out model.StageOutput[model.DigestSection]) (model.StageOutput[model.DigestSection], error) {
		return out, writeDigest(dir, date, out.Tweets)
	}
	return r
}

// DigestPath is the finalized digest of a date.
func DigestPath(dir, date string) string { return filepath.Join(dir, "digest_"+date+".json") }

// SummaryPath is the per-category digest file.
func SummaryPath(dir, category string) string {
	return filepath.Join(dir, summaryFileName(category)+"_summary.json")
}

func summaryFileName(category string) string {
	name := strings.ToLower(strings.TrimLeft(category, "$"))
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}

func writeDigest(dir, date string, sections []model.DigestSection) error {
	var dated []model.DigestSection
	for _, s := range sections {
		if s.Date == date {
			dated = append(dated, s)
		}
	}
	if err := jsonfile.WriteAtomic(DigestPath(dir, date), model.NewDigest(dated)); err != nil {
		return eris.Wrap(err, "news: write digest")
	}
	for _, s := range dated {
		body := model.Digest{s.Category: s.Subcategories}
		if err := jsonfile.WriteAtomic(SummaryPath(dir, s.Category), body); err != nil {
			return eris.Wrapf(err, "news: write %s summary", s.Category)
		}
	}
	return nil
}

// batchStamp names a news batch after the last update of the content output
// it was built from, so a resumed run stamps its sections the same way.
func batchStamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("150405")
}

// groupByCategory orders batches by catalog order, then any categories the
// catalog does not know.
func groupByCategory(date, batch string, items []model.SummaryItem, catalog *model.Catalog) []NewsBatch {
	byCat := make(map[string][]model.SummaryItem)
	var seen []string
	for _, it := range items {
		if it.Category == "" {
			continue
		}
		if _, ok := byCat[it.Category]; !ok {
			seen = append(seen, it.Category)
		}
		byCat[it.Category] = append(byCat[it.Category], it)
	}

	var order []string
	if catalog != nil {
		for _, col := range catalog.Columns {
			if _, ok := byCat[col.Category]; ok {
				order = append(order, col.Category)
			}
		}
	}
	for _, c := range seen {
		if !slices.Contains(order, c) {
			order = append(order, c)
		}
	}

	batches := make([]NewsBatch, 0, len(order))
	for _, c := range order {
		batches = append(batches, NewsBatch{Category: c, Date: date, Batch: batch, Items: byCat[c]})
	}
	return batches
}

// categorize asks for subcategories of a category's summaries, NewsBatchSize
// at a time, and merges the answers by subcategory name. A category with no
// relevant tweet yields no section.
func categorize(ctx context.Context, deps NewsDeps, b NewsBatch) (model.DigestSection, bool, error) {
	var focus []string
	if deps.Catalog != nil {
		if col, ok := deps.Catalog.ByCategory(b.Category); ok {
			focus = col.Focus
		}
	}

	section := model.DigestSection{Category: b.Category, Date: b.Date, Batch: b.Batch, Subcategories: map[string][]model.DigestEntry{}}
	for start := 0; start < len(b.Items); start += NewsBatchSize {
		part := b.Items[start:min(start+NewsBatchSize, len(b.Items))]
		prompt, err := buildNewsPrompt(b.Category, focus, part)
		if err != nil {
			return section, false, eris.Wrap(err, "news: build prompt")
		}
		subs, err := llm.Call(ctx, deps.Caller, prompt, func(reply llm.Reply) (map[string][]model.DigestEntry, error) {
			return parseNewsReply(reply, b.Category)
		})
		if err != nil {
			return section, false, eris.Wrapf(err, "news: categorize %s", b.Category)
		}
		for name, entries := range subs {
			section.Subcategories[name] = append(section.Subcategories[name], entries...)
		}
	}

	if len(section.Subcategories) == 0 {
		zap.L().Info("news: no relevant tweets for category", zap.String("category", b.Category), zap.String("date", b.Date))
		return section, false, nil
	}
	if err := section.Validate(); err != nil {
		return section, false, err
	}
	return section, true, nil
}

// parseNewsReply decodes {category: {subcategory: [entry]}}. An empty object
// means nothing was relevant; any other shape problem is malformed.
func parseNewsReply(reply llm.Reply, category string) (map[string][]model.DigestEntry, error) {
	if llm.IsEmptyObject(reply.Text) {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := llm.ParseJSONObject(reply.Provider, reply.Text, &raw); err != nil {
		return nil, err
	}
	malformed := func(format string, args ...any) error {
		return &llm.MalformedResponseError{Provider: reply.Provider, Body: reply.Text, Err: eris.Errorf(format, args...)}
	}

	body, ok := raw[category]
	if !ok {
		return nil, malformed("missing category %q", category)
	}
	var subs map[string][]newsEntry
	if err := json.Unmarshal(body, &subs); err != nil {
		return nil, malformed("category %q is not an object of subcategories: %v", category, err)
	}
	if len(subs) == 0 {
		return nil, malformed("category %q has no subcategories", category)
	}

	out := make(map[string][]model.DigestEntry, len(subs))
	for name, entries := range subs {
		for i, e := range entries {
			if e.Author == nil || e.Text == nil || e.URL == nil {
				return nil, malformed("subcategory %q entry %d lacks author, text or url", name, i)
			}
			if strings.TrimSpace(*e.Text) == "" {
				continue
			}
			author := strings.TrimSpace(*e.Author)
			if author == "" {
				author = "unknown"
			}
			out[name] = append(out[name], model.DigestEntry{Attribution: author, Content: *e.Text, URL: *e.URL})
		}
	}
	return out, nil
}
