package source

import (
	"cmp"
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/model"
)

var statusIDPattern = regexp.MustCompile(`/status(?:es)?/(\d+)`)

// FeedSource reads an RSS or Atom mirror of a column.
type FeedSource struct {
	url    string
	parser *gofeed.Parser
}

// NewFeedSource creates a FeedSource. hc may be nil.
func NewFeedSource(url string, hc *http.Client) *FeedSource {
	p := gofeed.NewParser()
	if hc != nil {
		p.Client = hc
	}
	p.UserAgent = "tweet-digest/1.0"
	return &FeedSource{url: url, parser: p}
}

// Fetch parses the feed and returns its entries published at or after since.
// Entries without a publish time are kept.
func (s *FeedSource) Fetch(ctx context.Context, since time.Time) ([]model.Item, error) {
	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "source: parse feed %s", s.url)
	}

	items := make([]model.Item, 0, len(feed.Items))
	for _, entry := range feed.Items {
		it := feedItem(entry)
		if it.ID == "" || it.Text == "" {
			continue
		}
		if !since.IsZero() && !it.CreatedAt.IsZero() && it.CreatedAt.Before(since) {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

func feedItem(entry *gofeed.Item) model.Item {
	it := model.Item{
		ID:   tweetID(entry),
		URL:  entry.Link,
		Text: htmlText(cmp.Or(entry.Content, entry.Description, entry.Title)),
	}
	if entry.PublishedParsed != nil {
		it.CreatedAt = entry.PublishedParsed.UTC()
	}
	switch {
	case len(entry.Authors) > 0 && entry.Authors[0] != nil:
		it.Author = strings.TrimPrefix(strings.TrimSpace(entry.Authors[0].Name), "@")
	case entry.Author != nil:
		it.Author = strings.TrimPrefix(strings.TrimSpace(entry.Author.Name), "@")
	}
	return it
}

// tweetID prefers the numeric status id in the link so that feed entries and
// list entries for the same tweet share an id.
func tweetID(entry *gofeed.Item) string {
	for _, s := range []string{entry.Link, entry.GUID} {
		if m := statusIDPattern.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return cmp.Or(entry.GUID, entry.Link)
}

// htmlText flattens an HTML fragment to its text, one space between blocks.
func htmlText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("br, p, div, li").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	return strings.Join(strings.Fields(doc.Text()), " ")
}
