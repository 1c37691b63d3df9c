package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/pkg/twitterapi"
)

const defaultMaxPages = 20

// ListSource reads a curated twitterapi.io list.
type ListSource struct {
	client   twitterapi.Client
	listID   string
	maxPages int
}

// NewListSource creates a ListSource reading at most maxPages pages per
// fetch.
func NewListSource(client twitterapi.Client, listID string, maxPages int) *ListSource {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &ListSource{client: client, listID: listID, maxPages: maxPages}
}

// Fetch pages through the list until the cursor runs out, a page reaches
// past since, or the page limit is hit.
func (s *ListSource) Fetch(ctx context.Context, since time.Time) ([]model.Item, error) {
	var (
		items  []model.Item
		cursor string
	)
	for page := 0; page < s.maxPages; page++ {
		resp, err := s.client.ListTweets(ctx, twitterapi.ListTweetsRequest{ListID: s.listID, Since: since, Cursor: cursor})
		if err != nil {
			return items, eris.Wrapf(err, "source: list %s page %d", s.listID, page+1)
		}

		reachedSince := false
		for _, tw := range resp.Tweets {
			it := tweetItem(tw)
			if !since.IsZero() && !it.CreatedAt.IsZero() && it.CreatedAt.Before(since) {
				reachedSince = true
				continue
			}
			items = append(items, it)
		}

		if !resp.HasNextPage || resp.NextCursor == "" || reachedSince {
			return items, nil
		}
		cursor = resp.NextCursor
	}
	zap.L().Warn("source: list page limit reached", zap.String("list_id", s.listID), zap.Int("max_pages", s.maxPages))
	return items, nil
}

func tweetItem(tw twitterapi.Tweet) model.Item {
	it := model.Item{
		ID:        tw.ID,
		Author:    tw.Author.UserName,
		Text:      tw.Text,
		URL:       tw.URL,
		CreatedAt: tw.Time(),
	}
	if tw.Quoted != nil {
		q := tweetItem(*tw.Quoted)
		it.Quoted = &q
	}
	if tw.Retweeted != nil {
		r := tweetItem(*tw.Retweeted)
		it.Reposted = &r
	}
	return it
}
