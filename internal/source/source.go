// Package source fetches tweets for the collect stage and writes the raw
// per-column files the process stage reads.
package source

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/pkg/twitterapi"
)

// Source returns the tweets of one column published at or after since.
type Source interface {
	Fetch(ctx context.Context, since time.Time) ([]model.Item, error)
}

// FromConfig builds one Source per configured column.
func FromConfig(cfg config.SourcesConfig) (map[string]Source, error) {
	var client twitterapi.Client
	sources := make(map[string]Source, len(cfg.Columns))
	for _, col := range cfg.Columns {
		if _, dup := sources[col.Column]; dup {
			return nil, eris.Errorf("source: column %q configured twice", col.Column)
		}
		switch col.Kind {
		case "list":
			if cfg.TwitterAPI.APIKey == "" {
				return nil, eris.Errorf("source: column %q needs sources.twitterapi.api_key", col.Column)
			}
			if client == nil {
				client = twitterapi.NewClient(cfg.TwitterAPI.APIKey,
					twitterapi.WithBaseURL(cfg.TwitterAPI.BaseURL),
					twitterapi.WithRateLimit(cfg.TwitterAPI.RateLimit),
				)
			}
			sources[col.Column] = NewListSource(client, col.ListID, cfg.TwitterAPI.MaxPages)
		case "feed":
			sources[col.Column] = NewFeedSource(col.FeedURL, &http.Client{Timeout: 30 * time.Second})
		default:
			return nil, eris.Errorf("source: column %q has unknown kind %q", col.Column, col.Kind)
		}
	}
	return sources, nil
}
