// Package twitterapi is a client for the twitterapi.io list timeline API.
package twitterapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.twitterapi.io"
	// CreatedAtLayout is the timestamp format of tweet records.
	CreatedAtLayout = time.RubyDate
)

// Client reads tweets from curated lists.
type Client interface {
	ListTweets(ctx context.Context, req ListTweetsRequest) (*ListTweetsResponse, error)
}

// ListTweetsRequest selects one page of a list timeline.
type ListTweetsRequest struct {
	ListID string
	// Since limits the page to tweets newer than this time when set.
	Since  time.Time
	Cursor string
}

// ListTweetsResponse is one page of a list timeline.
type ListTweetsResponse struct {
	Tweets      []Tweet `json:"tweets"`
	HasNextPage bool    `json:"has_next_page"`
	NextCursor  string  `json:"next_cursor"`
	Status      string  `json:"status"`
	Message     string  `json:"msg"`
}

// Tweet is a tweet as returned by the API.
type Tweet struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
	Author    Author `json:"author"`
	Quoted    *Tweet `json:"quoted_tweet,omitempty"`
	Retweeted *Tweet `json:"retweeted_tweet,omitempty"`
}

// Author is the tweet's author.
type Author struct {
	UserName string `json:"userName"`
	Name     string `json:"name"`
}

// Time parses CreatedAt, returning the zero time when it is malformed.
func (t Tweet) Time() time.Time {
	ts, err := time.Parse(CreatedAtLayout, t.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// StatusError is returned for non-200 responses once retries are exhausted
// or when the status is not retryable.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitterapi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit sets the initial request rate.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = NewAdaptiveLimiter(rate.Limit(rps), int(math.Ceil(rps)))
		}
	}
}

// WithMaxRetries sets the attempts per request.
func WithMaxRetries(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	http       *http.Client
	limiter    *AdaptiveLimiter
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration)
}

// NewClient creates a twitterapi.io client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    NewAdaptiveLimiter(1, 1),
		maxRetries: 3,
		sleep:      backoffSleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) ListTweets(ctx context.Context, req ListTweetsRequest) (*ListTweetsResponse, error) {
	if req.ListID == "" {
		return nil, eris.New("twitterapi: list id is required")
	}
	q := url.Values{}
	q.Set("listId", req.ListID)
	if !req.Since.IsZero() {
		q.Set("sinceTime", strconv.FormatInt(req.Since.Unix(), 10))
	}
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	endpoint := c.baseURL + "/twitter/list/tweets?" + q.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var page ListTweetsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, eris.Wrap(err, "twitterapi: unmarshal response")
	}
	if page.Status == "error" {
		return nil, eris.Errorf("twitterapi: %s", page.Message)
	}
	return &page, nil
}

// get performs a GET with rate limiting, retrying network errors, 429 and
// 5xx responses with exponential backoff.
func (c *httpClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	for attempt := range c.maxRetries {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "twitterapi: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, eris.Wrap(err, "twitterapi: create request")
		}
		req.Header.Set("X-API-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			zap.L().Warn("twitterapi: request failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
			c.sleep(ctx, backoff(attempt))
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.limiter.OnRateLimit()
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
			c.sleep(ctx, backoff(attempt))
			continue
		case resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
			zap.L().Warn("twitterapi: server error, retrying",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.sleep(ctx, backoff(attempt))
			continue
		case resp.StatusCode != http.StatusOK:
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		}
		if readErr != nil {
			return nil, eris.Wrap(readErr, "twitterapi: read response")
		}
		c.limiter.OnSuccess()
		return body, nil
	}
	return nil, eris.Wrap(lastErr, "twitterapi: all retries exhausted")
}

func backoff(attempt int) time.Duration {
	d := min(time.Duration(float64(time.Second)*math.Pow(2, float64(attempt))), 30*time.Second)
	return d + time.Duration(rand.Int64N(int64(d)/2))
}

func backoffSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
