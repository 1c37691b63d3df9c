package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/model"
)

// ErrNoRoute means the category has no channel on a sink.
var ErrNoRoute = eris.New("publish: no channel configured for category")

// Sender delivers a section and reports where it went.
type Sender interface {
	Send(ctx context.Context, section model.DigestSection) (model.SendReceipt, error)
}

// MultiSender delivers to every sink. A section succeeds only when every sink
// that has a route for its category succeeded.
type MultiSender struct {
	sinks   []Sender
	nowFunc func() time.Time
}

// NewMultiSender creates a MultiSender over sinks.
func NewMultiSender(sinks ...Sender) *MultiSender {
	return &MultiSender{sinks: sinks, nowFunc: time.Now}
}

// Send implements Sender.
func (m *MultiSender) Send(ctx context.Context, section model.DigestSection) (model.SendReceipt, error) {
	receipt := model.SendReceipt{Category: section.Category, Date: section.Date, Batch: section.Batch}
	var errs []error
	for _, sink := range m.sinks {
		r, err := sink.Send(ctx, section)
		switch {
		case errors.Is(err, ErrNoRoute):
			continue
		case err != nil:
			errs = append(errs, err)
			continue
		}
		receipt.Channels = append(receipt.Channels, r.Channels...)
		receipt.Messages += r.Messages
	}
	if len(errs) > 0 {
		return receipt, errors.Join(errs...)
	}
	if len(receipt.Channels) == 0 {
		zap.L().Warn("publish: no channel configured, section not delivered",
			zap.String("category", section.Category),
			zap.String("date", section.Date),
		)
	}
	receipt.SentAt = m.nowFunc().UTC()
	return receipt, nil
}

// routeKey returns the lookup key a sink uses for a category: the catalog's
// channel key for the column, else the category itself. Keys are lowercase
// because config maps are.
func routeKey(catalog *model.Catalog, category string, pick func(model.Column) string) string {
	key := category
	if catalog != nil {
		if col, ok := catalog.ByCategory(category); ok && pick(col) != "" {
			key = pick(col)
		}
	}
	return strings.ToLower(strings.TrimLeft(key, "$"))
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// postJSON posts body and returns the status and up to 1 MiB of response.
func postJSON(ctx context.Context, hc *http.Client, url string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, eris.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, eris.Wrap(err, "send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, eris.Wrap(err, "read response")
	}
	return resp.StatusCode, data, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
