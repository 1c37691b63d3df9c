package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
)

// DiscordMessageLimit is the webhook content limit.
const DiscordMessageLimit = 2000

// DiscordSender posts sections to Discord webhooks.
type DiscordSender struct {
	webhooks map[string]string
	catalog  *model.Catalog
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDiscordSender creates a sender for the configured webhooks, keyed by
// the catalog's discord webhook key.
func NewDiscordSender(cfg config.DiscordConfig, catalog *model.Catalog, breaker *resilience.CircuitBreaker) *DiscordSender {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("discord", resilience.DefaultCircuitBreakerConfig())
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("discord", "webhook")
	return &DiscordSender{
		webhooks: lowerKeys(cfg.Webhooks),
		catalog:  catalog,
		http:     &http.Client{Timeout: 30 * time.Second},
		breaker:  breaker,
		retry:    retry,
		sleep:    sleepCtx,
	}
}

// Send implements Sender.
func (s *DiscordSender) Send(ctx context.Context, section model.DigestSection) (model.SendReceipt, error) {
	key := routeKey(s.catalog, section.Category, func(c model.Column) string { return c.DiscordWebhook })
	hook, ok := s.webhooks[key]
	if !ok || hook == "" {
		return model.SendReceipt{}, ErrNoRoute
	}

	messages := SplitMessage(FormatSection(section), DiscordMessageLimit)
	for i, text := range messages {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
				return s.post(ctx, hook, text)
			})
		})
		if err != nil {
			return model.SendReceipt{}, eris.Wrapf(err, "discord: send %s part %d/%d", section.Category, i+1, len(messages))
		}
	}
	zap.L().Info("discord: section sent", zap.String("category", section.Category), zap.Int("messages", len(messages)))
	return model.SendReceipt{
		Category: section.Category,
		Date:     section.Date,
		Channels: []string{"discord:" + key},
		Messages: len(messages),
	}, nil
}

func (s *DiscordSender) post(ctx context.Context, hook, text string) error {
	status, body, err := postJSON(ctx, s.http, hook, map[string]any{"content": text})
	if err != nil {
		return eris.Wrap(err, "discord: webhook")
	}
	if status == http.StatusOK || status == http.StatusNoContent {
		return nil
	}
	if status == http.StatusTooManyRequests {
		var rl struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
			if err := s.sleep(ctx, time.Duration(rl.RetryAfter*float64(time.Second))); err != nil {
				return err
			}
		}
	}
	return resilience.HTTPStatusError("discord", status, body)
}
