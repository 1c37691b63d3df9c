package publish

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
)

// TelegramMessageLimit is the Bot API's maximum message length.
const TelegramMessageLimit = 4096

// TelegramSender posts sections through the Telegram Bot API.
type TelegramSender struct {
	token   string
	baseURL string
	chats   map[string]string
	catalog *model.Catalog
	http    *http.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTelegramSender creates a sender for the configured chats. Chats are
// keyed by the catalog's telegram channel key.
func NewTelegramSender(cfg config.TelegramConfig, catalog *model.Catalog, breaker *resilience.CircuitBreaker) *TelegramSender {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.telegram.org"
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("telegram", resilience.DefaultCircuitBreakerConfig())
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("telegram", "sendMessage")
	return &TelegramSender{
		token:   cfg.BotToken,
		baseURL: strings.TrimRight(base, "/"),
		chats:   lowerKeys(cfg.Channels),
		catalog: catalog,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
		retry:   retry,
		sleep:   sleepCtx,
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send implements Sender.
func (s *TelegramSender) Send(ctx context.Context, section model.DigestSection) (model.SendReceipt, error) {
	key := routeKey(s.catalog, section.Category, func(c model.Column) string { return c.TelegramChannel })
	chat, ok := s.chats[key]
	if !ok || chat == "" || s.token == "" {
		return model.SendReceipt{}, ErrNoRoute
	}

	messages := SplitMessage(FormatSection(section), TelegramMessageLimit)
	for i, text := range messages {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
				return s.sendMessage(ctx, chat, text)
			})
		})
		if err != nil {
			return model.SendReceipt{}, eris.Wrapf(err, "telegram: send %s part %d/%d", section.Category, i+1, len(messages))
		}
	}
	zap.L().Info("telegram: section sent",
		zap.String("category", section.Category),
		zap.String("chat", chat),
		zap.Int("messages", len(messages)),
	)
	return model.SendReceipt{
		Category: section.Category,
		Date:     section.Date,
		Channels: []string{"telegram:" + chat},
		Messages: len(messages),
	}, nil
}

func (s *TelegramSender) sendMessage(ctx context.Context, chat, text string) error {
	url := s.baseURL + "/bot" + s.token + "/sendMessage"
	status, body, err := postJSON(ctx, s.http, url, map[string]any{
		"chat_id":                  chat,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return eris.Wrap(err, "telegram: sendMessage")
	}
	if status == http.StatusOK {
		return nil
	}

	var tr telegramResponse
	_ = json.Unmarshal(body, &tr)
	if status == http.StatusTooManyRequests && tr.Parameters.RetryAfter > 0 {
		wait := time.Duration(tr.Parameters.RetryAfter) * time.Second
		zap.L().Warn("telegram: rate limited", zap.Duration("retry_after", wait))
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return resilience.HTTPStatusError("telegram", status, []byte(tr.Description))
}
