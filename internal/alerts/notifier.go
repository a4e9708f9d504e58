// Package alerts delivers best-effort operator notifications. Failures are
// logged and never retried; alerting must not block or break trading.
package alerts

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/sensex_straddler/internal/config"
)

const alertTimeout = 5 * time.Second

// Notifier fans a message out to the configured channels.
type Notifier struct {
	cfg    config.AlertsConfig
	client *resty.Client
	logger *logrus.Logger

	telegramURL string // overridable for tests
}

// NewNotifier builds a notifier from config. A disabled config yields a
// notifier whose Send is a no-op.
func NewNotifier(cfg config.AlertsConfig, logger *logrus.Logger) *Notifier {
	return &Notifier{
		cfg:         cfg,
		client:      resty.New().SetTimeout(alertTimeout),
		logger:      logger,
		telegramURL: "https://api.telegram.org/bot%s/sendMessage",
	}
}

// Send delivers the message to every configured channel. Errors are logged
// at error level and swallowed.
func (n *Notifier) Send(message string) {
	if !n.cfg.Enabled {
		return
	}
	n.sendTelegram(message)
	n.sendSlack(message)
}

func (n *Notifier) sendTelegram(message string) {
	tg := n.cfg.Telegram
	if tg.BotToken == "" || tg.ChatID == "" {
		return
	}
	url := fmt.Sprintf(n.telegramURL, tg.BotToken)
	resp, err := n.client.R().
		SetBody(map[string]string{"chat_id": tg.ChatID, "text": message}).
		Post(url)
	if err != nil {
		n.logger.WithError(err).Error("failed to send telegram alert")
		return
	}
	if resp.IsError() {
		n.logger.WithField("status", resp.StatusCode()).Error("telegram alert rejected")
	}
}

func (n *Notifier) sendSlack(message string) {
	if n.cfg.Slack.WebhookURL == "" {
		return
	}
	resp, err := n.client.R().
		SetBody(map[string]string{"text": message}).
		Post(n.cfg.Slack.WebhookURL)
	if err != nil {
		n.logger.WithError(err).Error("failed to send slack alert")
		return
	}
	if resp.IsError() {
		n.logger.WithField("status", resp.StatusCode()).Error("slack alert rejected")
	}
}
