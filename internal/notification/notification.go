package notification

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/logging"
)

// Notifier delivers one message to one channel.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
	Name() string
	IsEnabled() bool
}

// Manager fans a message out to every enabled notifier. Delivery is best
// effort: a failing channel is logged and never blocks trading.
type Manager struct {
	notifiers []Notifier
	log       *logging.Logger
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{log: log.WithComponent("notification")}
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled notifiers, swallowing per-channel errors.
func (m *Manager) Send(ctx context.Context, subject, body string) {
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(ctx, subject, body); err != nil {
			m.log.Warn().Err(err).Str("notifier", n.Name()).Msg("notification failed")
		}
	}
}

// TelegramNotifier posts messages to a Telegram chat through the bot API.
type TelegramNotifier struct {
	botToken   string
	chatID     string
	enabled    bool
	httpClient *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken:   cfg.BotToken,
		chatID:     cfg.ChatID,
		enabled:    cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(ctx context.Context, subject, body string) error {
	text := subject
	if body != "" {
		text = subject + "\n" + body
	}

	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram responded %d", resp.StatusCode)
	}
	return nil
}
