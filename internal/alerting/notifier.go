package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification 封装一次结算失败的告警上下文。
type Notification struct {
	Kind       string
	RequestID  string
	Executor   string
	Contract   string
	TxHash     string
	Users      []string
	Status     string
	Reason     string
	OccurredAt time.Time
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	env      string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL, env string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		env:      env,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(n.env, note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("kind", note.Kind).
		Str("request_id", note.RequestID).
		Str("status", note.Status).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(env string, note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Intent Relayer Alert]")
	if env != "" {
		builder.WriteString(" (" + env + ")")
	}
	builder.WriteString("\n")
	at := note.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", at.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Kind: %s\n", note.Kind))
	builder.WriteString(fmt.Sprintf("Status: %s\n", note.Status))
	if note.RequestID != "" {
		builder.WriteString(fmt.Sprintf("Request: %s\n", note.RequestID))
	}
	if note.Executor != "" {
		builder.WriteString(fmt.Sprintf("Executor: %s\n", note.Executor))
	}
	if note.Contract != "" {
		builder.WriteString(fmt.Sprintf("Contract: %s\n", note.Contract))
	}
	if note.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxHash))
	}
	if len(note.Users) > 0 {
		builder.WriteString(fmt.Sprintf("Users (%d): %s\n", len(note.Users), summarizeUsers(note.Users, 5)))
	}
	if note.Reason != "" {
		builder.WriteString("Reason: " + note.Reason)
	}
	return builder.String()
}

func summarizeUsers(users []string, max int) string {
	if len(users) <= max {
		return strings.Join(users, ",")
	}
	return strings.Join(users[:max], ",") + fmt.Sprintf(",… +%d", len(users)-max)
}

var _ Notifier = (*TelegramNotifier)(nil)
