// Package notify はメール確認・パスワードリセットのリンクをユーザーへ届ける。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// Kind は通知の種類。
type Kind string

const (
	KindEmailVerification Kind = "EMAIL_VERIFICATION"
	KindPasswordReset     Kind = "PASSWORD_RESET"
)

// Message は配信する通知。
type Message struct {
	Kind    Kind
	To      string
	Subject string
	Link    string
}

// Notifier は通知の配信先。
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier は配信先が未設定の場合に使う。種類と宛先だけをログに出す。
// リンクにはトークンが含まれるため出力しない。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier はLogNotifierを生成する。loggerがnilの場合はslog.Default()。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send は通知をログに記録する。
func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "notification queued",
		slog.String("kind", string(msg.Kind)),
		slog.String("to", msg.To),
	)
	return nil
}

// webhookPayload はメールリレーへ送るJSON。
type webhookPayload struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Link    string `json:"link"`
}

// WebhookNotifier は通知をJSONでWebhook（メールリレー）へPOSTする。
type WebhookNotifier struct {
	client *http.Client
	url    string
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// clientにはSSRF防止機能付きのクライアントを渡す。
func NewWebhookNotifier(client *http.Client, url string) *WebhookNotifier {
	return &WebhookNotifier{client: client, url: url}
}

// Send は通知を同期的に送信する。2xx以外の応答はエラーとする。
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		ID:      uuid.NewString(),
		Kind:    msg.Kind,
		To:      msg.To,
		Subject: msg.Subject,
		Link:    msg.Link,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
