// Package event はユーザーのライフサイクルイベントを外部へ通知する。
// 配信はベストエフォートで、失敗しても呼び出し元の処理は継続する。
package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Type はイベントの種類。
type Type string

const (
	TypeUserRegistered Type = "UserRegistered"
	TypeEmailVerified  Type = "EmailVerified"
)

// Event はユーザーに関するドメインイベント。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	UserID     int64     `json:"userId"`
	Email      string    `json:"email"`
}

// New はIDと発生時刻を設定したEventを生成する。
func New(t Type, userID int64, email string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
		Email:      email,
	}
}

// Publisher はイベントの配信先。
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher はイベントをログに記録するだけのPublisher。
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher はLogPublisherを生成する。loggerがnilの場合はslog.Default()。
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish はイベントをログに記録する。
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "event published",
		slog.String("event_id", e.ID),
		slog.String("type", string(e.Type)),
		slog.Int64("user_id", e.UserID),
	)
	return nil
}

// WebhookPublisher はイベントをJSONでWebhookへPOSTする。
type WebhookPublisher struct {
	client *http.Client
	url    string
}

// NewWebhookPublisher はWebhookPublisherを生成する。
func NewWebhookPublisher(client *http.Client, url string) *WebhookPublisher {
	return &WebhookPublisher{client: client, url: url}
}

// Publish はイベントを送信する。2xx以外の応答はエラーとする。
func (p *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build event request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", string(e.Type))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("event webhook returned status %d", resp.StatusCode)
	}
	return nil
}
