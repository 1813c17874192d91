package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// NotificationStatus は通知全体の状態。PENDING → SENT | FAILED の前進のみ。
type NotificationStatus string

const (
	// NotificationPending は配信結果が未確定の状態。
	NotificationPending NotificationStatus = "PENDING"
	// NotificationSent は少なくとも1チャネルで配信できた状態。
	NotificationSent NotificationStatus = "SENT"
	// NotificationFailed は試行した全チャネルで失敗した状態。
	NotificationFailed NotificationStatus = "FAILED"
)

// DeliveryStatus はチャネル別配信の状態。PENDING → DELIVERED | FAILED の前進のみ。
type DeliveryStatus string

const (
	// DeliveryPending は未送信。
	DeliveryPending DeliveryStatus = "PENDING"
	// DeliveryDelivered はプロバイダーが受理した。
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	// DeliveryFailed は再試行を使い切って失敗した。
	DeliveryFailed DeliveryStatus = "FAILED"
)

// Template はイベント種類ごとの通知テンプレート。
type Template struct {
	ID              string
	EventType       string
	Name            string
	TitleTemplate   string
	MessageTemplate string
	// DefaultChannels はテンプレートが想定する配信チャネル。空の場合は制限しない。
	DefaultChannels []string
	// DefaultPriority は既定の優先度。空の場合はイベント記述子の優先度を使う。
	DefaultPriority string
	UpdatedAt       time.Time
}

// Settings はユーザーごとの通知設定。
type Settings struct {
	UserID               string
	Enabled              bool
	EnabledChannels      []string
	SubscribedEventTypes []string
	TelegramChatID       string
	TelegramUsername     string
	Email                string
	Phone                string
	UpdatedAt            time.Time
}

// Notification はイベントと対象ユーザーの組ごとに1件作られる通知。
type Notification struct {
	ID         string
	EventID    string
	OrgID      string
	UserID     string
	EventType  string
	Title      string
	Message    string
	Priority   string
	Status     NotificationStatus
	Metadata   json.RawMessage
	ActionURL  string
	ActionText string
	CreatedAt  time.Time
	SentAt     *time.Time
	ReadAt     *time.Time
}

// Delivery は通知のチャネル別配信状態。
type Delivery struct {
	ID             string
	NotificationID string
	Channel        string
	RecipientType  string
	RecipientID    string
	Status         DeliveryStatus
	Error          string
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// ProcessedEvent は処理が完了したイベントの記録。再受信時の重複排除に使う。
type ProcessedEvent struct {
	EventID     string
	EventType   string
	Created     int
	Skipped     int
	Duplicates  int
	ProcessedAt time.Time
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("リストのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(s), &values); err != nil {
		return nil, fmt.Errorf("リストのデシリアライズに失敗: %w", err)
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}
