// Package delivery は通知サービスと配信プロバイダーの間で共有する型を定義する。
//
// チャネル、優先度、送信メッセージ、送信結果（Receipt）を扱う。
// 通知サービス側の業務ロジックとプロバイダー側のトランスポートの双方から参照される。
package delivery

import (
	"encoding/json"
	"strings"
)

// Channel は通知の配信手段を表す。
type Channel string

const (
	// ChannelTelegram はTelegramボットによるプッシュ通知。宛先はチャットID。
	ChannelTelegram Channel = "TELEGRAM"
	// ChannelWebSocket はWebSocketによるリアルタイム通知。宛先はユーザーID。
	ChannelWebSocket Channel = "WEBSOCKET"
)

// Channels は既知のチャネルを正規の順序で返す。
func Channels() []Channel {
	return []Channel{ChannelTelegram, ChannelWebSocket}
}

// ParseChannel は文字列をChannelに変換する。未知の値はfalseを返す。
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case ChannelTelegram, ChannelWebSocket:
		return c, true
	default:
		return "", false
	}
}

// RecipientType はチャネルごとの宛先の種類を返す。
func (c Channel) RecipientType() string {
	switch c {
	case ChannelTelegram:
		return "telegram_chat"
	case ChannelWebSocket:
		return "user"
	default:
		return "unknown"
	}
}

// Priority は通知の優先度。
type Priority string

const (
	// PriorityLow は低優先度。
	PriorityLow Priority = "LOW"
	// PriorityNormal は通常の優先度。
	PriorityNormal Priority = "NORMAL"
	// PriorityHigh は高優先度。
	PriorityHigh Priority = "HIGH"
	// PriorityUrgent は緊急。
	PriorityUrgent Priority = "URGENT"
)

// ParsePriority は文字列をPriorityに変換する。未知の値はfalseを返す。
func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, true
	default:
		return "", false
	}
}

// Button は通知に添付するアクションボタン。
// URLが設定されている場合はリンクボタン、CallbackDataが設定されている場合はコールバックボタンになる。
type Button struct {
	// Text はボタンのラベル。
	Text string `json:"text"`
	// URL はリンク先（任意）。
	URL string `json:"url,omitempty"`
	// CallbackData はボタン押下時にボットへ返されるデータ（任意）。
	CallbackData string `json:"callbackData,omitempty"`
}

// Message はチャネルプロバイダーへ送信する1件のメッセージ。
type Message struct {
	// DeliveryID は配信状態レコードのID。プロバイダー側の重複排除キーとして渡す。
	DeliveryID string `json:"deliveryId"`
	// NotificationID は通知のID。
	NotificationID string `json:"notificationId"`
	// EventID は通知の元になったイベントのID。
	EventID string `json:"eventId,omitempty"`
	// EventType は通知の元になったイベントの種類。
	EventType string `json:"eventType,omitempty"`
	// Channel は配信チャネル。
	Channel Channel `json:"channel"`
	// RecipientID はチャネル固有の宛先（チャットIDまたはユーザーID）。
	RecipientID string `json:"recipientId"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Body は通知の本文。
	Body string `json:"message"`
	// Priority は通知の優先度。
	Priority Priority `json:"priority"`
	// Metadata は通知に添付する任意のJSON。
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// ActionURL は単一アクションのリンク先（任意）。
	ActionURL string `json:"actionUrl,omitempty"`
	// ActionText は単一アクションのラベル（任意）。
	ActionText string `json:"actionText,omitempty"`
	// Buttons は複数アクションのボタン（任意）。
	Buttons []Button `json:"buttons,omitempty"`
}

// Receipt はプロバイダーが返す送信結果。
type Receipt struct {
	// DeliveryID はプロバイダー側で採番された配信ID。
	DeliveryID string `json:"deliveryId"`
	// Status はプロバイダー側の送信状態（例: "sent", "delivered"）。
	Status string `json:"status"`
}
