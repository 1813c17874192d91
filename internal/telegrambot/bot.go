// Package telegrambot はTelegram Bot APIへ通知を中継するTelegramボットプロバイダー。
//
// 通知サービスから POST /api/v1/send で受け取ったメッセージを sendMessage に変換する。
// ボタンは inline_keyboard（1行最大3個）に変換し、Telegramが受け付けないlocalhostのURLは除外する。
package telegrambot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/pkg/httpclient"
)

const (
	// buttonsPerRow は1行に並べるボタンの最大数。
	buttonsPerRow = 3
	// maxCallbackData はcallback_dataの最大バイト数（Bot APIの制限）。
	maxCallbackData = 64
	// defaultActionText はActionTextが無い場合のボタンラベル。
	defaultActionText = "Open"
)

// ErrNotConfigured はボットトークンが設定されていないことを表す。
var ErrNotConfigured = errors.New("ボットトークンが設定されていません")

// InlineButton はinline_keyboardのボタン。
type InlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// replyMarkup はsendMessageのreply_markup。
type replyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// sendMessageRequest はsendMessageのリクエスト。
type sendMessageRequest struct {
	ChatID                string       `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

// sendMessageResponse はsendMessageのレスポンス。
type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Bot はTelegram Bot APIのクライアント。
type Bot struct {
	client *httpclient.Client
	token  string
}

// NewBot はBotを生成する。apiURLは "https://api.telegram.org" のようなベースURL。
func NewBot(apiURL, token string, timeout time.Duration) *Bot {
	base := strings.TrimRight(apiURL, "/") + "/bot" + token
	return &Bot{
		client: httpclient.New(base, httpclient.WithTimeout(timeout)),
		token:  token,
	}
}

// Send はメッセージをsendMessageで送信し、TelegramのメッセージIDを返す。
func (b *Bot) Send(ctx context.Context, msg delivery.Message) (int64, error) {
	if b.token == "" {
		return 0, ErrNotConfigured
	}

	req := sendMessageRequest{
		ChatID:                msg.RecipientID,
		Text:                  FormatText(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if keyboard := BuildKeyboard(msg); len(keyboard) > 0 {
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: keyboard}
	}

	var resp sendMessageResponse
	if err := b.client.PostJSON(ctx, "/sendMessage", req, &resp); err != nil {
		return 0, fmt.Errorf("sendMessageの呼び出しに失敗: %w", redact(err))
	}
	if !resp.OK {
		return 0, fmt.Errorf("sendMessageが失敗を返しました: %s", resp.Description)
	}
	return resp.Result.MessageID, nil
}

// redact はURL（ボットトークンを含む）をエラーから取り除く。
// 通信エラーは*url.Errorの原因だけを残し、HTTPステータスのエラーはそのまま返す。
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &transportError{op: urlErr.Op, err: urlErr.Err}
	}
	return err
}

// transportError はURLを含まない通信エラー。
type transportError struct {
	op  string
	err error
}

// Error はエラーメッセージを返す。
func (e *transportError) Error() string {
	return fmt.Sprintf("Bot APIへの%sに失敗: %v", e.op, e.err)
}

// Unwrap は原因のエラーを返す。
func (e *transportError) Unwrap() error {
	return e.err
}

// FormatText はメッセージをHTML形式の本文に整形する。
// 高優先度・緊急の通知はタイトルの前に印を付ける。
func FormatText(msg delivery.Message) string {
	var sb strings.Builder
	switch msg.Priority {
	case delivery.PriorityHigh:
		sb.WriteString("❗ ")
	case delivery.PriorityUrgent:
		sb.WriteString("🚨 ")
	}
	if msg.Title != "" {
		sb.WriteString("<b>")
		sb.WriteString(html.EscapeString(msg.Title))
		sb.WriteString("</b>")
	}
	if msg.Body != "" {
		if msg.Title != "" {
			sb.WriteString("\n\n")
		}
		sb.WriteString(html.EscapeString(msg.Body))
	}
	return sb.String()
}

// BuildKeyboard はボタンをinline_keyboardに変換する。
// ボタンが無い場合はActionURLから1個のボタンを作る。
// Telegramが拒否するURL（localhost、http(s)以外）と長すぎるcallback_dataのボタンは除外する。
func BuildKeyboard(msg delivery.Message) [][]InlineButton {
	var buttons []InlineButton
	for _, b := range msg.Buttons {
		if btn, ok := inlineButton(b); ok {
			buttons = append(buttons, btn)
		}
	}
	if len(msg.Buttons) == 0 && msg.ActionURL != "" {
		text := msg.ActionText
		if text == "" {
			text = defaultActionText
		}
		if btn, ok := inlineButton(delivery.Button{Text: text, URL: msg.ActionURL}); ok {
			buttons = append(buttons, btn)
		}
	}

	var keyboard [][]InlineButton
	for start := 0; start < len(buttons); start += buttonsPerRow {
		end := min(start+buttonsPerRow, len(buttons))
		keyboard = append(keyboard, buttons[start:end])
	}
	return keyboard
}

// inlineButton は1個のボタンを変換する。送信できない場合はfalseを返す。
func inlineButton(b delivery.Button) (InlineButton, bool) {
	if strings.TrimSpace(b.Text) == "" {
		return InlineButton{}, false
	}
	switch {
	case b.URL != "":
		if !acceptedURL(b.URL) {
			return InlineButton{}, false
		}
		return InlineButton{Text: b.Text, URL: b.URL}, true
	case b.CallbackData != "":
		if len(b.CallbackData) > maxCallbackData {
			return InlineButton{}, false
		}
		return InlineButton{Text: b.Text, CallbackData: b.CallbackData}, true
	default:
		return InlineButton{}, false
	}
}

// acceptedURL はTelegramがボタンのURLとして受け付けるかを返す。
func acceptedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host != "" && host != "localhost" && host != "127.0.0.1" && host != "::1"
}
