package notification

import (
	"slices"
	"strings"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification/db"
)

// 通知しない理由。ログと集計に使う。
const (
	ReasonSettingsMissing = "settings_missing"
	ReasonDisabled        = "disabled"
	ReasonNotSubscribed   = "not_subscribed"
	ReasonNoChannel       = "no_channel"
	ReasonError           = "error"
)

// Decision はユーザーに通知するかどうかの判定結果。
type Decision struct {
	// Notify は通知対象かどうか。
	Notify bool
	// Reason は通知しない理由。Notifyがtrueの場合は空。
	Reason string
	// Channels は実際に配信可能なチャネル。正規の順序で並ぶ。
	Channels []delivery.Channel
}

// ShouldNotify はユーザー設定からイベント種類を通知すべきかを判定する。
// 設定が無いユーザーには通知しない（暗黙の購読は行わない）。
// Notifyがtrueでも、配信可能なチャネルが無い場合はChannelsが空になる。
func ShouldNotify(settings *db.Settings, eventType string) Decision {
	if settings == nil {
		return Decision{Reason: ReasonSettingsMissing}
	}
	if !settings.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	if !slices.Contains(settings.SubscribedEventTypes, eventType) {
		return Decision{Reason: ReasonNotSubscribed}
	}
	return Decision{Notify: true, Channels: effectiveChannels(settings)}
}

// effectiveChannels は有効化されたチャネルのうち宛先を解決できるものを返す。
func effectiveChannels(settings *db.Settings) []delivery.Channel {
	enabled := make(map[delivery.Channel]bool, len(settings.EnabledChannels))
	for _, s := range settings.EnabledChannels {
		if c, ok := delivery.ParseChannel(s); ok {
			enabled[c] = true
		}
	}

	channels := make([]delivery.Channel, 0, len(enabled))
	for _, c := range delivery.Channels() {
		if enabled[c] && recipientFor(c, settings) != "" {
			channels = append(channels, c)
		}
	}
	return channels
}

// recipientFor はチャネルごとの宛先を返す。解決できない場合は空文字列。
func recipientFor(c delivery.Channel, settings *db.Settings) string {
	switch c {
	case delivery.ChannelTelegram:
		return strings.TrimSpace(settings.TelegramChatID)
	case delivery.ChannelWebSocket:
		return settings.UserID
	default:
		return ""
	}
}

// restrictChannels はテンプレートの既定チャネルでchannelsを絞り込む。
// 既定チャネルが空の場合は絞り込まない。
func restrictChannels(channels []delivery.Channel, defaults []string) []delivery.Channel {
	if len(defaults) == 0 {
		return channels
	}
	allowed := make(map[delivery.Channel]bool, len(defaults))
	for _, s := range defaults {
		if c, ok := delivery.ParseChannel(s); ok {
			allowed[c] = true
		}
	}
	out := make([]delivery.Channel, 0, len(channels))
	for _, c := range channels {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}
