package db

import (
	"context"
	"fmt"
	"time"
)

const getSettings = `-- name: GetSettings :one
SELECT user_id, enabled, enabled_channels, subscribed_event_types,
       telegram_chat_id, telegram_username, email, phone, updated_at
FROM user_notification_settings
WHERE user_id = ?
`

// GetSettings はユーザーの通知設定を返す。存在しない場合はErrNotFoundを返す。
func (q *Queries) GetSettings(ctx context.Context, userID string) (*Settings, error) {
	var (
		s        Settings
		enabled  int64
		channels string
		types    string
	)
	err := q.db.QueryRowContext(ctx, getSettings, userID).Scan(
		&s.UserID,
		&enabled,
		&channels,
		&types,
		&s.TelegramChatID,
		&s.TelegramUsername,
		&s.Email,
		&s.Phone,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	s.Enabled = enabled != 0
	if s.EnabledChannels, err = decodeList(channels); err != nil {
		return nil, fmt.Errorf("有効チャネルが不正: %w", err)
	}
	if s.SubscribedEventTypes, err = decodeList(types); err != nil {
		return nil, fmt.Errorf("購読イベント種類が不正: %w", err)
	}
	return &s, nil
}

const upsertSettings = `-- name: UpsertSettings :exec
INSERT INTO user_notification_settings (
    user_id, enabled, enabled_channels, subscribed_event_types,
    telegram_chat_id, telegram_username, email, phone, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET
    enabled = excluded.enabled,
    enabled_channels = excluded.enabled_channels,
    subscribed_event_types = excluded.subscribed_event_types,
    telegram_chat_id = excluded.telegram_chat_id,
    telegram_username = excluded.telegram_username,
    email = excluded.email,
    phone = excluded.phone,
    updated_at = excluded.updated_at
`

// UpsertSettings はユーザーの通知設定を作成または更新する。
// 設定は設定画面（外部）が所有するため、通知サービスでは初期投入とテストにのみ使用する。
func (q *Queries) UpsertSettings(ctx context.Context, s Settings) error {
	channels, err := encodeList(s.EnabledChannels)
	if err != nil {
		return err
	}
	types, err := encodeList(s.SubscribedEventTypes)
	if err != nil {
		return err
	}
	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	_, err = q.db.ExecContext(ctx, upsertSettings,
		s.UserID,
		enabled,
		channels,
		types,
		s.TelegramChatID,
		s.TelegramUsername,
		s.Email,
		s.Phone,
		time.Now().UTC(),
	)
	return err
}
