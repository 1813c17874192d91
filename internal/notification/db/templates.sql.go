package db

import (
	"context"
	"fmt"
	"time"
)

// 同一イベント種類に複数のテンプレートがある場合は更新日時が新しいものを先頭にする。
// 更新日時が同じ場合はIDの降順で決定的に並べる。
const listTemplatesByEventType = `-- name: ListTemplatesByEventType :many
SELECT id, event_type, name, title_template, message_template, default_channels, default_priority, updated_at
FROM notification_templates
WHERE event_type = ?
ORDER BY updated_at DESC, id DESC
`

// ListTemplatesByEventType はイベント種類に紐づくテンプレートを選択順に返す。
func (q *Queries) ListTemplatesByEventType(ctx context.Context, eventType string) ([]Template, error) {
	rows, err := q.db.QueryContext(ctx, listTemplatesByEventType, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Template
	for rows.Next() {
		var (
			i        Template
			channels string
		)
		if err := rows.Scan(
			&i.ID,
			&i.EventType,
			&i.Name,
			&i.TitleTemplate,
			&i.MessageTemplate,
			&channels,
			&i.DefaultPriority,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if i.DefaultChannels, err = decodeList(channels); err != nil {
			return nil, fmt.Errorf("テンプレート %s の既定チャネルが不正: %w", i.ID, err)
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const upsertTemplate = `-- name: UpsertTemplate :exec
INSERT INTO notification_templates (
    id, event_type, name, title_template, message_template, default_channels, default_priority, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    event_type = excluded.event_type,
    name = excluded.name,
    title_template = excluded.title_template,
    message_template = excluded.message_template,
    default_channels = excluded.default_channels,
    default_priority = excluded.default_priority,
    updated_at = excluded.updated_at
`

// UpsertTemplate はテンプレートを作成または更新する。
// UpdatedAtが未設定の場合は現在時刻を使う。
func (q *Queries) UpsertTemplate(ctx context.Context, t Template) error {
	channels, err := encodeList(t.DefaultChannels)
	if err != nil {
		return err
	}
	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = q.db.ExecContext(ctx, upsertTemplate,
		t.ID,
		t.EventType,
		t.Name,
		t.TitleTemplate,
		t.MessageTemplate,
		channels,
		t.DefaultPriority,
		updatedAt.UTC(),
	)
	return err
}
