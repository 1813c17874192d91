package db

import (
	"context"
	"database/sql"
	"time"
)

const createDelivery = `-- name: CreateDelivery :exec
INSERT INTO delivery_statuses (
    id, notification_id, channel, recipient_type, recipient_id, status, created_at
) VALUES (?, ?, ?, ?, ?, 'PENDING', ?)
`

// CreateDeliveryParams は配信状態作成のパラメータ。
type CreateDeliveryParams struct {
	ID             string
	NotificationID string
	Channel        string
	RecipientType  string
	RecipientID    string
	CreatedAt      time.Time
}

// CreateDelivery はPENDING状態の配信レコードを作成する。
func (q *Queries) CreateDelivery(ctx context.Context, arg CreateDeliveryParams) error {
	createdAt := arg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, createDelivery,
		arg.ID,
		arg.NotificationID,
		arg.Channel,
		arg.RecipientType,
		arg.RecipientID,
		createdAt.UTC(),
	)
	return translateError(err)
}

const listDeliveriesByNotification = `-- name: ListDeliveriesByNotification :many
SELECT id, notification_id, channel, recipient_type, recipient_id, status, error, created_at, delivered_at
FROM delivery_statuses
WHERE notification_id = ?
ORDER BY channel
`

// ListDeliveriesByNotification は通知の配信レコードをチャネル順に返す。
func (q *Queries) ListDeliveriesByNotification(ctx context.Context, notificationID string) ([]Delivery, error) {
	rows, err := q.db.QueryContext(ctx, listDeliveriesByNotification, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Delivery{}
	for rows.Next() {
		var (
			d           Delivery
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(
			&d.ID,
			&d.NotificationID,
			&d.Channel,
			&d.RecipientType,
			&d.RecipientID,
			&d.Status,
			&d.Error,
			&d.CreatedAt,
			&deliveredAt,
		); err != nil {
			return nil, err
		}
		d.DeliveredAt = timePtr(deliveredAt)
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const markDeliveryDelivered = `-- name: MarkDeliveryDelivered :execrows
UPDATE delivery_statuses SET status = 'DELIVERED', delivered_at = ?, error = ''
WHERE id = ? AND status = 'PENDING'
`

// MarkDeliveryDelivered はPENDINGの配信をDELIVEREDにする。
// 既に終端状態の場合は更新せず0を返す。
func (q *Queries) MarkDeliveryDelivered(ctx context.Context, id string, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, markDeliveryDelivered, at.UTC(), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markDeliveryFailed = `-- name: MarkDeliveryFailed :execrows
UPDATE delivery_statuses SET status = 'FAILED', error = ?
WHERE id = ? AND status = 'PENDING'
`

// MarkDeliveryFailed はPENDINGの配信をFAILEDにし、エラー内容を記録する。
func (q *Queries) MarkDeliveryFailed(ctx context.Context, id, errText string) (int64, error) {
	result, err := q.db.ExecContext(ctx, markDeliveryFailed, errText, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
