package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

const notificationColumns = `id, event_id, org_id, user_id, event_type, title, message, priority,
       status, metadata, action_url, action_text, created_at, sent_at, read_at`

// scanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(s scanner) (Notification, error) {
	var (
		n        Notification
		metadata string
		sentAt   sql.NullTime
		readAt   sql.NullTime
	)
	if err := s.Scan(
		&n.ID,
		&n.EventID,
		&n.OrgID,
		&n.UserID,
		&n.EventType,
		&n.Title,
		&n.Message,
		&n.Priority,
		&n.Status,
		&metadata,
		&n.ActionURL,
		&n.ActionText,
		&n.CreatedAt,
		&sentAt,
		&readAt,
	); err != nil {
		return Notification{}, err
	}
	n.Metadata = json.RawMessage(metadata)
	n.SentAt = timePtr(sentAt)
	n.ReadAt = timePtr(readAt)
	return n, nil
}

const createNotification = `-- name: CreateNotification :exec
INSERT INTO notifications (
    id, event_id, org_id, user_id, event_type, title, message, priority,
    status, metadata, action_url, action_text, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)
`

// CreateNotificationParams は通知作成のパラメータ。
type CreateNotificationParams struct {
	ID         string
	EventID    string
	OrgID      string
	UserID     string
	EventType  string
	Title      string
	Message    string
	Priority   string
	Metadata   json.RawMessage
	ActionURL  string
	ActionText string
	CreatedAt  time.Time
}

// CreateNotification はPENDING状態の通知を作成する。
// 同一イベント・同一ユーザーの通知が既にある場合はErrDuplicateを返す。
func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) error {
	metadata := string(arg.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	createdAt := arg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, createNotification,
		arg.ID,
		arg.EventID,
		arg.OrgID,
		arg.UserID,
		arg.EventType,
		arg.Title,
		arg.Message,
		arg.Priority,
		metadata,
		arg.ActionURL,
		arg.ActionText,
		createdAt.UTC(),
	)
	return translateError(err)
}

const getNotificationByID = `-- name: GetNotificationByID :one
SELECT ` + notificationColumns + `
FROM notifications
WHERE id = ?
`

// GetNotificationByID はIDで通知を取得する。
func (q *Queries) GetNotificationByID(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(q.db.QueryRowContext(ctx, getNotificationByID, id))
	if err != nil {
		return nil, translateError(err)
	}
	return &n, nil
}

const getNotificationByEventAndUser = `-- name: GetNotificationByEventAndUser :one
SELECT ` + notificationColumns + `
FROM notifications
WHERE event_id = ? AND user_id = ?
`

// GetNotificationByEventAndUser はイベントとユーザーの組で通知を取得する。
func (q *Queries) GetNotificationByEventAndUser(ctx context.Context, eventID, userID string) (*Notification, error) {
	n, err := scanNotification(q.db.QueryRowContext(ctx, getNotificationByEventAndUser, eventID, userID))
	if err != nil {
		return nil, translateError(err)
	}
	return &n, nil
}

const countNotificationsByEvent = `-- name: CountNotificationsByEvent :one
SELECT COUNT(*) FROM notifications WHERE event_id = ?
`

// CountNotificationsByEvent はイベントから作られた通知の件数を返す。
func (q *Queries) CountNotificationsByEvent(ctx context.Context, eventID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countNotificationsByEvent, eventID).Scan(&count)
	return count, err
}

// ListNotificationsParams は通知一覧の絞り込み条件。
// 空の項目は条件に含めない。
type ListNotificationsParams struct {
	UserID     string
	OrgID      string
	EventType  string
	Status     NotificationStatus
	UnreadOnly bool
	Limit      int
}

// ListNotifications は条件に一致する通知を作成日時の新しい順に返す。
func (q *Queries) ListNotifications(ctx context.Context, arg ListNotificationsParams) ([]Notification, error) {
	var (
		where []string
		args  []any
	)
	if arg.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, arg.UserID)
	}
	if arg.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, arg.OrgID)
	}
	if arg.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, arg.EventType)
	}
	if arg.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(arg.Status))
	}
	if arg.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(notificationColumns)
	sb.WriteString("\nFROM notifications")
	if len(where) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString("\nORDER BY created_at DESC, id DESC")
	if arg.Limit > 0 {
		sb.WriteString("\nLIMIT ?")
		args = append(args, arg.Limit)
	}

	rows, err := q.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countUnread = `-- name: CountUnread :one
SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read_at IS NULL
`

// CountUnread はユーザーの未読通知の件数を返す。
func (q *Queries) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countUnread, userID).Scan(&count)
	return count, err
}

const markAsRead = `-- name: MarkAsRead :execrows
UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL
`

// MarkAsRead は通知を既読にする。既読済みの場合は0を返す。
func (q *Queries) MarkAsRead(ctx context.Context, id string, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, markAsRead, at.UTC(), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markAllAsRead = `-- name: MarkAllAsRead :execrows
UPDATE notifications SET read_at = ? WHERE user_id = ? AND read_at IS NULL
`

// MarkAllAsRead はユーザーの未読通知を全て既読にし、更新件数を返す。
func (q *Queries) MarkAllAsRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, markAllAsRead, at.UTC(), userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markNotificationSent = `-- name: MarkNotificationSent :execrows
UPDATE notifications SET status = 'SENT', sent_at = ? WHERE id = ? AND status = 'PENDING'
`

// MarkNotificationSent はPENDINGの通知をSENTにする。
// 既に終端状態の場合は更新せず0を返す。
func (q *Queries) MarkNotificationSent(ctx context.Context, id string, at time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, markNotificationSent, at.UTC(), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markNotificationFailed = `-- name: MarkNotificationFailed :execrows
UPDATE notifications SET status = 'FAILED' WHERE id = ? AND status = 'PENDING'
`

// MarkNotificationFailed はPENDINGの通知をFAILEDにする。
func (q *Queries) MarkNotificationFailed(ctx context.Context, id string) (int64, error) {
	result, err := q.db.ExecContext(ctx, markNotificationFailed, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
