package db

import (
	"context"
	"time"
)

const getProcessedEvent = `-- name: GetProcessedEvent :one
SELECT event_id, event_type, created, skipped, duplicates, processed_at
FROM processed_events
WHERE event_id = ?
`

// GetProcessedEvent は処理済みイベントの記録を返す。未処理の場合はErrNotFoundを返す。
func (q *Queries) GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	var p ProcessedEvent
	err := q.db.QueryRowContext(ctx, getProcessedEvent, eventID).Scan(
		&p.EventID,
		&p.EventType,
		&p.Created,
		&p.Skipped,
		&p.Duplicates,
		&p.ProcessedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &p, nil
}

const recordProcessedEvent = `-- name: RecordProcessedEvent :exec
INSERT INTO processed_events (event_id, event_type, created, skipped, duplicates, processed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (event_id) DO NOTHING
`

// RecordProcessedEvent はイベントの処理完了を記録する。既に記録済みの場合は何もしない。
func (q *Queries) RecordProcessedEvent(ctx context.Context, p ProcessedEvent) error {
	processedAt := p.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}
	_, err := q.db.ExecContext(ctx, recordProcessedEvent,
		p.EventID,
		p.EventType,
		p.Created,
		p.Skipped,
		p.Duplicates,
		processedAt.UTC(),
	)
	return err
}
