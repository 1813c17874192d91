package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Store はQueriesにトランザクション処理を加えたもの。
type Store struct {
	*Queries
	db *sql.DB
}

// NewStore はStoreを生成する。
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{Queries: New(sqlDB), db: sqlDB}
}

// ExecTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func (s *Store) ExecTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(s.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("コミットに失敗: %w", err)
	}
	return nil
}

// CreateNotificationWithDeliveries は通知とPENDINGの配信レコードを1つのトランザクションで作成する。
// 同一イベント・同一ユーザーの通知が既にある場合はErrDuplicateを返し、何も作成しない。
func (s *Store) CreateNotificationWithDeliveries(ctx context.Context, n CreateNotificationParams, deliveries []CreateDeliveryParams) error {
	return s.ExecTx(ctx, func(q *Queries) error {
		if err := q.CreateNotification(ctx, n); err != nil {
			return fmt.Errorf("通知の作成に失敗: %w", err)
		}
		for _, d := range deliveries {
			d.NotificationID = n.ID
			if err := q.CreateDelivery(ctx, d); err != nil {
				return fmt.Errorf("配信レコード(%s)の作成に失敗: %w", d.Channel, err)
			}
		}
		return nil
	})
}
