// Package db は通知サービスの永続化層を提供する。
//
// テンプレート、ユーザー通知設定、通知、チャネル別配信状態、処理済みイベントを
// SQLiteに保存する。クエリはsqlcと同じ形（Queries + Params構造体）で記述する。
package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound は対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("レコードが見つかりません")
	// ErrDuplicate は一意制約に違反したことを表す。
	ErrDuplicate = errors.New("レコードが重複しています")
)

// DBTX は*sql.DBと*sql.Txの共通インターフェース。
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// New はQueriesを生成する。
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries は通知サービスのクエリを実行する。
type Queries struct {
	db DBTX
}

// WithTx はトランザクション内でクエリを実行するQueriesを返す。
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// translateError はドライバーのエラーを本パッケージのエラーに変換する。
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			(code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")) {
			return errors.Join(ErrDuplicate, err)
		}
	}
	return err
}
