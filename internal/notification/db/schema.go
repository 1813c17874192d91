package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/nao1215/stayops/pkg/migration"
	"github.com/sirupsen/logrus"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate はSQLiteデータベースに未適用のマイグレーションを適用する。
func Migrate(ctx context.Context, sqlDB *sql.DB, logger logrus.FieldLogger) error {
	if _, err := migration.Run(ctx, sqlDB, migrationsFS, "migrations", logger); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}

// Open はSQLiteデータベースを開きマイグレーションを適用する。
// ファイルの場合はWALモードとビジータイムアウトを設定する。
// ":memory:" の場合は接続ごとに別のデータベースになるため接続数を1に制限する。
func Open(ctx context.Context, path string, logger logrus.FieldLogger) (*sql.DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("データベース接続の確認に失敗: %w", err)
	}
	if err := Migrate(ctx, sqlDB, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}
