// Package migration はSQLiteデータベースのマイグレーションを管理する。
// embed.FSからSQLファイルを読み込み、schema_migrationsテーブルで適用状態を追跡する。
package migration

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// upSuffix は適用対象のファイルの接尾辞。down.sqlは読み飛ばす。
const upSuffix = ".up.sql"

// Run はdir配下の未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
// ファイル名形式: 000001_description.up.sql
// 1ファイルを1トランザクションで適用し、失敗したファイル以降は適用しない。
func Run(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, logger logrus.FieldLogger) (int, error) {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return 0, fmt.Errorf("マイグレーション管理テーブルの作成に失敗: %w", err)
	}

	done, err := loadApplied(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("適用済みバージョンの取得に失敗: %w", err)
	}

	pending, err := scan(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイルの収集に失敗: %w", err)
	}

	applied := 0
	for _, s := range pending {
		if _, ok := done[s.version]; ok {
			continue
		}
		if err := s.apply(ctx, db, fsys); err != nil {
			return applied, fmt.Errorf("マイグレーション %06d_%s の適用に失敗: %w", s.version, s.name, err)
		}
		applied++
		logger.WithFields(logrus.Fields{"version": s.version, "name": s.name}).Info("[Migration] マイグレーションを適用しました")
	}
	return applied, nil
}

const createVersionTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
)`

// step は1つのマイグレーションファイル。
type step struct {
	version int
	name    string
	file    string
}

// loadApplied は適用済みのバージョンを返す。
func loadApplied(ctx context.Context, db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	done := make(map[int]struct{})
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = struct{}{}
	}
	return done, rows.Err()
}

// scan はdir直下のup.sqlファイルをバージョン順に返す。
// 形式に合わないファイルは無視し、バージョンの重複はエラーにする。
func scan(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var steps []step
	byVersion := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		if prev, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("バージョン %06d が重複しています: %s, %s", version, prev, e.Name())
		}
		byVersion[version] = e.Name()
		steps = append(steps, step{version: version, name: name, file: path.Join(dir, e.Name())})
	}

	slices.SortFunc(steps, func(a, b step) int { return cmp.Compare(a.version, b.version) })
	return steps, nil
}

// parseFileName は "000001_init.up.sql" をバージョンと名前に分解する。
func parseFileName(fileName string) (int, string, bool) {
	base, ok := strings.CutSuffix(fileName, upSuffix)
	if !ok {
		return 0, "", false
	}
	prefix, name, ok := strings.Cut(base, "_")
	if !ok {
		return 0, "", false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// apply はファイルのSQLとバージョンの記録を同じトランザクションで実行する。
func (s step) apply(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	script, err := fs.ReadFile(fsys, s.file)
	if err != nil {
		return fmt.Errorf("ファイル読み込みに失敗: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(script)); err != nil {
		return fmt.Errorf("SQL実行に失敗: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, s.version, s.name); err != nil {
		return fmt.Errorf("バージョン記録に失敗: %w", err)
	}
	return tx.Commit()
}
