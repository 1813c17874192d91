// Package logger はサービス共通のlogrusロガーを構築する。
//
// ログレベル、出力形式（text/json）、ファイル出力（lumberjackによるローテーション）を
// 環境変数由来の設定から組み立てる。
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// timestampFormat はログのタイムスタンプ形式。
const timestampFormat = "2006-01-02 15:04:05.000"

// Options はロガーの構築オプション。
type Options struct {
	// Service はログに付与するサービス名。
	Service string
	// Level はログレベル（debug, info, warn, error）。不正な値はinfoとして扱う。
	Level string
	// Format は出力形式。"json" 以外はテキスト形式になる。
	Format string
	// File はログファイルのパス。空の場合は標準出力のみに出力する。
	File string
	// MaxSizeMB はローテーションするファイルサイズ（MB）。
	MaxSizeMB int
	// MaxBackups は保持する古いログファイルの数。
	MaxBackups int
	// MaxAgeDays は古いログファイルの保持日数。
	MaxAgeDays int
}

// New はOptionsからlogrus.Loggerを生成する。
func New(opts Options) (*logrus.Logger, error) {
	return newWithOutput(opts, os.Stdout)
}

func newWithOutput(opts Options, stdout io.Writer) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	}

	writers := []io.Writer{stdout}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))

	if opts.Service != "" {
		l.AddHook(serviceHook{service: opts.Service})
	}
	return l, nil
}

// serviceHook は全てのエントリにserviceフィールドを付与する。
type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h serviceHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["service"]; !ok {
		e.Data["service"] = h.service
	}
	return nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
