// リアルタイム配信プロバイダーのエントリポイント。
// WebSocketで接続中の利用者へ通知サービスからの通知をプッシュする。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/stayops/internal/config"
	"github.com/nao1215/stayops/internal/realtime"
	"github.com/nao1215/stayops/pkg/logger"
)

func main() {
	cfg, err := config.LoadRealtime()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	l, err := logger.New(logger.Options{
		Service: "realtime",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := realtime.NewServer(realtime.ServerConfig{
		Port:              cfg.Port,
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, l)

	l.Infof("リアルタイム配信サービスを起動します: :%s", cfg.Port)
	if err := server.Run(ctx); err != nil {
		l.WithError(err).Error("リアルタイム配信サービスが異常終了しました")
		os.Exit(1)
	}
}
