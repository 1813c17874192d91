// Telegramボットプロバイダーのエントリポイント。
// 通知サービスから受け取ったメッセージをTelegram Bot APIへ中継する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/stayops/internal/config"
	"github.com/nao1215/stayops/internal/telegrambot"
	"github.com/nao1215/stayops/pkg/logger"
)

func main() {
	cfg, err := config.LoadTelegramBot()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	l, err := logger.New(logger.Options{
		Service: "telegram-bot",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	if cfg.BotToken == "" {
		l.Warn("TELEGRAM_BOT_TOKENが未設定のため、送信は全て失敗します")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot := telegrambot.NewBot(cfg.APIURL, cfg.BotToken, cfg.Timeout)
	server := telegrambot.NewServer(cfg.Port, bot, l)

	l.Infof("Telegramボットプロバイダーを起動します: :%s", cfg.Port)
	if err := server.Run(ctx); err != nil {
		l.WithError(err).Error("Telegramボットプロバイダーが異常終了しました")
		os.Exit(1)
	}
}
