// 通知サービスのエントリポイント。
// 兄弟サービスから受け取ったイベントをユーザーごとの通知に変換し、
// Telegramボットとリアルタイム配信の各プロバイダーへ配信する。
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/stayops/internal/config"
	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/internal/notification"
	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/internal/provider"
	"github.com/nao1215/stayops/pkg/logger"
	"github.com/nao1215/stayops/pkg/render"
)

func main() {
	cfg, err := config.LoadNotification()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	l, err := logger.New(logger.Options{
		Service: "notification",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
	})
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}

	if err := run(cfg, l); err != nil {
		l.WithError(err).Error("通知サービスが異常終了しました")
		os.Exit(1)
	}
}

// run は各コンポーネントを組み立て、シグナルを受け取るまでサービスを動かす。
func run(cfg *config.Notification, l *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, cfg.DatabasePath, l)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	store := db.NewStore(sqlDB)

	// 設定の検証済みのためエラーにはならない
	loc, _ := cfg.Location()
	lang, _ := cfg.Language()
	resolver := render.NewResolver(render.WithLocation(loc), render.WithLanguage(lang))

	builder := notification.NewBuilder(store, resolver, l,
		notification.WithLinkBaseURL(cfg.LinkBaseURL),
		notification.WithFanOut(cfg.FanoutConcurrency),
	)

	connOpts := []provider.Option{
		provider.WithRetry(cfg.Provider.RetryAttempts, cfg.Provider.RetryDelay),
		provider.WithTimeout(cfg.Provider.Timeout),
	}
	telegram := provider.NewConn("telegram-bot", cfg.TelegramProviderURL(), l, connOpts...)
	realtime := provider.NewConn("realtime", cfg.RealtimeProviderURL(), l, connOpts...)
	for _, conn := range []*provider.Conn{telegram, realtime} {
		// 接続できないプロバイダーは送信時に再接続する
		if err := conn.Connect(ctx); err != nil {
			l.WithError(err).Warn("プロバイダーに接続できないまま起動します")
		}
	}

	dispatcher := notification.NewDispatcher(store, map[delivery.Channel]notification.Sender{
		delivery.ChannelTelegram:  provider.NewTelegramSender(telegram),
		delivery.ChannelWebSocket: provider.NewSocketSender(realtime),
	}, l,
		// PROVIDER_TIMEOUTは1回の呼び出しの上限。送信全体は再試行を含めた時間まで待つ
		notification.WithSendTimeout(provider.SendBudget(telegram, realtime)),
		notification.WithDispatchConcurrency(cfg.DispatchConcurrency),
	)

	var locker notification.Locker = notification.NewMemoryLocker(cfg.EventLockTTL)
	if cfg.RedisURL != "" {
		client, err := notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = notification.NewRedisLocker(client, cfg.EventLockTTL)
	}

	ingestor := notification.NewIngestor(store, builder, dispatcher, locker, l)
	server := notification.NewServer(notification.ServerConfig{
		Port:        cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
	}, store, ingestor, l)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Infof("通知サービスを起動します: :%s", cfg.Port)
		return server.Run(ctx)
	})
	if cfg.AMQPURL != "" {
		consumer := notification.NewConsumer(notification.ConsumerConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			Queue:      cfg.AMQPQueue,
			RoutingKey: cfg.AMQPRoutingKey,
		}, ingestor, l)
		g.Go(func() error {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
