package telegrambot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/pkg/httpclient"
	"github.com/nao1215/stayops/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間。
const shutdownTimeout = 10 * time.Second

// Sender はTelegramへメッセージを送る。
type Sender interface {
	Send(ctx context.Context, msg delivery.Message) (int64, error)
}

// Server はTelegramボットプロバイダーのHTTPサーバー。
type Server struct {
	router *gin.Engine
	port   string
	bot    Sender
	logger logrus.FieldLogger
}

// NewServer は新しいTelegramボットプロバイダーのサーバーを生成する。
func NewServer(port string, bot Sender, logger logrus.FieldLogger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())

	s := &Server{
		router: router,
		port:   port,
		bot:    bot,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされると停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("サーバーの停止に失敗: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	api := s.router.Group("/api/v1")
	{
		// メッセージ送信（通知サービスから呼び出される）
		api.POST("/send", s.handleSend())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "telegram-bot"})
	})
}

// handleSend はメッセージをTelegramへ送信するハンドラ。
// Telegram側の一時的な障害は503、恒久的な拒否（チャットが無い、ボットがブロックされた等）は422を返す。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg delivery.Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if strings.TrimSpace(msg.RecipientID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipientIdは必須です"})
			return
		}

		log := s.logger.WithFields(logrus.Fields{
			"chat_id":     msg.RecipientID,
			"delivery_id": msg.DeliveryID,
			"event_id":    httpclient.EventIDFromHeader(c.Request.Header),
		})

		messageID, err := s.bot.Send(c.Request.Context(), msg)
		if err != nil {
			status := statusFor(err)
			log.WithError(err).WithField("status", status).Warn("[TelegramBot] メッセージの送信に失敗")
			// 配信状態としてユーザーに見えるため、Bot APIのエラー本文は返さない
			c.JSON(status, gin.H{"error": errorMessage(status)})
			return
		}

		log.WithField("message_id", messageID).Info("[TelegramBot] メッセージを送信しました")
		c.JSON(http.StatusOK, delivery.Receipt{
			DeliveryID: strconv.FormatInt(messageID, 10),
			Status:     "sent",
		})
	}
}

// errorMessage はステータスごとに固定のエラーメッセージを返す。
func errorMessage(status int) string {
	switch status {
	case http.StatusUnprocessableEntity:
		return "telegram rejected the message"
	case http.StatusServiceUnavailable:
		return "telegram temporarily unavailable"
	default:
		return "telegram bot api unreachable"
	}
}

// statusFor は送信エラーを通知サービスへ返すHTTPステータスに変換する。
func statusFor(err error) int {
	if errors.Is(err, ErrNotConfigured) {
		return http.StatusServiceUnavailable
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return http.StatusServiceUnavailable
		}
		return http.StatusUnprocessableEntity
	}
	// Bot APIに到達できない
	return http.StatusBadGateway
}
