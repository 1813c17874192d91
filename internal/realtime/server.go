package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/pkg/httpclient"
	"github.com/nao1215/stayops/pkg/middleware"
)

const (
	// defaultHeartbeat はPing送信間隔の既定値。
	defaultHeartbeat = 30 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの待機時間。
	shutdownTimeout = 10 * time.Second
)

// ServerConfig はリアルタイム配信サーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はWebSocket接続のJWT検証に使う秘密鍵。
	JWTSecret string
	// CORSOrigins はハンドシェイクを許可するオリジン。
	CORSOrigins []string
	// HeartbeatInterval はPing送信間隔。
	HeartbeatInterval time.Duration
}

// Server はリアルタイム配信プロバイダーのHTTPサーバー。
type Server struct {
	router   *gin.Engine
	cfg      ServerConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   logrus.FieldLogger
}

// NewServer は新しいリアルタイム配信サーバーを生成する。
func NewServer(cfg ServerConfig, logger logrus.FieldLogger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router: router,
		cfg:    cfg,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.AllowOrigin(cfg.CORSOrigins),
		},
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Hub は接続管理を返す。
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーとハートビートを起動し、ctxがキャンセルされると全接続を閉じて停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.heartbeat(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.hub.Close()
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

// heartbeat は一定間隔で全接続にPingを送る。
func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Ping()
		}
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// WebSocket接続（ブラウザはヘッダーを付けられないため ?token= も受け付ける）
	s.router.GET("/ws", middleware.JWTAuth(s.cfg.JWTSecret), s.handleWebSocket())

	api := s.router.Group("/api/v1")
	{
		// 通知のプッシュ（内部API - 通知サービスから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/push", s.handlePush())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "realtime"})
	})
}

// handleWebSocket はHTTP接続をWebSocketへアップグレードし、切断まで読み込みを続けるハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgradeがエラーレスポンスを書き込み済み
			s.logger.WithError(err).WithField("user_id", userID).Warn("[Realtime] WebSocketへのアップグレードに失敗")
			return
		}

		cl := &client{conn: conn, userID: userID}
		s.hub.register(cl)
		defer s.hub.unregister(cl)

		readWait := 2 * s.cfg.HeartbeatInterval
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.WithError(err).WithField("user_id", userID).Debug("[Realtime] 接続が異常終了しました")
				}
				return
			}
		}
	}
}

// handlePush は宛先ユーザーの全接続へ通知を送るハンドラ。
// 接続が無い場合は404を返し、通知サービス側で配信失敗として記録させる。
func (s *Server) handlePush() gin.HandlerFunc {
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
			"user_id":     msg.RecipientID,
			"delivery_id": msg.DeliveryID,
			"event_id":    httpclient.EventIDFromHeader(c.Request.Header),
		})

		sent, err := s.hub.Push(msg)
		if errors.Is(err, ErrOffline) {
			log.Info("[Realtime] 宛先ユーザーがオフラインのため送信できません")
			c.JSON(http.StatusNotFound, gin.H{"error": ErrOffline.Error()})
			return
		}

		log.WithField("connections", sent).Info("[Realtime] 通知をプッシュしました")
		c.JSON(http.StatusOK, delivery.Receipt{DeliveryID: uuid.New().String(), Status: "delivered"})
	}
}
