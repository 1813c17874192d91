package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/internal/notification/db"
	"github.com/nao1215/stayops/pkg/event"
	"github.com/nao1215/stayops/pkg/middleware"
)

const (
	// maxBatchSize は1リクエストで受け付けるイベントの最大数。
	maxBatchSize = 100
	// defaultListLimit は一覧取得の既定の件数。
	defaultListLimit = 50
	// maxListLimit は一覧取得の最大件数。
	maxListLimit = 200
	// shutdownTimeout はサーバー停止時に処理中のリクエストを待つ時間。
	shutdownTimeout = 10 * time.Second
)

// ServerConfig は通知サーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret は一覧APIのJWT検証に使う秘密鍵。
	JWTSecret string
	// CORSOrigins はクロスオリジンを許可するオリジン。
	CORSOrigins []string
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサーバー設定。
	cfg ServerConfig
	// store は通知の永続化層。
	store *db.Store
	// ingestor はイベントの受信処理。
	ingestor *Ingestor
	// logger はロガー。
	logger logrus.FieldLogger
	// now は現在時刻の取得関数。
	now func() time.Time
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg ServerConfig, store *db.Store, ingestor *Ingestor, logger logrus.FieldLogger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	s := &Server{
		router:   router,
		cfg:      cfg,
		store:    store,
		ingestor: ingestor,
		logger:   logger,
		now:      time.Now,
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
		Addr:              fmt.Sprintf(":%s", s.cfg.Port),
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
		// イベント受信（内部API - 兄弟サービスから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/events", s.handleIngest())
		}

		notifications := api.Group("/notifications")
		notifications.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread/count", s.handleCountUnread())
			// 通知詳細取得
			notifications.GET("/:id", s.handleGet())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// handleIngest はイベントを1件または配列で受け取り、通知の生成と配信を行うハンドラ。
// 全イベントの処理が終わってから202を返す。
func (s *Server) handleIngest() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエスト本文を読み込めません"})
			return
		}
		events, err := event.Decode(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}
		if len(events) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "イベントが含まれていません"})
			return
		}
		if len(events) > maxBatchSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("1リクエストのイベントは%d件までです", maxBatchSize)})
			return
		}
		for i := range events {
			if err := events[i].Validate(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("イベント[%d]が不正です: %v", i, err)})
				return
			}
		}

		// 失敗したイベントがあっても残りは処理し、イベントごとの結果を返す
		outcomes := make([]Outcome, 0, len(events))
		failed := 0
		for i := range events {
			out, err := s.ingestor.Ingest(c.Request.Context(), &events[i])
			if err != nil {
				s.logger.WithError(err).WithField("event_id", events[i].ID).Error("[Ingest] イベントの処理に失敗")
				out = Outcome{EventID: events[i].ID, Error: "イベントの処理に失敗しました"}
				failed++
			}
			outcomes = append(outcomes, out)
		}

		c.JSON(http.StatusAccepted, gin.H{
			"accepted": len(outcomes) - failed,
			"rejected": failed,
			"results":  outcomes,
		})
	}
}

// deliveryResponse はチャネル別配信状態のJSONレスポンス構造。
type deliveryResponse struct {
	ID            string `json:"id"`
	Channel       string `json:"channel"`
	RecipientType string `json:"recipient_type"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	DeliveredAt   string `json:"delivered_at,omitempty"`
}

// notificationResponse は通知のJSONレスポンス構造。
type notificationResponse struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// EventID は元になったイベントのID。
	EventID string `json:"event_id"`
	// OrgID は組織ID。
	OrgID string `json:"org_id,omitempty"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// EventType はイベントの種類。
	EventType string `json:"event_type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Priority は優先度。
	Priority string `json:"priority"`
	// Status は配信状態。
	Status string `json:"status"`
	// Metadata はイベントのペイロードとボタン。
	Metadata any `json:"metadata,omitempty"`
	// ActionURL はアクションのリンク先。
	ActionURL string `json:"action_url,omitempty"`
	// ActionText はアクションのラベル。
	ActionText string `json:"action_text,omitempty"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時（RFC3339形式）。
	CreatedAt string `json:"created_at"`
	// SentAt は送信日時（RFC3339形式）。
	SentAt string `json:"sent_at,omitempty"`
	// ReadAt は既読日時（RFC3339形式）。
	ReadAt string `json:"read_at,omitempty"`
	// Deliveries はチャネル別配信状態。詳細取得時のみ含まれる。
	Deliveries []deliveryResponse `json:"deliveries,omitempty"`
}

// formatTime は日時をRFC3339形式の文字列に変換する。nilの場合は空文字列。
func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// toNotificationResponse はDB行をJSONレスポンスに変換する。
func toNotificationResponse(n db.Notification) notificationResponse {
	var meta any
	if len(n.Metadata) > 0 {
		meta = n.Metadata
	}
	return notificationResponse{
		ID:         n.ID,
		EventID:    n.EventID,
		OrgID:      n.OrgID,
		UserID:     n.UserID,
		EventType:  n.EventType,
		Title:      n.Title,
		Message:    n.Message,
		Priority:   n.Priority,
		Status:     string(n.Status),
		Metadata:   meta,
		ActionURL:  n.ActionURL,
		ActionText: n.ActionText,
		IsRead:     n.ReadAt != nil,
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
		SentAt:     formatTime(n.SentAt),
		ReadAt:     formatTime(n.ReadAt),
	}
}

// toNotificationResponses はDB行のスライスをJSONレスポンスのスライスに変換する。
func toNotificationResponses(notifications []db.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		responses = append(responses, toNotificationResponse(n))
	}
	return responses
}

// parseListParams はクエリパラメータから一覧の絞り込み条件を作る。
func parseListParams(c *gin.Context, userID string) (db.ListNotificationsParams, error) {
	params := db.ListNotificationsParams{
		UserID:    userID,
		OrgID:     c.Query("orgId"),
		EventType: c.Query("eventType"),
		Limit:     defaultListLimit,
	}

	if status := c.Query("status"); status != "" {
		switch s := db.NotificationStatus(status); s {
		case db.NotificationPending, db.NotificationSent, db.NotificationFailed:
			params.Status = s
		default:
			return params, fmt.Errorf("statusが不正です: %s", status)
		}
	}
	if unread := c.Query("unread"); unread != "" {
		v, err := strconv.ParseBool(unread)
		if err != nil {
			return params, fmt.Errorf("unreadが不正です: %s", unread)
		}
		params.UnreadOnly = v
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return params, fmt.Errorf("limitが不正です: %s", limit)
		}
		params.Limit = min(n, maxListLimit)
	}
	return params, nil
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		params, err := parseListParams(c, userID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// トークンに組織がある場合は他の組織での絞り込みを許可しない
		if orgID := middleware.GetOrgID(c); orgID != "" && params.OrgID != "" && params.OrgID != orgID {
			c.JSON(http.StatusForbidden, gin.H{"error": "他の組織の通知は参照できません"})
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), params)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.WithError(err).Error("通知一覧取得エラー")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), db.ListNotificationsParams{
			UserID:     userID,
			UnreadOnly: true,
			Limit:      maxListLimit,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			s.logger.WithError(err).Error("未読通知一覧取得エラー")
			return
		}

		c.JSON(http.StatusOK, toNotificationResponses(notifications))
	}
}

// handleCountUnread は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleCountUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			s.logger.WithError(err).Error("未読件数取得エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// loadOwned は通知を取得し、認証済みユーザーの通知であることを確認する。
// 失敗した場合はレスポンスを書き込んでfalseを返す。
func (s *Server) loadOwned(c *gin.Context) (*db.Notification, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return nil, false
	}

	n, err := s.store.GetNotificationByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
		s.logger.WithError(err).Error("通知取得エラー")
		return nil, false
	}

	if n.UserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
		return nil, false
	}
	return n, true
}

// handleGet は通知をチャネル別配信状態とともに返すハンドラ。
func (s *Server) handleGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.loadOwned(c)
		if !ok {
			return
		}

		deliveries, err := s.store.ListDeliveriesByNotification(c.Request.Context(), n.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信状態の取得に失敗しました"})
			s.logger.WithError(err).Error("配信状態取得エラー")
			return
		}

		resp := toNotificationResponse(*n)
		resp.Deliveries = make([]deliveryResponse, 0, len(deliveries))
		for _, d := range deliveries {
			resp.Deliveries = append(resp.Deliveries, deliveryResponse{
				ID:            d.ID,
				Channel:       d.Channel,
				RecipientType: d.RecipientType,
				Status:        string(d.Status),
				Error:         d.Error,
				DeliveredAt:   formatTime(d.DeliveredAt),
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, ok := s.loadOwned(c)
		if !ok {
			return
		}

		if _, err := s.store.MarkAsRead(c.Request.Context(), n.ID, s.now()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.WithError(err).Error("通知既読処理エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		updated, err := s.store.MarkAllAsRead(c.Request.Context(), userID, s.now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.WithError(err).Error("全通知既読処理エラー")
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}
