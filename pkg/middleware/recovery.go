package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/pkg/httpclient"
)

// Recovery はハンドラーのパニックを500エラーに変換するGinミドルウェアを返す。
// ログにはリクエスト、伝播されたイベントID、認証済みユーザー、スタックトレースを残す。
func Recovery(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			fields := logrus.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}
			if eventID := httpclient.EventIDFromHeader(c.Request.Header); eventID != "" {
				fields["event_id"] = eventID
			}
			if userID := GetUserID(c); userID != "" {
				fields["user_id"] = userID
			}
			logger.WithFields(fields).Error("[PANIC] ハンドラーでパニックが発生")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "内部サーバーエラーが発生しました",
			})
		}()
		c.Next()
	}
}
