package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// TestRecovery はRecoveryミドルウェアを検証する。
func TestRecovery(t *testing.T) {
	t.Parallel()

	t.Run("パニックが発生した場合500が返りログが出力されること", func(t *testing.T) {
		t.Parallel()

		logger, hook := test.NewNullLogger()
		router := gin.New()
		router.Use(Recovery(logger))
		router.POST("/panic", func(_ *gin.Context) {
			panic("テスト用パニック")
		})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/panic", nil))

		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "内部サーバーエラーが発生しました" {
			t.Errorf("error = %q, want %q", body["error"], "内部サーバーエラーが発生しました")
		}

		entry := hook.LastEntry()
		if entry == nil {
			t.Fatal("パニックのログが出力されていない")
		}
		if entry.Level != logrus.ErrorLevel {
			t.Errorf("Level = %v, want %v", entry.Level, logrus.ErrorLevel)
		}
		if entry.Data["path"] != "/panic" {
			t.Errorf("path = %v, want %q", entry.Data["path"], "/panic")
		}
		if _, ok := entry.Data["event_id"]; ok {
			t.Error("X-Event-IDが無いのにevent_idが出力されている")
		}
	})

	t.Run("イベントIDとスタックトレースがログに残ること", func(t *testing.T) {
		t.Parallel()

		logger, hook := test.NewNullLogger()
		router := gin.New()
		router.Use(Recovery(logger))
		router.POST("/api/v1/internal/events", func(_ *gin.Context) {
			panic("テスト用パニック")
		})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/events", nil)
		req.Header.Set("X-Event-ID", "e-1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		entry := hook.LastEntry()
		if entry == nil {
			t.Fatal("パニックのログが出力されていない")
		}
		if entry.Data["event_id"] != "e-1" {
			t.Errorf("event_id = %v, want %q", entry.Data["event_id"], "e-1")
		}
		if stack, _ := entry.Data["stack"].(string); stack == "" {
			t.Error("スタックトレースが出力されていない")
		}
	})

	t.Run("パニック後もサーバーが次のリクエストを処理できること", func(t *testing.T) {
		t.Parallel()

		logger := logrus.New()
		logger.SetOutput(io.Discard)
		router := gin.New()
		router.Use(Recovery(logger))
		router.GET("/panic", func(_ *gin.Context) {
			panic(http.ErrAbortHandler)
		})
		router.GET("/ok", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "recovered"})
		})

		w1 := httptest.NewRecorder()
		router.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/panic", nil))
		if w1.Code != http.StatusInternalServerError {
			t.Errorf("1回目のステータスコード = %d, want %d", w1.Code, http.StatusInternalServerError)
		}

		w2 := httptest.NewRecorder()
		router.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ok", nil))
		if w2.Code != http.StatusOK {
			t.Errorf("2回目のステータスコード = %d, want %d", w2.Code, http.StatusOK)
		}
	})
}
