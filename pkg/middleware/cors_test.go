package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// adminOrigin は管理画面のオリジン。
const adminOrigin = "https://admin.stayops.test"

// newCORSRouter はCORSミドルウェアと通知一覧のダミーハンドラーを持つルーターを返す。
// ハンドラーが実行されたかどうかをcalledに記録する。
func newCORSRouter(origins []string, called *bool) *gin.Engine {
	router := gin.New()
	router.Use(CORS(origins))
	handler := func(c *gin.Context) {
		*called = true
		c.JSON(http.StatusOK, []any{})
	}
	router.GET("/api/v1/notifications", handler)
	router.OPTIONS("/api/v1/notifications", handler)
	return router
}

// TestCORS はCORSミドルウェアを検証する。
func TestCORS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantCode    int
		wantAllow   string
		wantHandled bool
	}{
		{
			name:        "許可されたオリジンにはCORSヘッダーが設定されること",
			origins:     []string{"http://localhost:3000", adminOrigin},
			method:      http.MethodGet,
			origin:      adminOrigin,
			wantCode:    http.StatusOK,
			wantAllow:   adminOrigin,
			wantHandled: true,
		},
		{
			name:        "許可されていないオリジンにはCORSヘッダーが設定されないこと",
			origins:     []string{adminOrigin},
			method:      http.MethodGet,
			origin:      "https://evil.example",
			wantCode:    http.StatusOK,
			wantHandled: true,
		},
		{
			name:        "Originヘッダーが無い場合はCORSヘッダーが設定されないこと",
			origins:     []string{adminOrigin},
			method:      http.MethodGet,
			wantCode:    http.StatusOK,
			wantHandled: true,
		},
		{
			name:        "ワイルドカードは任意のオリジンを許可すること",
			origins:     []string{"*"},
			method:      http.MethodGet,
			origin:      "https://mobile.stayops.test",
			wantCode:    http.StatusOK,
			wantAllow:   "https://mobile.stayops.test",
			wantHandled: true,
		},
		{
			name:      "プリフライトは204で中断されハンドラーに届かないこと",
			origins:   []string{adminOrigin},
			method:    http.MethodOptions,
			origin:    adminOrigin,
			wantCode:  http.StatusNoContent,
			wantAllow: adminOrigin,
		},
		{
			name:     "許可されていないオリジンのプリフライトも204が返ること",
			origins:  []string{adminOrigin},
			method:   http.MethodOptions,
			origin:   "https://evil.example",
			wantCode: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var called bool
			router := newCORSRouter(tt.origins, &called)
			req := httptest.NewRequest(tt.method, "/api/v1/notifications", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
			if called != tt.wantHandled {
				t.Errorf("ハンドラー実行 = %v, want %v", called, tt.wantHandled)
			}
			if tt.wantAllow != "" {
				if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type" {
					t.Errorf("Access-Control-Allow-Headers = %q", got)
				}
				if got := w.Header().Get("Vary"); got != "Origin" {
					t.Errorf("Vary = %q, want Origin", got)
				}
			}
		})
	}
}

// TestAllowOrigin はWebSocketハンドシェイクのOrigin判定を検証する。
func TestAllowOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origins []string
		host    string
		origin  string
		want    bool
	}{
		{name: "Originが無いネイティブクライアントは許可", origins: nil, host: "rt.stayops.test", want: true},
		{name: "同一オリジンは許可", origins: nil, host: "rt.stayops.test", origin: "https://rt.stayops.test", want: true},
		{name: "許可リストのオリジンは許可", origins: []string{adminOrigin}, host: "rt.stayops.test", origin: adminOrigin, want: true},
		{name: "リスト外のオリジンは拒否", origins: []string{adminOrigin}, host: "rt.stayops.test", origin: "https://evil.example", want: false},
		{name: "ワイルドカードは全て許可", origins: []string{"*"}, host: "rt.stayops.test", origin: "https://evil.example", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := AllowOrigin(tt.origins)(req); got != tt.want {
				t.Errorf("AllowOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}
