package telegrambot

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nao1215/stayops/internal/delivery"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setupTestServer はfakeBotAPIに接続したテスト用サーバーを構築する。
func setupTestServer(t *testing.T, apiStatus int, token string) (*fakeBotAPI, *gin.Engine) {
	t.Helper()
	api, ts := newFakeBotAPI(t, apiStatus)
	logger, _ := test.NewNullLogger()
	s := NewServer("0", NewBot(ts.URL, token, time.Second), logger)
	return api, s.router
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストのシリアライズに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHealthCheck はヘルスチェックエンドポイントの正常動作を検証する。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	_, router := setupTestServer(t, 0, "123:abc")
	w := doRequest(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
}

// TestHandleSend はメッセージ送信ハンドラのテスト。
func TestHandleSend(t *testing.T) {
	t.Parallel()

	msg := delivery.Message{
		DeliveryID:  "d-1",
		Channel:     delivery.ChannelTelegram,
		RecipientID: "555",
		Title:       "Cleaning assigned: Flat 5",
		Body:        "Cleaning at Flat 5 on 01.05.2024 10:00",
	}

	t.Run("送信に成功するとメッセージIDを返す", func(t *testing.T) {
		t.Parallel()
		api, router := setupTestServer(t, 0, "123:abc")

		w := doRequest(t, router, http.MethodPost, "/api/v1/send", msg)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		var receipt delivery.Receipt
		if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v", err)
		}
		if receipt.DeliveryID != "42" || receipt.Status != "sent" {
			t.Errorf("Receipt = %+v", receipt)
		}

		api.mu.Lock()
		defer api.mu.Unlock()
		if len(api.requests) != 1 || api.requests[0].ChatID != "555" {
			t.Errorf("Bot APIへのリクエスト = %+v", api.requests)
		}
	})

	tests := []struct {
		name      string
		apiStatus int
		token     string
		body      delivery.Message
		want      int
	}{
		{name: "宛先が無い場合はBadRequest", token: "123:abc", body: delivery.Message{DeliveryID: "d-1"}, want: http.StatusBadRequest},
		{name: "Telegramが拒否した場合はUnprocessableEntity", apiStatus: http.StatusBadRequest, token: "123:abc", body: msg, want: http.StatusUnprocessableEntity},
		{name: "Telegramの一時的な障害はServiceUnavailable", apiStatus: http.StatusTooManyRequests, token: "123:abc", body: msg, want: http.StatusServiceUnavailable},
		{name: "トークンが無い場合はServiceUnavailable", body: msg, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, router := setupTestServer(t, tt.apiStatus, tt.token)

			w := doRequest(t, router, http.MethodPost, "/api/v1/send", tt.body)
			if w.Code != tt.want {
				t.Errorf("ステータスコード: got %d, want %d, body=%s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// TestHandleSend_HidesToken はエラー応答にボットトークンやBot APIの本文が含まれないことを検証する。
func TestHandleSend_HidesToken(t *testing.T) {
	t.Parallel()

	const token = "123456:SECRET-BOT-TOKEN"
	msg := delivery.Message{DeliveryID: "d-1", Channel: delivery.ChannelTelegram, RecipientID: "555", Title: "t"}

	t.Run("Bot APIに到達できない場合もトークンを返さない", func(t *testing.T) {
		t.Parallel()
		_, ts := newFakeBotAPI(t, 0)
		apiURL := ts.URL
		ts.Close()
		logger, _ := test.NewNullLogger()
		bot := NewBot(apiURL, token, time.Second)
		router := NewServer("0", bot, logger).router

		w := doRequest(t, router, http.MethodPost, "/api/v1/send", msg)
		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadGateway)
		}
		if strings.Contains(w.Body.String(), "SECRET-BOT-TOKEN") {
			t.Errorf("レスポンスにトークンが含まれている: %s", w.Body.String())
		}

		_, err := bot.Send(t.Context(), msg)
		if err == nil {
			t.Fatal("Send()がエラーを返すべきだが、nilが返った")
		}
		if strings.Contains(err.Error(), "SECRET-BOT-TOKEN") {
			t.Errorf("エラーにトークンが含まれている: %v", err)
		}
	})

	t.Run("Telegramの拒否理由は返さない", func(t *testing.T) {
		t.Parallel()
		_, router := setupTestServer(t, http.StatusBadRequest, token)

		w := doRequest(t, router, http.MethodPost, "/api/v1/send", msg)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnprocessableEntity)
		}
		body := w.Body.String()
		if strings.Contains(body, "chat not found") || strings.Contains(body, "SECRET-BOT-TOKEN") {
			t.Errorf("レスポンスにBot APIの詳細が含まれている: %s", body)
		}
	})
}
