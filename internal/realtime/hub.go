// Package realtime はWebSocketでブラウザ・モバイルアプリへ通知をプッシュするリアルタイム配信プロバイダー。
//
// 利用者はJWT付きで /ws に接続し、通知サービスは内部API /api/v1/internal/push で
// 宛先ユーザーの全接続へメッセージを送る。接続が1つも無い宛先はオフラインとして扱う。
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/internal/delivery"
)

const (
	// writeWait はフレーム書き込みのタイムアウト。
	writeWait = 10 * time.Second
	// maxMessageSize はクライアントから受け付けるフレームの最大サイズ。
	maxMessageSize = 512
)

// ErrOffline は宛先ユーザーの接続が無いことを表す。
var ErrOffline = errors.New("recipient offline")

// Frame はクライアントへ送るWebSocketフレーム。
type Frame struct {
	// Type はフレームの種類。通知は "notification"。
	Type string `json:"type"`
	// Data は通知の内容。
	Data delivery.Message `json:"data"`
}

// client はユーザー1人の1接続。
type client struct {
	conn   *websocket.Conn
	userID string
	// writeMu は書き込みを直列化する。gorilla/websocketは同時書き込みを許さない。
	writeMu sync.Mutex
}

// writeJSON はフレームを書き込む。
func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Hub はユーザーIDごとの接続を管理する。
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  logrus.FieldLogger
}

// NewHub はHubを生成する。
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger,
	}
}

// register は接続をユーザーに紐付ける。
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.logger.WithFields(logrus.Fields{"user_id": c.userID, "connections": len(h.clients[c.userID])}).
		Info("[Hub] クライアントが接続しました")
}

// unregister は接続を切り離して閉じる。2回呼ばれても安全。
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if ok {
		if _, exists := conns[c]; !exists {
			ok = false
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()

	_ = c.conn.Close()
	if ok {
		h.logger.WithFields(logrus.Fields{"user_id": c.userID, "connections": h.Online(c.userID)}).
			Info("[Hub] クライアントが切断しました")
	}
}

// Online はユーザーの接続数を返す。
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// snapshot はユーザーの接続一覧を返す。userIDが空の場合は全接続を返す。
func (h *Hub) snapshot(userID string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*client
	for uid, conns := range h.clients {
		if userID != "" && uid != userID {
			continue
		}
		for c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// Push はユーザーの全接続へ通知を送り、書き込めた接続数を返す。
// 接続が無い、または全接続への書き込みに失敗した場合はErrOfflineを返す。
// 書き込みに失敗した接続は切り離す。
func (h *Hub) Push(msg delivery.Message) (int, error) {
	frame := Frame{Type: "notification", Data: msg}
	sent := 0
	for _, c := range h.snapshot(msg.RecipientID) {
		if err := c.writeJSON(frame); err != nil {
			h.logger.WithError(err).WithField("user_id", c.userID).Warn("[Hub] フレームの書き込みに失敗")
			h.unregister(c)
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, ErrOffline
	}
	return sent, nil
}

// Ping は全接続へPingを送る。失敗した接続は切り離す。
func (h *Hub) Ping() {
	deadline := time.Now().Add(writeWait)
	for _, c := range h.snapshot("") {
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.unregister(c)
		}
	}
}

// Close は全接続を閉じる。
func (h *Hub) Close() {
	for _, c := range h.snapshot("") {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		h.unregister(c)
	}
}
