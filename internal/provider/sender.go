package provider

import (
	"context"
	"fmt"

	"github.com/nao1215/stayops/internal/delivery"
	"github.com/nao1215/stayops/pkg/httpclient"
)

const (
	// TelegramSendPath はTelegramボットプロバイダーの送信エンドポイント。
	TelegramSendPath = "/api/v1/send"
	// SocketPushPath はリアルタイム配信プロバイダーのプッシュエンドポイント。
	SocketPushPath = "/api/v1/internal/push"
)

// TelegramSender はTelegramボットプロバイダー経由でメッセージを送信する。
type TelegramSender struct {
	conn *Conn
}

// NewTelegramSender はTelegramSenderを生成する。
func NewTelegramSender(conn *Conn) *TelegramSender {
	return &TelegramSender{conn: conn}
}

// Send はメッセージをTelegramボットプロバイダーへ送る。宛先はmsg.RecipientIDのチャットID。
func (s *TelegramSender) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	return call(ctx, s.conn, TelegramSendPath, msg)
}

// SocketSender はリアルタイム配信プロバイダー経由でメッセージをプッシュする。
type SocketSender struct {
	conn *Conn
}

// NewSocketSender はSocketSenderを生成する。
func NewSocketSender(conn *Conn) *SocketSender {
	return &SocketSender{conn: conn}
}

// Send はメッセージをリアルタイム配信プロバイダーへ送る。宛先はmsg.RecipientIDのユーザーID。
// 宛先ユーザーが接続していない場合はErrRejectedになる。
func (s *SocketSender) Send(ctx context.Context, msg delivery.Message) (delivery.Receipt, error) {
	return call(ctx, s.conn, SocketPushPath, msg)
}

// call はイベントIDをヘッダーに載せてプロバイダーを呼び出し、送信結果を返す。
func call(ctx context.Context, conn *Conn, path string, msg delivery.Message) (delivery.Receipt, error) {
	if msg.EventID != "" {
		ctx = httpclient.WithEventID(ctx, msg.EventID)
	}
	var receipt delivery.Receipt
	if err := conn.Call(ctx, path, msg, &receipt); err != nil {
		return delivery.Receipt{}, fmt.Errorf("%sへの送信に失敗: %w", conn.Name(), err)
	}
	return receipt, nil
}
