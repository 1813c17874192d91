// Package notification は通知サービスの内部実装を提供する。
//
// 兄弟サービスが発行するドメインイベントをHTTPまたはAMQPで受信し、
// 対象ユーザーごとに購読設定を確認してテンプレートから通知を描画・保存する。
// 保存した通知はチャネル（Telegram、WebSocket）ごとに送信し、
// チャネル別の配信状態と通知全体の状態を記録する。
//
// 処理は次の順に進む。
//
//	Ingestor  → イベントの検証、重複排除、処理中ロック
//	Builder   → ユーザーごとの判定・描画・保存（並列数に上限あり）
//	Dispatcher → チャネルごとの送信と状態の集約
//
// 通知の一覧取得や既読管理のAPIも提供する。
package notification
