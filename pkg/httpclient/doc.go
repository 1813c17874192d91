// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// 通知サービスが配信プロバイダー（Telegramボット、リアルタイム配信）の
// APIを呼び出す際に使用する。2xx以外の応答はStatusErrorとして返し、
// 呼び出し側が再試行の可否を判断できるようにする。
package httpclient
