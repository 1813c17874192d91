// Package config は各サービスの設定を環境変数と.envファイルから読み込む。
//
// 構造体タグ（caarlos0/env）で環境変数名と既定値を宣言し、
// 起動時に1度だけ読み込んで各コンポーネントへ明示的に渡す。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
)

// Log はログ出力の設定。
type Log struct {
	// Level はログレベル。
	Level string `env:"LOG_LEVEL" envDefault:"info"`
	// Format はログ形式（text または json）。
	Format string `env:"LOG_FORMAT" envDefault:"text"`
	// File はログファイルのパス。空の場合はファイル出力しない。
	File string `env:"LOG_FILE"`
}

// Provider は配信プロバイダーへの接続設定。
type Provider struct {
	// RetryAttempts は接続・送信の最大試行回数。
	RetryAttempts int `env:"PROVIDER_RETRY_ATTEMPTS" envDefault:"3"`
	// RetryDelay は再試行までの固定待機時間。
	RetryDelay time.Duration `env:"PROVIDER_RETRY_DELAY" envDefault:"1s"`
	// Timeout は1回の呼び出しのタイムアウト。
	Timeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
}

// Notification は通知サービスの設定。
type Notification struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8086"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `env:"DATABASE_PATH" envDefault:"/data/notification.db"`
	// JWTSecret は一覧APIのJWT検証に使用する秘密鍵。
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	// CORSOrigins はクロスオリジンを許可するオリジン。
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// TelegramProviderHost はTelegramボットプロバイダーのホスト。
	TelegramProviderHost string `env:"TELEGRAM_PROVIDER_HOST" envDefault:"localhost"`
	// TelegramProviderPort はTelegramボットプロバイダーのポート。
	TelegramProviderPort string `env:"TELEGRAM_PROVIDER_PORT" envDefault:"8091"`
	// RealtimeProviderHost はリアルタイム配信プロバイダーのホスト。
	RealtimeProviderHost string `env:"REALTIME_PROVIDER_HOST" envDefault:"localhost"`
	// RealtimeProviderPort はリアルタイム配信プロバイダーのポート。
	RealtimeProviderPort string `env:"REALTIME_PROVIDER_PORT" envDefault:"8090"`
	// Provider はプロバイダー接続の再試行設定。
	Provider Provider

	// LinkBaseURL は通知のアクションURLを組み立てる際のベースURL。
	LinkBaseURL string `env:"LINK_BASE_URL" envDefault:"http://localhost:3000"`
	// FanoutConcurrency は1イベントあたりのユーザー並列処理数の上限。
	FanoutConcurrency int `env:"FANOUT_CONCURRENCY" envDefault:"8"`
	// DispatchConcurrency は通知配信の並列数の上限。
	DispatchConcurrency int `env:"DISPATCH_CONCURRENCY" envDefault:"16"`

	// AMQPURL はイベント購読に使用するAMQPブローカーのURL。空の場合は購読しない。
	AMQPURL string `env:"AMQP_URL"`
	// AMQPExchange は購読するトピックエクスチェンジ名。
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"stayops.events"`
	// AMQPQueue は通知サービス用のキュー名。
	AMQPQueue string `env:"AMQP_QUEUE" envDefault:"notification.events"`
	// AMQPRoutingKey はキューをバインドするルーティングキー。
	AMQPRoutingKey string `env:"AMQP_ROUTING_KEY" envDefault:"#"`

	// RedisURL は処理中イベントのロックに使用するRedisのURL。空の場合はプロセス内ロックを使う。
	RedisURL string `env:"REDIS_URL"`
	// EventLockTTL は処理中イベントのロックの有効期間。
	EventLockTTL time.Duration `env:"EVENT_LOCK_TTL" envDefault:"5m"`

	// Timezone は日時フィルタの表示タイムゾーン。
	Timezone string `env:"TIMEZONE" envDefault:"Europe/Moscow"`
	// Locale は数値フォーマットのロケール。
	Locale string `env:"LOCALE" envDefault:"ru"`

	// Log はログ設定。
	Log Log
}

// Realtime はリアルタイム配信サービスの設定。
type Realtime struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8090"`
	// JWTSecret はWebSocket接続のJWT検証に使用する秘密鍵。
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-key"`
	// CORSOrigins はクロスオリジンを許可するオリジン。WebSocketのOriginチェックにも使う。
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// HeartbeatInterval はクライアントへのPing送信間隔。
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	// Log はログ設定。
	Log Log
}

// TelegramBot はTelegramボットプロバイダーの設定。
type TelegramBot struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `env:"PORT" envDefault:"8091"`
	// BotToken はTelegram Bot APIのトークン。
	BotToken string `env:"TELEGRAM_BOT_TOKEN"`
	// APIURL はTelegram Bot APIのベースURL。
	APIURL string `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	// Timeout はBot API呼び出しのタイムアウト。
	Timeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	// Log はログ設定。
	Log Log
}

// LoadNotification は通知サービスの設定を読み込む。
func LoadNotification() (*Notification, error) {
	cfg, err := load[Notification](nil)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRealtime はリアルタイム配信サービスの設定を読み込む。
func LoadRealtime() (*Realtime, error) {
	return load[Realtime](nil)
}

// LoadTelegramBot はTelegramボットプロバイダーの設定を読み込む。
func LoadTelegramBot() (*TelegramBot, error) {
	return load[TelegramBot](nil)
}

// load は.envファイルを読み込んだ後、環境変数を構造体に展開する。
// environがnilでない場合はプロセスの環境変数の代わりに使用する。
func load[T any](environ map[string]string) (*T, error) {
	if environ == nil {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
		}
	}

	var cfg T
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	return &cfg, nil
}

// validate は値の範囲を検証する。
func (c *Notification) validate() error {
	if c.FanoutConcurrency <= 0 {
		return fmt.Errorf("FANOUT_CONCURRENCYは1以上である必要があります: %d", c.FanoutConcurrency)
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCYは1以上である必要があります: %d", c.DispatchConcurrency)
	}
	if c.Provider.RetryAttempts <= 0 {
		return fmt.Errorf("PROVIDER_RETRY_ATTEMPTSは1以上である必要があります: %d", c.Provider.RetryAttempts)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Language(); err != nil {
		return err
	}
	return nil
}

// TelegramProviderURL はTelegramボットプロバイダーのベースURLを返す。
func (c *Notification) TelegramProviderURL() string {
	return "http://" + net.JoinHostPort(c.TelegramProviderHost, c.TelegramProviderPort)
}

// RealtimeProviderURL はリアルタイム配信プロバイダーのベースURLを返す。
func (c *Notification) RealtimeProviderURL() string {
	return "http://" + net.JoinHostPort(c.RealtimeProviderHost, c.RealtimeProviderPort)
}

// Location は表示用タイムゾーンを返す。
func (c *Notification) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONEが不正です: %w", err)
	}
	return loc, nil
}

// Language は数値フォーマットの言語タグを返す。
func (c *Notification) Language() (language.Tag, error) {
	tag, err := language.Parse(strings.TrimSpace(c.Locale))
	if err != nil {
		return language.Und, fmt.Errorf("LOCALEが不正です: %w", err)
	}
	return tag, nil
}
