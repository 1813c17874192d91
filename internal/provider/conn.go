// Package provider は通知サービスから配信プロバイダー（Telegramボット、リアルタイム配信）への接続を扱う。
//
// Connは起動時に1度だけ生成し、各チャネルのSenderへ注入する。
// 切断中の呼び出しでは自動的に再接続を試み、一時的な障害は固定間隔で再試行する。
// プロバイダーが拒否した（4xx）リクエストは再試行しない。
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nao1215/stayops/pkg/httpclient"
)

const (
	// defaultAttempts は接続・呼び出しの既定の最大試行回数。
	defaultAttempts = 3
	// defaultDelay は再試行までの既定の待機時間。
	defaultDelay = time.Second
	// defaultTimeout は1回のHTTP呼び出しの既定のタイムアウト。
	defaultTimeout = 30 * time.Second
	// healthPath は接続確認に使うエンドポイント。
	healthPath = "/health"
)

var (
	// ErrRejected はプロバイダーがリクエストを拒否したことを表す。再試行しても結果は変わらない。
	ErrRejected = errors.New("プロバイダーがリクエストを拒否しました")
	// ErrUnavailable はプロバイダーに到達できない、または一時的な障害が続いたことを表す。
	ErrUnavailable = errors.New("プロバイダーを利用できません")
)

// Conn は配信プロバイダーへの長寿命の接続。
// 状態は「接続中」と「切断」の2つで、切断中のCallは先に再接続を試みる。
type Conn struct {
	// name はログに出すプロバイダー名。
	name string
	// client はプロバイダーへのHTTPクライアント。
	client *httpclient.Client
	// attempts は最大試行回数。
	attempts int
	// delay は再試行までの固定待機時間。
	delay time.Duration
	// timeout は1回のHTTP呼び出しのタイムアウト。
	timeout time.Duration
	// logger はログ出力先。
	logger logrus.FieldLogger

	mu        sync.Mutex
	connected bool
}

// Option はConnの設定を変更する関数。
type Option func(*connOptions)

// connOptions はNewConnに渡す設定値。
type connOptions struct {
	attempts   int
	delay      time.Duration
	timeout    time.Duration
	httpClient *http.Client
}

// WithRetry は最大試行回数と再試行間隔を設定する。attemptsが1未満の場合は1回として扱う。
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *connOptions) {
		o.attempts = max(attempts, 1)
		if delay >= 0 {
			o.delay = delay
		}
	}
}

// WithTimeout は1回のHTTP呼び出しのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(o *connOptions) {
		o.timeout = d
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(o *connOptions) {
		o.httpClient = hc
	}
}

// NewConn はbaseURLのプロバイダーへの接続を生成する。この時点では接続しない。
func NewConn(name, baseURL string, logger logrus.FieldLogger, opts ...Option) *Conn {
	o := connOptions{attempts: defaultAttempts, delay: defaultDelay}
	for _, opt := range opts {
		opt(&o)
	}

	timeout := o.timeout
	var clientOpts []httpclient.Option
	if o.httpClient != nil {
		// 差し替えたクライアントのタイムアウトを優先する
		clientOpts = append(clientOpts, httpclient.WithHTTPClient(o.httpClient))
		timeout = o.httpClient.Timeout
	} else if timeout > 0 {
		clientOpts = append(clientOpts, httpclient.WithTimeout(timeout))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Conn{
		name:     name,
		client:   httpclient.New(baseURL, clientOpts...),
		attempts: o.attempts,
		delay:    o.delay,
		timeout:  timeout,
		logger:   logger.WithField("provider", name),
	}
}

// Name はプロバイダー名を返す。
func (c *Conn) Name() string {
	return c.name
}

// Connected は接続中かどうかを返す。
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Budget はCall 1回が再接続と全ての再試行を終えるまでに掛かり得る最大時間を返す。
// 呼び出し側の送信タイムアウトはこれ以上にしないと、再試行の前に打ち切られる。
func (c *Conn) Budget() time.Duration {
	round := time.Duration(c.attempts)*c.timeout + time.Duration(c.attempts-1)*c.delay
	// 再接続（Connect）と送信（Call）でそれぞれ最大round掛かる
	return 2 * round
}

// SendBudget はconnsのBudgetの最大値を返す。
func SendBudget(conns ...*Conn) time.Duration {
	var budget time.Duration
	for _, c := range conns {
		budget = max(budget, c.Budget())
	}
	return budget
}

// Connect はヘルスチェックでプロバイダーの稼働を確認し、接続中の状態にする。
// 確認は最大試行回数まで固定間隔で繰り返す。
func (c *Conn) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, c.delay); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, err)
			}
		}
		var health map[string]any
		lastErr = c.client.GetJSON(ctx, healthPath, &health)
		if lastErr == nil {
			c.setConnected(true)
			c.logger.Info("[Provider] プロバイダーに接続しました")
			return nil
		}
		c.logger.WithError(lastErr).WithField("attempt", attempt).Warn("[Provider] プロバイダーへの接続に失敗")
	}
	c.setConnected(false)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, lastErr)
}

// Call はpathにbodyをPOSTし、レスポンスをresultにデコードする。
// 切断中の場合は先に再接続する。通信エラーと5xxは再試行し、4xxはErrRejectedとして即座に返す。
func (c *Conn) Call(ctx context.Context, path string, body, result any) error {
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := wait(ctx, c.delay); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, err)
			}
		}

		lastErr = c.client.PostJSON(ctx, path, body, result)
		if lastErr == nil {
			return nil
		}

		var statusErr *httpclient.StatusError
		if errors.As(lastErr, &statusErr) {
			if !statusErr.Temporary() {
				return fmt.Errorf("%w: %s: %v", ErrRejected, c.name, lastErr)
			}
		} else {
			// 応答が無い場合は切断として扱う
			c.setConnected(false)
		}
		c.logger.WithError(lastErr).WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt,
		}).Warn("[Provider] プロバイダーの呼び出しに失敗")
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, lastErr)
}

// setConnected は接続状態を更新する。
func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = v
}

// wait はdだけ待機する。待機中にctxが終了した場合はそのエラーを返す。
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
