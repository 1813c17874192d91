package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// defaultLockTTL は処理中ロックの既定の有効期間。
const defaultLockTTL = 5 * time.Minute

// Locker は同一イベントの同時処理を防ぐロック。
// 取得できなかった場合はokがfalseになる。releaseは取得できた場合のみ有効。
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

// MemoryLocker はプロセス内のロック。単一インスタンス構成で使う。
type MemoryLocker struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	held map[string]time.Time
}

// NewMemoryLocker はMemoryLockerを生成する。ttlが0以下の場合は既定値を使う。
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &MemoryLocker{ttl: ttl, now: time.Now, held: map[string]time.Time{}}
}

// TryLock はkeyのロックを取得する。有効期限切れのロックは取得し直せる。
func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return func() {}, false, nil
	}
	expires := now.Add(l.ttl)
	l.held[key] = expires

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}, true, nil
}

// releaseScript は自分が取得したロックのみを削除する。
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker はRedisのSET NXによるロック。複数インスタンス構成で使う。
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker はRedisLockerを生成する。ttlが0以下の場合は既定値を使う。
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, prefix: "stayops:notification:event:", ttl: ttl}
}

// TryLock はkeyのロックを取得する。
func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	redisKey := l.prefix + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("Redisロックの取得に失敗: %w", err)
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, true, nil
}

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}
