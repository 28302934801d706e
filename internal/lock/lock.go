// Package lock はワーカー間の排他制御を提供する。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired は他のワーカーがロックを保持していることを表す。
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker はTTL付きの排他ロックのインターフェース。
type Locker interface {
	// Acquire はロックの取得を1回だけ試みる。
	// 取得できた場合は解放関数を返す。他が保持中の場合はErrNotAcquiredを返す。
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// releaseScript は自分が取得したロックのみを削除する。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock はSET NX PXによるRedisロック。
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock はRedisLockを生成する。
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, prefix: "vanish:lock:"}
}

// NewRedisLockFromAddr はアドレスからRedisクライアントを生成し、疎通確認を行う。
func NewRedisLockFromAddr(ctx context.Context, addr string) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisLock(client), nil
}

// Acquire はロックの取得を試みる。TTLが切れると解放関数を呼ばなくても自動的に解放される。
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	release := func() {
		// 呼び出し元のctxがキャンセル済みでも解放できるよう独立したctxを使う
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(relCtx, l.client, []string{fullKey}, token).Err()
	}
	return release, nil
}

// Close はRedisクライアントを閉じる。
func (l *RedisLock) Close() error {
	return l.client.Close()
}

// Noop は常に取得に成功するLocker。Redis未設定時に使用する。
type Noop struct{}

// Acquire は常に成功する。
func (Noop) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}
