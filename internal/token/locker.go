package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker は(ユーザー, プロバイダー)単位でトークン更新を直列化する。
// 返されたunlockは必ず1回呼び出すこと。
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// lockKey はロックキーを生成する。
func lockKey(userID, provider string) string {
	return "timeroi:token-refresh:" + userID + ":" + provider
}

// --- LocalLocker ---

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker はプロセス内のキー単位ミューテックス。
// 単一インスタンス構成で使用する。
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocalLocker はLocalLockerを生成する。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{entries: make(map[string]*localEntry)}
}

// Lock はkeyのロックを取得する。ctxがキャンセルされた場合はctxのエラーを返す。
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

// release は参照カウントを減らし、未使用のエントリを削除する。
func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// --- RedisLocker ---

// releaseScript は自分が取得したロックのみを解放する。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker はRedisのSET NX PXによる分散ロック。
// 複数インスタンス構成で使用する。
type RedisLocker struct {
	client       redis.UniversalClient
	ttl          time.Duration
	pollInterval time.Duration
}

// NewRedisLocker はRedisLockerを生成する。
// ttlはロック保持者が異常終了した場合に自動解放されるまでの時間。
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:       client,
		ttl:          ttl,
		pollInterval: 50 * time.Millisecond,
	}
}

// Lock はkeyのロックを取得するまで待機する。
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	owner, err := newLockOwner()
	if err != nil {
		return nil, err
	}

	for {
		acquired, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}

		select {
		case <-time.After(l.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// リクエストがキャンセルされていても解放できるよう独立したコンテキストを使う
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("failed to release refresh lock",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}, nil
}

func newLockOwner() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock owner: %w", err)
	}
	return hex.EncodeToString(b), nil
}
