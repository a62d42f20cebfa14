package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/weiwangfds/attachsync/internal/logger"
)

// Locker 按键互斥
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束，返回的函数释放锁
	Lock(ctx context.Context, key string) (func(), error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker 进程内按键互斥，无人等待的键会被回收
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localEntry
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*localEntry)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
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

func (l *LocalLocker) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

// Size 当前持有或等待中的键数量
func (l *LocalLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// unlockScript 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// renewScript 只为自己持有的锁续期
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// errLockLost 锁已过期或被他人持有
var errLockLost = errors.New("lock lost")

// RedisLocker 基于 SET NX PX 的跨进程锁，多实例部署时替代 LocalLocker
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	poll   time.Duration
	prefix string
}

// NewRedisLocker 创建Redis锁
// 参数:
//   - client: Redis客户端
//   - ttl: 锁自动过期时间，持有期间每 ttl/3 续期一次，进程退出后最多 ttl 释放
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 50 * time.Millisecond, prefix: "attachsync:lock:"}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	fullKey := r.prefix + key

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("获取分布式锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stopRenew := keepAlive(r.ttl, func(ctx context.Context) error {
		return r.renew(ctx, fullKey, token)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			// 释放不随调用方 ctx 取消
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(releaseCtx, r.client, []string{fullKey}, token).Err()
		})
	}, nil
}

func (r *RedisLocker) renew(ctx context.Context, fullKey, token string) error {
	n, err := renewScript.Run(ctx, r.client, []string{fullKey}, token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockLost
	}
	return nil
}

// keepAlive 每隔 ttl/3 调用 renew，直到返回的 stop 被调用或锁已丢失
// 单次续期失败只记录告警，下一轮继续
func keepAlive(ttl time.Duration, renew func(ctx context.Context) error) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := renew(ctx)
			cancel()
			switch {
			case errors.Is(err, errLockLost):
				logger.Errorf("[去重锁] 锁已丢失, 停止续期")
				return
			case err != nil:
				logger.Warnf("[去重锁] 续期失败: %v", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
