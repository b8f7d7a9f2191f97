package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 基于 Redis 的锁
// ============================================================================
//
// 加锁：SET key value NX EX timeout
//   - NX: key 不存在时才设置（互斥）
//   - EX: 过期时间（持有者崩溃后自动释放）
//   - value: 持有者标识，释放时校验，避免删掉别人的锁
//
// 释放：Lua 脚本里先比对 value 再删除，保证原子性
//
// 这里的锁只用来减少重复工作（轮询选主、请求去重），
// 钱包余额的正确性由数据库乐观锁保证，不依赖它。
//
// ============================================================================

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.Cmdable
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.Cmdable, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// NewSweepLock 后台轮询的选主锁，每个进程一个随机持有者标识
func NewSweepLock(client redis.Cmdable, name string, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "gen:sweep:lock:"+name, uuid.NewString(), expiration)
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock 释放锁，只会删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

// ============================================================================
// 一次性占位：同一个 key 在 TTL 内只能被占用一次
// ============================================================================

// OnceGuard 用于请求去重、告警去重
type OnceGuard struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewOnceGuard(client redis.Cmdable, prefix string, ttl time.Duration) *OnceGuard {
	return &OnceGuard{client: client, prefix: prefix, ttl: ttl}
}

// Claim 返回 true 表示第一次占用成功
func (g *OnceGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, time.Now().Unix(), g.ttl).Result()
}

// Release 放弃占用，允许同一个 key 再次使用
func (g *OnceGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, g.prefix+key).Err()
}
