// Package lock 提供跨实例互斥，保证定时任务同一时刻只在一个副本上执行。
package lock

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// NewRedisClient 创建 Redis 客户端
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisLocker 基于 redsync 的分布式锁，只尝试一次，拿不到说明其他实例正在执行
type RedisLocker struct {
	rs     *redsync.Redsync
	name   string
	expiry time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, name string, expiry time.Duration, logger *zap.Logger) *RedisLocker {
	pool := goredis.NewPool(client)
	return &RedisLocker{
		rs:     redsync.New(pool),
		name:   name,
		expiry: expiry,
		logger: logger,
	}
}

// TryLock 获取成功时返回释放函数
func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool) {
	mutex := l.rs.NewMutex(l.name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		l.logger.Debug("未获取到分布式锁", zap.String("name", l.name), zap.Error(err))
		return nil, false
	}
	return func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			l.logger.Warn("释放分布式锁失败", zap.String("name", l.name), zap.Error(err))
		}
	}, true
}
