package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/rimoric/torcia-sub001/common/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis客户端类型别名
type Client = redis.Client

const (
	defaultDialTimeout = 3 * time.Second
	// 快照和 XADD 都是小请求，读写超时不宜过长，避免拖住 journal/stream 协程
	defaultIOTimeout = 2 * time.Second
	pingTimeout      = 3 * time.Second
)

// NewRedisClient 创建Redis客户端（不立即连接，首次命令时建立连接）
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dial,
		ReadTimeout:  defaultIOTimeout,
		WriteTimeout: defaultIOTimeout,
		PoolSize:     4,
	})
}

// Ping 启动时检查连通性；ctx 没有截止时间时使用 pingTimeout
func Ping(ctx context.Context, client *redis.Client) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", client.Options().Addr, err)
	}
	return nil
}

// Close 关闭Redis连接（nil 安全）
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
