package app

import (
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/health"
	"github.com/taoyao-code/carwash-kiosk/internal/storage"
	redisstorage "github.com/taoyao-code/carwash-kiosk/internal/storage/redis"
)

// NewRedisClient 创建Redis客户端；未启用时返回 nil
func NewRedisClient(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	if !cfg.Enabled {
		logger.Info("redis is disabled, order kept in memory only")
		return nil, nil
	}

	client, err := redisstorage.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))

	return client, nil
}

// NewOrderStore 有 Redis 时订单持久化到 Redis，否则只保存在进程内存
func NewOrderStore(client *redisstorage.Client, cfg cfgpkg.RedisConfig, expiry time.Duration, now func() time.Time, logger *zap.Logger) storage.OrderStore {
	if client == nil {
		return storage.NewMemoryStore(expiry, now)
	}
	return redisstorage.NewOrderStore(client, cfg.OrderKey, expiry, now, logger)
}

// AddRedisChecker 添加Redis检查器到聚合器
func AddRedisChecker(aggregator *health.Aggregator, redisClient *redisstorage.Client) {
	if redisClient != nil {
		aggregator.AddChecker(health.NewRedisChecker(redisClient))
	}
}
