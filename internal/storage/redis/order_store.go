package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/storage"
)

const defaultOrderKey = "kiosk:order"

// OrderStore 单个 key 保存当前订单，TTL 与订单有效期一致
type OrderStore struct {
	rdb    redis.Cmdable
	key    string
	expiry time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewOrderStore key 为空时使用 kiosk:order
func NewOrderStore(rdb redis.Cmdable, key string, expiry time.Duration, now func() time.Time, logger *zap.Logger) *OrderStore {
	if key == "" {
		key = defaultOrderKey
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderStore{rdb: rdb, key: key, expiry: expiry, now: now, logger: logger}
}

var _ storage.OrderStore = (*OrderStore)(nil)

func (s *OrderStore) Save(ctx context.Context, o *model.Order) error {
	data, err := storage.EncodeOrder(o)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key, data, s.expiry).Err(); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) Load(ctx context.Context) (*model.Order, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	o, err := storage.DecodeOrder(data, s.now(), s.expiry)
	if err != nil {
		s.logger.Warn("discarding persisted order", zap.String("key", s.key), zap.Error(err))
		if derr := s.rdb.Del(ctx, s.key).Err(); derr != nil {
			s.logger.Warn("delete persisted order failed", zap.Error(derr))
		}
		return nil, nil
	}
	return o, nil
}

func (s *OrderStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear order: %w", err)
	}
	return nil
}
