// Package storage 当前订单的持久化（刷新页面/重启进程后恢复）
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
)

// OrderStore 只保存一条订单记录
type OrderStore interface {
	Save(ctx context.Context, o *model.Order) error
	// Load 无记录、已过期或无法解析时返回 (nil, nil)
	Load(ctx context.Context) (*model.Order, error)
	Clear(ctx context.Context) error
}

var (
	// ErrOrderExpired 记录超过有效期
	ErrOrderExpired = errors.New("persisted order expired")
	// ErrOrderCorrupt 记录无法解析（含时间戳无效）
	ErrOrderCorrupt = errors.New("persisted order corrupt")
)

// storedOrder 落盘格式；createdAt 单独按字符串解析，坏时间戳只丢弃该条记录
type storedOrder struct {
	ID            string `json:"id"`
	ProgramID     string `json:"programId,omitempty"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Synthetic     bool   `json:"synthetic,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

// EncodeOrder 序列化
func EncodeOrder(o *model.Order) ([]byte, error) {
	if o == nil {
		return nil, errors.New("nil order")
	}
	return json.Marshal(storedOrder{
		ID:            o.ID,
		ProgramID:     o.ProgramID,
		Status:        string(o.Status),
		PaymentMethod: string(o.PaymentMethod),
		TransactionID: o.TransactionID,
		Synthetic:     o.Synthetic,
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeOrder 反序列化并校验有效期
func DecodeOrder(data []byte, now time.Time, expiry time.Duration) (*model.Order, error) {
	var so storedOrder
	if err := json.Unmarshal(data, &so); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrderCorrupt, err)
	}
	created, err := time.Parse(time.RFC3339Nano, so.CreatedAt)
	if err != nil || created.IsZero() {
		return nil, fmt.Errorf("%w: createdAt %q", ErrOrderCorrupt, so.CreatedAt)
	}
	if expiry > 0 && now.Sub(created) > expiry {
		return nil, ErrOrderExpired
	}
	status, ok := model.ParseOrderStatus(so.Status)
	if !ok {
		return nil, fmt.Errorf("%w: status %q", ErrOrderCorrupt, so.Status)
	}
	return &model.Order{
		ID:            so.ID,
		ProgramID:     so.ProgramID,
		Status:        status,
		PaymentMethod: model.PaymentMethod(so.PaymentMethod),
		TransactionID: so.TransactionID,
		Synthetic:     so.Synthetic,
		CreatedAt:     created,
	}, nil
}

// MemoryStore 进程内实现，未启用 Redis 时使用
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	expiry time.Duration
	now    func() time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore(expiry time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{expiry: expiry, now: now}
}

func (s *MemoryStore) Save(_ context.Context, o *model.Order) error {
	data, err := EncodeOrder(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	o, err := DecodeOrder(s.data, s.now(), s.expiry)
	if err != nil {
		s.data = nil
		return nil, nil
	}
	return o, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
