// Package model 收银会话的核心数据模型
package model

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OrderStatus 后端订单状态
type OrderStatus string

const (
	StatusSelectingProgram  OrderStatus = "SELECTING_PROGRAM"
	StatusSelectingPayment  OrderStatus = "SELECTING_PAYMENT"
	StatusCreatingOrder     OrderStatus = "CREATING_ORDER"
	StatusWaitingPayment    OrderStatus = "WAITING_PAYMENT"
	StatusProcessingPayment OrderStatus = "PROCESSING_PAYMENT"
	StatusPayed             OrderStatus = "PAYED"
	StatusProcessing        OrderStatus = "PROCESSING"
	StatusCompleted         OrderStatus = "COMPLETED"
	StatusFailed            OrderStatus = "FAILED"
)

var knownStatuses = map[OrderStatus]struct{}{
	StatusSelectingProgram: {}, StatusSelectingPayment: {}, StatusCreatingOrder: {},
	StatusWaitingPayment: {}, StatusProcessingPayment: {}, StatusPayed: {},
	StatusProcessing: {}, StatusCompleted: {}, StatusFailed: {},
}

// ParseOrderStatus 解析状态字符串（大小写不敏感）
func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := knownStatuses[st]
	return st, ok
}

// PaymentMethod 支付方式，原样作为 payment_type 传给后端
type PaymentMethod string

const (
	PaymentCard    PaymentMethod = "card"
	PaymentCash    PaymentMethod = "cash"
	PaymentApp     PaymentMethod = "app"
	PaymentLoyalty PaymentMethod = "loyalty"
)

// Valid 是否为已知支付方式
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCard, PaymentCash, PaymentApp, PaymentLoyalty:
		return true
	}
	return false
}

// Order 一次购买会话的规范订单记录。ID 一旦设置在会话内不可变。
type Order struct {
	ID            string        `json:"id"`
	ProgramID     string        `json:"programId,omitempty"`
	Status        OrderStatus   `json:"status"`
	PaymentMethod PaymentMethod `json:"paymentMethod,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	// Synthetic 后端未返回订单号时使用的本地占位号，收到推送中的真实订单号后替换一次
	Synthetic bool      `json:"synthetic,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone 返回副本
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// QueueStatus 排队信息；Position 为 nil 或 0 表示可直接开始
type QueueStatus struct {
	Position *int `json:"position"`
	Number   *int `json:"number"`
}

// Ready 是否无需排队
func (q QueueStatus) Ready() bool {
	return q.Position == nil || *q.Position == 0
}

// Full 是否超过最大排队位置
func (q QueueStatus) Full(maxPosition int) bool {
	return q.Position != nil && *q.Position >= maxPosition
}

// Amount 金额；后端可能返回数字或数字字符串
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		uq, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		s = strings.TrimSpace(uq)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("amount %q: %w", s, err)
	}
	*a = Amount(v)
	return nil
}

// Float 转换为 float64
func (a Amount) Float() float64 { return float64(a) }

// OrderDetail GET order-detail/{id}/ 的响应
type OrderDetail struct {
	ID            string      `json:"id"`
	Status        OrderStatus `json:"status"`
	AmountSum     *Amount     `json:"amount_sum,omitempty"`
	QueuePosition *int        `json:"queue_position,omitempty"`
	QueueNumber   *int        `json:"queue_number,omitempty"`
	QRCode        string      `json:"qr_code,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	PaymentType   string      `json:"payment_type,omitempty"`
}

// Queue 提取排队信息
func (d *OrderDetail) Queue() QueueStatus {
	return QueueStatus{Position: d.QueuePosition, Number: d.QueueNumber}
}

// Program 洗车程序（外部提供的只读参考数据）
type Program struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Price    string `json:"price" yaml:"price"`
	Duration int    `json:"duration" yaml:"duration"`
}

// PriceValue 解析价格
func (p *Program) PriceValue() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.Price), 64)
	if err != nil {
		return 0, fmt.Errorf("program %s price %q: %w", p.ID, p.Price, err)
	}
	return v, nil
}
