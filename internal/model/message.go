package model

import "time"

// MessageType WebSocket 消息类型
type MessageType string

const (
	MessageStatusUpdate MessageType = "status_update"
	MessageError        MessageType = "error"
	MessagePing         MessageType = "ping"
	MessagePong         MessageType = "pong"
)

// Message WebSocket 入站消息，不落盘
type Message struct {
	Type          MessageType `json:"type"`
	OrderID       string      `json:"order_id,omitempty"`
	Status        string      `json:"status,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Code          string      `json:"code,omitempty"`
	Timestamp     any         `json:"timestamp,omitempty"`
}

// EventKind 会话流水事件类型
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventStatus       EventKind = "status"
	EventPaid         EventKind = "paid"
	EventQueueFull    EventKind = "queue_full"
	EventCancelled    EventKind = "cancelled"
	EventTimeout      EventKind = "timeout"
	EventRobotStarted EventKind = "robot_started"
	EventError        EventKind = "error"
)

// SessionEvent 写入订单流水的一条事件
type SessionEvent struct {
	OrderID string
	Kind    EventKind
	Status  string
	Detail  string
	At      time.Time
}
