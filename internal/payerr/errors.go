// Package payerr 收银核心的错误分类与对外文案脱敏
package payerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNetwork
	KindTimeout
	KindClient
	KindServer
	KindQueueFull
	KindBackendRejection
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	case KindQueueFull:
		return "queue_full"
	case KindBackendRejection:
		return "backend_rejection"
	default:
		return "unknown"
	}
}

// Error 分类后的错误
type Error struct {
	Kind   Kind
	Status int    // HTTP 状态码，非 HTTP 错误为 0
	Detail string // 后端 {error} 文本或内部描述，仅用于日志/脱敏
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Status > 0 {
		fmt.Fprintf(&b, " (http %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// 业务前置条件错误
var (
	ErrNoProgramSelected = &Error{Kind: KindValidation, Detail: "no program selected"}
	ErrNoOrderID         = &Error{Kind: KindValidation, Detail: "no order id"}
	ErrQueueFull         = &Error{Kind: KindQueueFull, Detail: "queue is full"}
)

// Validation 构造校验错误
func Validation(detail string) *Error {
	return &Error{Kind: KindValidation, Detail: detail}
}

// FromStatus 按 HTTP 状态码分类；body 中的 {error} 文本作为 Detail
func FromStatus(status int, backendMsg string) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindServer, Status: status, Detail: backendMsg}
	case status >= 500:
		return &Error{Kind: KindServer, Status: status, Detail: backendMsg}
	case status >= 400 && backendMsg != "":
		return &Error{Kind: KindBackendRejection, Status: status, Detail: backendMsg}
	case status >= 400:
		return &Error{Kind: KindClient, Status: status}
	}
	return &Error{Kind: KindUnknown, Status: status, Detail: backendMsg}
}

// FromTransport 将请求层错误（网络、超时）分类
func FromTransport(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// KindOf 提取错误类别
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if err == nil {
		return KindUnknown
	}
	return FromTransport(err).Kind
}

// Retryable 网络/超时/5xx/429 可重试；4xx 与业务拒绝不可重试
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindServer:
		return true
	}
	return false
}
