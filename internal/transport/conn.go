package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn 底层 WebSocket 连接的最小接口，*websocket.Conn 直接满足
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 建立连接
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

// GorillaDialer 基于 gorilla/websocket 的拨号器
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

// NewGorillaDialer 创建默认拨号器
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{Dialer: &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Proxy:            http.ProxyFromEnvironment,
	}}
}

func (g *GorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := g.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// closeCode 从读错误中提取关闭码；无关闭帧的断开按 1006 处理
func closeCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
