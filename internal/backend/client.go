// Package backend 洗车后端 HTTP API 客户端（/api/ 下的 JSON 接口）
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
)

// 后端接口路径（相对 API 基地址）
const (
	pathPay         = "pay/"
	pathOrderDetail = "order-detail/%s/"
	pathCancel      = "cancellation/%s/"
	pathStartRobot  = "start-robot/%s/"
	pathLoyalty     = "lty-check/"
	pathUCN         = "ucn-check/"
	pathOpenReader  = "open-reader/"
)

// PayRequest POST pay/ 请求体
type PayRequest struct {
	ProgramID   string `json:"program_id"`
	PaymentType string `json:"payment_type"`
	UCN         string `json:"ucn,omitempty"`
}

// PayResponse POST pay/ 响应；后端可能直接返回订单号
type PayResponse struct {
	ID      string `json:"id,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	QRCode  string `json:"qr_code,omitempty"`
}

// CanonicalID 后端下发的订单号（可能为空）
func (r *PayResponse) CanonicalID() string {
	if r == nil {
		return ""
	}
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.ID
}

// LoyaltyStatus GET lty-check/ 响应
type LoyaltyStatus struct {
	HasCard bool           `json:"has_card"`
	Extra   map[string]any `json:"-"`
}

// UCNStatus GET ucn-check/ 响应
type UCNStatus struct {
	UCN     string        `json:"ucn,omitempty"`
	Balance *model.Amount `json:"balance,omitempty"`
}

// Client 后端客户端，全局共用一个 http.Client
type Client struct {
	baseURL *url.URL
	http    *http.Client
	breaker *Breaker
	metrics *metrics.KioskMetrics
	logger  *zap.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBreaker 为订单详情查询挂载熔断器
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithMetrics 挂载指标
func WithMetrics(m *metrics.KioskMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 创建客户端；apiBaseURL 形如 http://host/api/
func NewClient(apiBaseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(apiBaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", apiBaseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: timeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Pay 创建订单
func (c *Client) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	var resp PayResponse
	if err := c.do(ctx, "pay", http.MethodPost, pathPay, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OrderDetail 查询订单详情（轮询路径，受熔断器保护）
func (c *Client) OrderDetail(ctx context.Context, orderID string) (*model.OrderDetail, error) {
	if orderID == "" {
		return nil, payerr.ErrNoOrderID
	}
	var detail model.OrderDetail
	call := func() error {
		return c.do(ctx, "order_detail", http.MethodGet, fmt.Sprintf(pathOrderDetail, url.PathEscape(orderID)), nil, &detail)
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// Cancel 取消订单
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if orderID == "" {
		return payerr.ErrNoOrderID
	}
	return c.do(ctx, "cancel", http.MethodPost, fmt.Sprintf(pathCancel, url.PathEscape(orderID)), nil, nil)
}

// StartRobot 启动洗车机
func (c *Client) StartRobot(ctx context.Context, orderID string) error {
	if orderID == "" {
		return payerr.ErrNoOrderID
	}
	return c.do(ctx, "start_robot", http.MethodPost, fmt.Sprintf(pathStartRobot, url.PathEscape(orderID)), nil, nil)
}

// LoyaltyCheck 查询会员卡
func (c *Client) LoyaltyCheck(ctx context.Context) (*LoyaltyStatus, error) {
	var raw map[string]any
	if err := c.do(ctx, "lty_check", http.MethodGet, pathLoyalty, nil, &raw); err != nil {
		return nil, err
	}
	st := &LoyaltyStatus{Extra: raw}
	if v, ok := raw["has_card"].(bool); ok {
		st.HasCard = v
	}
	delete(st.Extra, "has_card")
	return st, nil
}

// UCNCheck 读取 UCN 令牌与余额
func (c *Client) UCNCheck(ctx context.Context) (*UCNStatus, error) {
	var st UCNStatus
	if err := c.do(ctx, "ucn_check", http.MethodGet, pathUCN, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// OpenReader 打开读卡器
func (c *Client) OpenReader(ctx context.Context) error {
	return c.do(ctx, "open_reader", http.MethodPost, pathOpenReader, nil, nil)
}

// do 发送请求并按 payerr 分类错误
func (c *Client) do(ctx context.Context, endpoint, method, rel string, body any, out any) (err error) {
	defer func() {
		if c.metrics != nil {
			result := "ok"
			if err != nil {
				result = payerr.KindOf(err).String()
			}
			c.metrics.BackendRequests.WithLabelValues(endpoint, result).Inc()
		}
	}()

	target := c.baseURL.ResolveReference(&url.URL{Path: rel})

	var reader io.Reader
	if body != nil {
		buf, merr := json.Marshal(body)
		if merr != nil {
			return fmt.Errorf("marshal %s request: %w", endpoint, merr)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return payerr.FromTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payerr.FromTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := payerr.FromStatus(resp.StatusCode, extractBackendError(data))
		c.logger.Warn("backend non-2xx response",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", perr.Kind.String()))
		return perr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// extractBackendError 提取 {"error": "..."} 中的文本
func extractBackendError(data []byte) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	if payload.Error != "" {
		return payload.Error
	}
	return payload.Detail
}

// countsAsFailure 仅网络、超时与 5xx 计入熔断失败
func countsAsFailure(err error) bool {
	return payerr.Retryable(err)
}
