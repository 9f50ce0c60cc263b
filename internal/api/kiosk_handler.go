package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/backend"
	"github.com/taoyao-code/carwash-kiosk/internal/catalog"
	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/navigation"
	"github.com/taoyao-code/carwash-kiosk/internal/payerr"
	"github.com/taoyao-code/carwash-kiosk/internal/payment"
)

// 长轮询上限，略小于常见反向代理的空闲超时
const maxNavigationWait = 25 * time.Second

// Session 收银会话（*payment.Service 实现）
type Session interface {
	Snapshot() payment.Snapshot
	CreateOrder(ctx context.Context, req payment.CreateRequest) (*model.Order, error)
	StartRobot(ctx context.Context) (payment.RobotResult, error)
	Back(ctx context.Context)
	Cancel(ctx context.Context)
	CheckNow()
	HandleMessage(msg model.Message)
}

// Programs 洗车程序目录（*catalog.Catalog 实现）
type Programs interface {
	List() []model.Program
	Get(id string) (*model.Program, error)
}

// Peripherals 会员卡/读卡器相关后端接口（*backend.Client 实现）
type Peripherals interface {
	LoyaltyCheck(ctx context.Context) (*backend.LoyaltyStatus, error)
	UCNCheck(ctx context.Context) (*backend.UCNStatus, error)
	OpenReader(ctx context.Context) error
}

// Signals 界面外壳上报的可见性与渲染帧信号
type Signals struct {
	Visible func()
	Frame   func()
}

// NavigationFeed 跳转指令（*navigation.Outbox 实现）
type NavigationFeed interface {
	Latest() navigation.Command
	Wait(ctx context.Context, after uint64) (navigation.Command, error)
}

// KioskHandler 本地 API 处理器
type KioskHandler struct {
	session     Session
	programs    Programs
	peripherals Peripherals
	nav         NavigationFeed
	signals     Signals
	logger      *zap.Logger
}

// NewKioskHandler 创建处理器
func NewKioskHandler(session Session, programs Programs, peripherals Peripherals, nav NavigationFeed, signals Signals, logger *zap.Logger) *KioskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KioskHandler{
		session:     session,
		programs:    programs,
		peripherals: peripherals,
		nav:         nav,
		signals:     signals,
		logger:      logger,
	}
}

// ListPrograms GET /api/programs
func (h *KioskHandler) ListPrograms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"programs": h.programs.List()})
}

// GetSession GET /api/session
func (h *KioskHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

type createOrderRequest struct {
	ProgramID   string `json:"program_id"`
	PaymentType string `json:"payment_type"`
	UCN         string `json:"ucn"`
}

// CreateOrder POST /api/orders
func (h *KioskHandler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": payerr.MsgGeneric})
		return
	}
	method := model.PaymentMethod(req.PaymentType)
	if !method.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payment_type", "message": payerr.MsgGeneric})
		return
	}

	var program *model.Program
	if req.ProgramID != "" {
		p, err := h.programs.Get(req.ProgramID)
		if err != nil {
			h.logger.Warn("create order: unknown program", zap.String("program_id", req.ProgramID))
			status := http.StatusBadRequest
			if errors.Is(err, catalog.ErrUnknownProgram) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": "unknown_program", "message": payerr.MsgNoProgram})
			return
		}
		program = p
	}

	order, err := h.session.CreateOrder(c.Request.Context(), payment.CreateRequest{
		Program: program,
		Method:  method,
		UCN:     req.UCN,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "session": h.session.Snapshot()})
}

// StartRobot POST /api/robot/start
func (h *KioskHandler) StartRobot(c *gin.Context) {
	res, err := h.session.StartRobot(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "session": h.session.Snapshot()})
}

// Back POST /api/session/back
func (h *KioskHandler) Back(c *gin.Context) {
	h.session.Back(c.Request.Context())
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// Cancel POST /api/session/cancel
func (h *KioskHandler) Cancel(c *gin.Context) {
	h.session.Cancel(c.Request.Context())
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// Visible POST /api/signals/visible 页面重新可见：补连推送并立即对账一次
func (h *KioskHandler) Visible(c *gin.Context) {
	if h.signals.Visible != nil {
		h.signals.Visible()
	}
	h.session.CheckNow()
	c.Status(http.StatusNoContent)
}

// Frame POST /api/signals/frame
func (h *KioskHandler) Frame(c *gin.Context) {
	if h.signals.Frame != nil {
		h.signals.Frame()
	}
	c.Status(http.StatusNoContent)
}

// Loyalty GET /api/loyalty
func (h *KioskHandler) Loyalty(c *gin.Context) {
	st, err := h.peripherals.LoyaltyCheck(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// UCN GET /api/ucn
func (h *KioskHandler) UCN(c *gin.Context) {
	st, err := h.peripherals.UCNCheck(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// OpenReader POST /api/reader/open
func (h *KioskHandler) OpenReader(c *gin.Context) {
	if err := h.peripherals.OpenReader(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Navigation GET /api/navigation?after=<seq>&wait=<duration>
// 有新指令立即返回；否则阻塞到超时返回 204
func (h *KioskHandler) Navigation(c *gin.Context) {
	var after uint64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
			return
		}
		after = n
	}
	wait := maxNavigationWait
	if v := c.Query("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 && d < wait {
			wait = d
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	cmd, err := h.nav.Wait(ctx, after)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

type diagnosticStatusRequest struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status" binding:"required"`
	TransactionID string `json:"transaction_id"`
}

// DiagnosticStatus POST /api/diagnostics/status 手工注入一条状态推送，仅调试用
func (h *KioskHandler) DiagnosticStatus(c *gin.Context) {
	var req diagnosticStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
		return
	}
	h.logger.Warn("diagnostic status injected",
		zap.String("order_id", req.OrderID),
		zap.String("status", req.Status))
	h.session.HandleMessage(model.Message{
		Type:          model.MessageStatusUpdate,
		OrderID:       req.OrderID,
		Status:        req.Status,
		TransactionID: req.TransactionID,
	})
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// writeError 记录原始错误，只把脱敏文案返回给界面
func (h *KioskHandler) writeError(c *gin.Context, err error) {
	if errors.Is(err, payment.ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": "busy"})
		return
	}
	kind := payerr.KindOf(err)
	h.logger.Warn("kiosk api error",
		zap.String("path", c.Request.URL.Path),
		zap.String("kind", kind.String()),
		zap.Error(err))

	status := http.StatusBadGateway
	switch kind {
	case payerr.KindValidation:
		status = http.StatusBadRequest
	case payerr.KindQueueFull:
		status = http.StatusConflict
	case payerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": kind.String(), "message": payerr.Sanitize(err)})
}
