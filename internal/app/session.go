package app

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/model"
	"github.com/taoyao-code/carwash-kiosk/internal/payment"
	"github.com/taoyao-code/carwash-kiosk/internal/storage/journal"
	"github.com/taoyao-code/carwash-kiosk/internal/transport"
	"github.com/taoyao-code/carwash-kiosk/internal/watchdog"
)

// JournalRecorder 把 *journal.Journal 适配为 payment.Recorder；流水库不可用时为空操作
func JournalRecorder(j *journal.Journal) payment.Recorder {
	if j == nil {
		return nil
	}
	return j
}

// softResetter 看门狗定期软重置：清空会话并回到首页
type softResetter struct {
	svc  *payment.Service
	home string
	nav  payment.Navigator
	log  *zap.Logger
}

// NewSoftResetter 创建软重置适配器
func NewSoftResetter(svc *payment.Service, nav payment.Navigator, home string, log *zap.Logger) watchdog.Resetter {
	if home == "" {
		home = "/"
	}
	return &softResetter{svc: svc, home: home, nav: nav, log: log}
}

func (r *softResetter) SoftReset() {
	r.svc.Reset("periodic soft reset")
	if r.nav != nil && !r.nav.Navigate(r.home) {
		r.log.Info("soft reset navigation dropped")
	}
}

// SubscribeStatus 把推送的状态消息与错误消息接入收银会话，返回退订函数
func SubscribeStatus(ws *transport.Manager, svc *payment.Service, log *zap.Logger) func() {
	unsubStatus := ws.Subscribe(model.MessageStatusUpdate, svc.HandleMessage)
	unsubError := ws.Subscribe(model.MessageError, func(msg model.Message) {
		log.Warn("backend pushed error", zap.String("order_id", msg.OrderID), zap.String("code", msg.Code))
	})
	return func() {
		unsubStatus()
		unsubError()
	}
}
