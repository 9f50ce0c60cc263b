package payerr

import (
	"errors"
	"strings"
)

// 面向用户的固定文案
const (
	MsgGeneric       = "Произошла ошибка. Пожалуйста, попробуйте ещё раз."
	MsgConnectivity  = "Нет связи с сервером. Проверьте подключение и попробуйте снова."
	MsgTimeout       = "Сервер не отвечает. Попробуйте ещё раз."
	MsgServer        = "Сервис временно недоступен. Попробуйте позже."
	MsgQueueFull     = "Извините, очередь заполнена. Попробуйте позже."
	MsgNoProgram     = "Выберите программу мойки."
	MsgNoOrder       = "Заказ не найден. Начните заново."
	MsgDepositExpire = "Время оплаты истекло."
)

var clientMessages = map[int]string{
	400: "Некорректный запрос. Попробуйте ещё раз.",
	401: "Терминал не авторизован. Обратитесь к администратору.",
	403: "Операция запрещена. Обратитесь к администратору.",
	404: "Заказ не найден. Начните заново.",
	409: "Заказ уже обрабатывается.",
	422: "Некорректные данные заказа.",
}

// leakMarkers 后端返回文本中出现这些片段时视为内部信息泄漏
var leakMarkers = []string{
	"traceback", "exception", "stack", "sql", "syntax", "internal",
	"null pointer", "nil pointer", "undefined", "file \"", ".py", ".go:",
	"panic", "errno", "0x",
}

// LooksInternal 启发式判断文本是否为内部错误/堆栈
func LooksInternal(msg string) bool {
	m := strings.ToLower(msg)
	if len(m) > 200 {
		return true
	}
	for _, marker := range leakMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// Sanitize 将任意错误转换为可展示给用户的文案
func Sanitize(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if !errors.As(err, &pe) {
		pe = FromTransport(err)
	}
	switch pe.Kind {
	case KindValidation:
		if pe == ErrNoProgramSelected || pe.Detail == ErrNoProgramSelected.Detail {
			return MsgNoProgram
		}
		if pe == ErrNoOrderID || pe.Detail == ErrNoOrderID.Detail {
			return MsgNoOrder
		}
		return MsgGeneric
	case KindNetwork:
		return MsgConnectivity
	case KindTimeout:
		return MsgTimeout
	case KindServer:
		return MsgServer
	case KindQueueFull:
		return MsgQueueFull
	case KindClient:
		if msg, ok := clientMessages[pe.Status]; ok {
			return msg
		}
		return MsgGeneric
	case KindBackendRejection:
		if pe.Detail == "" || LooksInternal(pe.Detail) {
			if msg, ok := clientMessages[pe.Status]; ok {
				return msg
			}
			return MsgGeneric
		}
		return pe.Detail
	}
	return MsgGeneric
}
