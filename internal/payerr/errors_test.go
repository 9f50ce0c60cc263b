package payerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatusClassification(t *testing.T) {
	assert.Equal(t, KindServer, FromStatus(503, "").Kind)
	assert.Equal(t, KindServer, FromStatus(429, "").Kind)
	assert.Equal(t, KindClient, FromStatus(404, "").Kind)
	assert.Equal(t, KindBackendRejection, FromStatus(400, "Программа недоступна").Kind)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(FromStatus(500, "")))
	assert.True(t, Retryable(FromStatus(429, "")))
	assert.True(t, Retryable(errors.New("connection refused")))
	assert.True(t, Retryable(fmt.Errorf("do: %w", context.DeadlineExceeded)))
	assert.False(t, Retryable(FromStatus(400, "")))
	assert.False(t, Retryable(FromStatus(403, "bad")))
	assert.False(t, Retryable(ErrNoProgramSelected))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(nil))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, MsgNoProgram, Sanitize(ErrNoProgramSelected))
	assert.Equal(t, MsgNoOrder, Sanitize(ErrNoOrderID))
	assert.Equal(t, MsgConnectivity, Sanitize(errors.New("dial tcp: refused")))
	assert.Equal(t, MsgTimeout, Sanitize(context.DeadlineExceeded))
	assert.Equal(t, MsgServer, Sanitize(FromStatus(502, "")))
	assert.Equal(t, clientMessages[404], Sanitize(FromStatus(404, "")))
	assert.Contains(t, Sanitize(ErrQueueFull), "очередь")

	assert.Equal(t, "Программа недоступна", Sanitize(FromStatus(400, "Программа недоступна")))
	leak := FromStatus(400, `Traceback (most recent call last): File "views.py"`)
	assert.Equal(t, clientMessages[400], Sanitize(leak))
	assert.Equal(t, MsgGeneric, Sanitize(FromStatus(418, strings.Repeat("x", 300))))
}
