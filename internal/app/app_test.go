package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/storage"
)

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://kiosk:****@db:5432/kiosk", maskDSN("postgres://kiosk:secret@db:5432/kiosk"))
	assert.Equal(t, "postgres://db/kiosk", maskDSN("postgres://db/kiosk"))
}

func TestRedisDisabledFallsBackToMemory(t *testing.T) {
	client, err := NewRedisClient(cfgpkg.RedisConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, client)

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	store := NewOrderStore(client, cfgpkg.RedisConfig{}, time.Hour, clk.Now, zap.NewNop())
	assert.IsType(t, &storage.MemoryStore{}, store)
}

func TestJournalDisabled(t *testing.T) {
	assert.Nil(t, OpenJournal(context.Background(), cfgpkg.DatabaseConfig{}, "k1", zap.NewNop()))
	assert.Nil(t, JournalRecorder(nil))
}

func TestNewBackendClient(t *testing.T) {
	_, m := NewMetrics()
	client, breaker, err := NewBackendClient(cfgpkg.BackendConfig{
		APIBaseURL:       "http://127.0.0.1:9/api/",
		Timeout:          time.Second,
		BreakerThreshold: 3,
		BreakerTimeout:   time.Second,
	}, m, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, "closed", breaker.State().String())
}
