package bootstrap

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taoyao-code/carwash-kiosk/internal/api"
	"github.com/taoyao-code/carwash-kiosk/internal/api/middleware"
	"github.com/taoyao-code/carwash-kiosk/internal/app"
	"github.com/taoyao-code/carwash-kiosk/internal/catalog"
	"github.com/taoyao-code/carwash-kiosk/internal/clock"
	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/health"
	"github.com/taoyao-code/carwash-kiosk/internal/metrics"
	"github.com/taoyao-code/carwash-kiosk/internal/navigation"
	"github.com/taoyao-code/carwash-kiosk/internal/payment"
	"github.com/taoyao-code/carwash-kiosk/internal/scheduler"
	"github.com/taoyao-code/carwash-kiosk/internal/watchdog"
)

const shutdownTimeout = 10 * time.Second

// Run 统一启动流程，阻塞到收到 SIGINT/SIGTERM 或某个服务异常退出
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting carwash kiosk",
		zap.String("kiosk_id", cfg.App.KioskID),
		zap.String("env", cfg.App.Env))

	// ========== 阶段1: 基础组件 ==========
	clk := clock.Real()
	sched := scheduler.New(clk, log)
	reg, m := app.NewMetrics()
	ready := health.New()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.Error("program catalog load failed", zap.String("path", cfg.Catalog.Path), zap.Error(err))
		return err
	}
	ready.SetCatalogReady(true)
	log.Info("program catalog loaded", zap.Int("programs", len(cat.IDs())))

	// ========== 阶段2: 存储（Redis/流水库均为可选）==========
	redisClient, err := app.NewRedisClient(cfg.Redis, log)
	if err != nil {
		log.Warn("redis unavailable, order kept in memory only", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	store := app.NewOrderStore(redisClient, cfg.Redis, cfg.Payment.OrderExpiry, clk.Now, log)

	jr := app.OpenJournal(ctx, cfg.Database, cfg.App.KioskID, log)
	if jr != nil {
		defer jr.Close()
	}

	// ========== 阶段3: 后端与推送通道 ==========
	client, breaker, err := app.NewBackendClient(cfg.Backend, m, log)
	if err != nil {
		log.Error("backend client init failed", zap.Error(err))
		return err
	}
	ws := app.NewTransport(cfg, clk, m, log)

	// ========== 阶段4: 收银会话与跳转 ==========
	outbox := navigation.NewOutbox(clk)
	arbiter := navigation.NewArbiter(outbox, clk, cfg.Navigation.ReleaseWindow, log, m)
	svc := payment.New(payment.SettingsFromConfig(cfg), payment.Deps{
		Backend:   client,
		Navigator: arbiter,
		Store:     store,
		Journal:   app.JournalRecorder(jr),
		Programs:  cat.Get,
		Scheduler: sched,
		Logger:    log,
		Metrics:   m,
	})
	unsubscribe := app.SubscribeStatus(ws, svc, log)
	defer unsubscribe()

	var wd *watchdog.Watchdog
	signals := api.Signals{Visible: ws.OnVisible}
	if cfg.Watchdog.Enable {
		wd = watchdog.New(watchdog.Options{
			HeartbeatInterval: cfg.Watchdog.HeartbeatInterval,
			MaxHeartbeatDelay: cfg.Watchdog.MaxHeartbeatDelay,
			FrozenThreshold:   cfg.Watchdog.FrozenDetectionThreshold,
			RefreshInterval:   cfg.Watchdog.RefreshInterval,
		}, sched, outbox, svc, app.NewSoftResetter(svc, arbiter, cfg.App.HomePath, log), log, m)
		signals.Frame = wd.ReportFrame
	}

	// ========== 阶段5: HTTP（健康检查、指标、本地 API）==========
	healthAgg := app.NewHealthAggregator(ready, ws, breaker)
	app.AddRedisChecker(healthAgg, redisClient)
	app.AddJournalChecker(healthAgg, jr)

	httpSrv := app.NewHTTPServer(cfg, metrics.Handler(reg), log)
	r := httpSrv.Engine()
	r.Use(middleware.CORS())
	app.RegisterHealthRoutes(r, healthAgg)
	api.RegisterKioskRoutes(r,
		api.NewKioskHandler(svc, cat, client, outbox, signals, log),
		api.RouteOptions{
			Auth: middleware.AuthConfig{
				APIKeys: cfg.API.Auth.APIKeys,
				Enabled: cfg.API.Auth.Enabled,
			},
			RateLimit: middleware.RateLimitConfig{
				Enabled:   cfg.API.RatePerSec > 0,
				PerSecond: cfg.API.RatePerSec,
				Burst:     cfg.API.Burst,
			},
			Diagnostics: cfg.API.Diagnostics,
		}, log)

	// ========== 阶段6: 恢复会话并启动 ==========
	if err := svc.Start(ctx); err != nil {
		// 恢复失败只丢弃旧订单，不阻止启动
		log.Warn("restore persisted order failed", zap.Error(err))
	}
	ready.SetSessionRestored(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	g.Go(func() error {
		// 首次连接失败由管理器自行重连
		if err := ws.Start(gctx); err != nil {
			log.Warn("initial websocket connect failed", zap.Error(err))
		}
		return nil
	})
	if wd != nil {
		wd.Start()
	}
	log.Info("all services ready", zap.String("http_addr", cfg.HTTP.Addr))

	// ========== 阶段7: 等待关闭 ==========
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		if wd != nil {
			wd.Stop()
		}
		svc.Stop()
		_ = ws.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("kiosk stopped with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
