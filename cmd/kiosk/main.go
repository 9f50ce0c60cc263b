package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/taoyao-code/carwash-kiosk/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/carwash-kiosk/internal/config"
	"github.com/taoyao-code/carwash-kiosk/internal/logging"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径（默认读取 KIOSK_CONFIG 或 configs/kiosk.yaml）")
	pflag.Parse()

	// 1) 加载配置
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 启动
	if err := bootstrap.Run(cfg, zap.L()); err != nil {
		zap.L().Error("kiosk exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
