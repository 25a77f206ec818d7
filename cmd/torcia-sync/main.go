package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rimoric/torcia-sub001/common/logger"
	"github.com/rimoric/torcia-sub001/internal/config"
	"github.com/rimoric/torcia-sub001/internal/service"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const serviceName = "torcia-sync"

func main() {
	var configPath, logLevel, httpAddr string

	flagSet := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (environment variables override it)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flagSet.StringVar(&httpAddr, "http-addr", "", "HTTP listen address, e.g. :8080")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting torcia-sync service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("database_enabled", cfg.Database.Enabled),
	)

	// 创建服务
	syncService, err := service.NewSyncService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create sync service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := syncService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start sync service", zap.Error(err))
	}

	failed := make(chan error, 1)
	go func() { failed <- syncService.Wait() }()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-failed:
		zapLogger.Error("Service component exited", zap.Error(err))
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := syncService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
