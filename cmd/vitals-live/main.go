package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vitals-live/internal/config"
	"vitals-live/internal/logger"
	"vitals-live/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "vitals-live")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting vitals-live service",
		zap.String("version", "1.0.0"),
		zap.String("subject_id", cfg.SubjectID),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("ingestion_base_url", cfg.Ingestion.BaseURL),
	)

	// 创建服务
	vitalsService, err := service.NewVitalsService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create vitals service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := vitalsService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start vitals service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	vitalsService.Stop(shutdownCtx)
}
