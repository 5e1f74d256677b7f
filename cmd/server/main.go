package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/wikirace-server/internal"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置檔路徑（可選）")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
		redisAddr  = flag.String("redis", "", "Redis 地址（覆蓋配置檔；空字串停用鏡像）")
	)
	flag.Parse()

	// 載入配置（預設值 + 配置檔 + 命令行覆蓋）
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入配置失敗: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}

	// 設置日誌
	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)

	// Redis 鏡像（可選：未配置地址就在純內存模式下運行）
	var mirror *internal.Mirror
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		mirror = internal.NewMirror(client, cfg.Redis.SnapshotTTL.Std(), logger)
		logger.Info("Redis 鏡像已啟用", "addr", cfg.Redis.Addr)
	} else {
		logger.Info("未配置 Redis，以純內存模式運行")
	}

	// 創建房間管理器
	selector := internal.NewCategorySelector()
	manager := internal.NewManager(cfg, selector, mirror, logger)

	// 對外服務之前先從鏡像恢復
	if mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := manager.Restore(ctx); err != nil {
			logger.Warn("從鏡像恢復失敗，繼續以空狀態啟動", "error", err)
		}
		cancel()
	}

	// 創建速率限制器與 WebSocket 閘道
	limiter := internal.NewLimiter(cfg)
	gateway := internal.NewGateway(manager, limiter, logger)

	// 創建 HTTP 處理器（含 /ws 路由）
	handler := internal.NewHandler(manager, gateway, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	// 啟動服務器
	go func() {
		logger.Info("維基競速房間服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	// 優雅關閉
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 依賴順序關閉：閘道 → 管理器 → 限流器 → 鏡像
	gateway.Stop()
	manager.Stop()
	limiter.Stop()
	if mirror != nil {
		mirror.Stop()
	}

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
