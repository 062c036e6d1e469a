package main

import (
	"meter/internal/billing"
	"meter/internal/config"
	"meter/internal/database"
	"meter/internal/proxy"
	"meter/internal/repository"
	"meter/internal/router"
	"meter/internal/service"
	"meter/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("无效的 LOG_LEVEL %q，使用 info", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	gin.SetMode(cfg.GinMode)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer db.Close()

	usageRepo := repository.NewUsageLogRepository(db)
	guard := service.NewSpendGuard(usageRepo, cfg.DailySpendCap)
	usageLogger := service.NewUsageLogger(usageRepo, billing.NewCostCalculator())
	usageService := service.NewUsageService(usageRepo, guard)

	engine, err := proxy.NewEngine(proxy.EngineConfig{
		UpstreamBaseURL: cfg.UpstreamBaseURL,
		UpstreamAPIKey:  cfg.UpstreamAPIKey,
		Timeout:         cfg.UpstreamTimeout,
	}, usageLogger)
	if err != nil {
		log.Fatalf("转发引擎初始化失败: %v", err)
	}

	r := router.Setup(router.Deps{
		ProxyAPIKey:    cfg.ProxyAPIKey,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Engine:         engine,
		SpendGuard:     guard,
		UsageService:   usageService,
	})

	log.WithFields(log.Fields{
		"upstream":  engine.Target(),
		"key":       util.MaskKey(cfg.UpstreamAPIKey),
		"daily_cap": cfg.DailySpendCap.String(),
		"database":  cfg.DatabasePath,
	}).Info("meter: configuration loaded")

	log.Infof("服务器启动在 http://0.0.0.0:%s", cfg.ServerPort)
	if err := r.Run("0.0.0.0:" + cfg.ServerPort); err != nil {
		log.Fatalf("服务器启动失败: %v", err)
	}
}
