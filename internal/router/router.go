package router

import (
	"meter/internal/handler"
	"meter/internal/metrics"
	"meter/internal/middleware"
	"meter/internal/proxy"
	"meter/internal/service"

	"github.com/gin-gonic/gin"
)

// Deps 路由依赖，由 main 构造后注入
type Deps struct {
	ProxyAPIKey    string
	RateLimitRPS   float64
	RateLimitBurst int
	Engine         *proxy.Engine
	SpendGuard     *service.SpendGuard
	UsageService   *service.UsageService
}

func Setup(deps Deps) *gin.Engine {
	r := gin.Default()

	systemHandler := handler.NewSystemHandler()
	usageHandler := handler.NewUsageHandler(deps.UsageService)

	r.GET("/health", systemHandler.Health)
	r.GET("/metrics", metrics.Handler())
	r.GET("/pricing", systemHandler.GetPricing)

	// 读侧接口不鉴权
	usage := r.Group("/usage")
	{
		usage.GET("", usageHandler.GetUsage)
		usage.GET("/today", usageHandler.GetToday)
		usage.GET("/records", usageHandler.ListRecords)
	}

	chain := []gin.HandlerFunc{}
	if deps.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst)
		chain = append(chain, limiter.RateLimitByIP())
	}
	chain = append(chain,
		middleware.ProxyKeyAuth(deps.ProxyAPIKey),
		middleware.SpendCap(deps.SpendGuard),
		deps.Engine.ChatCompletions,
	)
	r.POST("/v1/chat/completions", chain...)

	return r
}
