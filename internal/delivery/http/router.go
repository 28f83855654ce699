package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// HealthChecker проверка зависимости для /health.
type HealthChecker func(ctx context.Context) error

// RouterConfig параметры сборки gin.Engine.
type RouterConfig struct {
	AllowedOrigins []string
	// Checks проверки зависимостей по имени (postgres, redis).
	Checks map[string]HealthChecker
}

// RouteRegistrar регистрирует свои маршруты в роутере.
type RouteRegistrar interface {
	RegisterRoutes(router gin.IRouter)
}

// NewRouter собирает gin.Engine: логирование, recovery, CORS, метрики
// запросов, /health, /metrics и маршруты registrars.
func NewRouter(cfg RouterConfig, logger *zap.Logger, registrars ...RouteRegistrar) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = true
	router.Use(ZapLogger(logger.Named("HTTP")))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	p := ginprometheus.NewPrometheus("gin")
	// у миров и ходов uuid в пути, метки собираются по шаблону маршрута
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		if full := c.FullPath(); full != "" {
			return full
		}
		return "unmatched"
	}
	// до регистрации маршрутов: gin не применяет middleware к уже добавленным
	p.Use(router)

	healthHandler := func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		status := gin.H{"status": "ok"}
		code := http.StatusOK
		for name, check := range cfg.Checks {
			if err := check(ctx); err != nil {
				logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
				status[name] = err.Error()
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
			} else {
				status[name] = "ok"
			}
		}
		c.JSON(code, status)
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	for _, r := range registrars {
		r.RegisterRoutes(router)
	}

	return router
}
