package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/fleetform/fleetform/internal/audit/domain"
	"github.com/fleetform/fleetform/internal/cache"
	"github.com/fleetform/fleetform/internal/cluster"
	"github.com/fleetform/fleetform/internal/config"
	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/observability/logger"
	"github.com/fleetform/fleetform/internal/observability/metrics"
	"github.com/fleetform/fleetform/internal/reconciler"
	webhookdomain "github.com/fleetform/fleetform/internal/webhook/domain"
)

// healthTTL bounds how long a cluster health probe is reused on reads.
const healthTTL = 10 * time.Second

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Instances  instancedomain.Service
	Webhooks   webhookdomain.Service
	Cluster    cluster.Orchestrator
	Audit      auditdomain.Service
	Reconciler *reconciler.Worker `optional:"true"`
}

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	instances  instancedomain.Service
	webhooks   webhookdomain.Service
	cluster    cluster.Orchestrator
	audit      auditdomain.Service
	reconciler *reconciler.Worker

	webhookLimiter *rateLimiter
	healthCache    *cache.TTLCache[string, string]
}

func New(p Params) *Server {
	return &Server{
		cfg:            p.Config,
		log:            p.Log.Named("server"),
		db:             p.DB,
		instances:      p.Instances,
		webhooks:       p.Webhooks,
		cluster:        p.Cluster,
		audit:          p.Audit,
		reconciler:     p.Reconciler,
		webhookLimiter: newRateLimiter(p.Config.WebhookRateLimit, p.Config.WebhookRateWindow),
		healthCache:    cache.NewTTLCache[string, string](healthTTL),
	}
}

// NewEngine builds the gin engine with the shared middleware stack.
func NewEngine(cfg config.Config, httpMetrics *metrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	engine.Use(metrics.GinMiddleware(httpMetrics))
	return engine
}

// RegisterRoutes mounts every route on the engine.
func (s *Server) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/healthz", s.Healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.POST("/webhooks/:provider", s.HandleWebhook)

	api := engine.Group("/v1")
	api.Use(s.ManagementAuthRequired())
	{
		api.POST("/instances", s.CreateInstance)
		api.GET("/instances/:id", s.GetInstance)
		api.POST("/instances/:id/start", s.StartInstance)
		api.POST("/instances/:id/stop", s.StopInstance)
		api.POST("/instances/:id/restart", s.RestartInstance)
		api.POST("/instances/:id/resize", s.ResizeInstance)
		api.DELETE("/instances/:id", s.DeleteInstance)
		api.POST("/instances/sync", s.SyncInstances)
	}
}

// Healthz reports process liveness and database reachability.
func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	c.JSON(200, gin.H{"status": "ok", "version": s.cfg.ServiceVersion})
}
