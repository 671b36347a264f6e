package http

import (
	"context"
	"net/http"
	"slices"
	"time"

	"beacon/internal/config"
	"beacon/internal/domain"
	"beacon/internal/observability"
	"beacon/internal/usecase"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log zerolog.Logger

	authenticate *usecase.AuthenticateReport
	relay        *usecase.RelayFind
	embeds       *usecase.RelayEmbed
	auditRepo    usecase.AuditEventRepository

	adminAPIKey string
	health      map[string]HealthCheck
	info        map[string]string

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool

	closers []func() error
}

type ServerDeps struct {
	Authenticate *usecase.AuthenticateReport
	Relay        *usecase.RelayFind
	Embeds       *usecase.RelayEmbed
	AuditRepo    usecase.AuditEventRepository
	RateLimiter  domain.RateLimiter
	Logger       zerolog.Logger
	Health       map[string]HealthCheck
	// Info is echoed by /healthz (ledger backend, audit mode, policy hash).
	Info map[string]string
}

func NewServerWithDeps(cfg config.Config, deps ServerDeps) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(deps.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))

	s := &Server{
		cfg:          cfg,
		r:            r,
		log:          deps.Logger,
		authenticate: deps.Authenticate,
		relay:        deps.Relay,
		embeds:       deps.Embeds,
		auditRepo:    deps.AuditRepo,
		adminAPIKey:  cfg.AdminAPIKey,
		health:       deps.Health,
		info:         deps.Info,
	}
	s.initRateLimit(deps.RateLimiter)
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization",
			"X-Client-ID", "X-Protocol-Version", "X-Request-Time",
			"X-Timestamp", "X-Signature", observability.RequestIDHeader,
		},
		ExposeHeaders: []string{observability.RequestIDHeader, "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) initRateLimit(limiter domain.RateLimiter) {
	s.rateLimiter = limiter
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = time.Minute
	if s.cfg.RateLimitWindowSeconds > 0 {
		s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.r.Group("/v1")
	{
		v1.POST("/reports", s.rateLimited(routeReports), s.handleReport)
		v1.POST("/embeds", s.rateLimited(routeEmbeds), s.handleEmbed)
		v1.GET("/audit/recent", s.handleAuditRecent)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}
