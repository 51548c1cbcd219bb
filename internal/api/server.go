package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"guild-ledger/internal/config"
	"guild-ledger/internal/db"
	"guild-ledger/internal/member"
	"guild-ledger/internal/redis"
	"guild-ledger/internal/security"
)

type Server struct {
	log     *slog.Logger
	db      *db.DB
	store   *member.PostgresStore
	redis   *redis.Client
	cfg     config.Config
	router  *gin.Engine
	limiter *security.LimiterStore
}

func NewServer(log *slog.Logger, dbConn *db.DB, store *member.PostgresStore, redisClient *redis.Client, cfg config.Config) *Server {
	s := &Server{
		log:    log,
		db:     dbConn,
		store:  store,
		redis:  redisClient,
		cfg:    cfg,
		router: gin.New(),
		// in-process fallback limiter for when redis is unavailable
		limiter: security.NewLimiterStore(2, 10, 10*time.Minute),
	}

	gin.SetMode(gin.ReleaseMode)
	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.inputValidationMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/members/:discord_id", s.getMember)
		v1.GET("/members/:discord_id/names", s.getNameHistory)
		v1.GET("/members/:discord_id/nicknames", s.getNicknameHistory)
		v1.GET("/members/:discord_id/created", s.getCreated)
		v1.GET("/members/:discord_id/joined", s.getJoined)
		v1.GET("/search", s.search)
		v1.GET("/stats", s.stats)
		v1.GET("/roles", s.listRoles)
		v1.GET("/roles/:role_id", s.getRole)
		v1.GET("/health", s.health)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.DELETE("/members/:discord_id", s.purgeMember)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
