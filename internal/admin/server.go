package admin

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"perp-trading-bot/config"
	"perp-trading-bot/internal/database"
	"perp-trading-bot/internal/logging"
	"perp-trading-bot/internal/notification"
)

// Store is the persistence surface the admin API needs.
type Store interface {
	GetFlag(ctx context.Context, key string) (bool, error)
	SetConfigValue(ctx context.Context, entry database.ConfigAuditEntry) error
	ListConfig(ctx context.Context) (map[string]string, error)
	ListServiceStatus(ctx context.Context) ([]database.ServiceStatus, error)
	OpenPositions(ctx context.Context, exchange string) (map[string]database.PositionSnapshot, error)
	Ping(ctx context.Context) error
}

// Server exposes the operator control surface: health, status and the
// flag/config mutations every change of which lands in config_audit.
type Server struct {
	router   *gin.Engine
	store    Store
	notifier *notification.Manager
	cfg      config.AdminConfig
	venue    string
	log      *logging.Logger
}

func NewServer(cfg config.AdminConfig, store Store, notifier *notification.Manager, venue string, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		venue:    venue,
		log:      log.WithComponent("admin"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	admin := s.router.Group("/admin")
	admin.Use(s.authMiddleware())
	{
		admin.GET("/status", s.handleStatus)
		admin.GET("/config", s.handleListConfig)
		admin.POST("/halt", s.handleHalt)
		admin.POST("/resume", s.handleResume)
		admin.POST("/emergency_exit", s.handleEmergencyExit)
		admin.POST("/update_config", s.handleUpdateConfig)
	}
}

// authMiddleware enforces the static bearer token. Comparison is constant
// time; an unconfigured token disables the whole admin group.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin token not configured",
			})
			return
		}
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			return
		}
		c.Next()
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("admin api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
