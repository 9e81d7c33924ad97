package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"bitbucket.org/mmdatafocus/audience_backend/middlewares"
	"bitbucket.org/mmdatafocus/audience_backend/models"
	"bitbucket.org/mmdatafocus/audience_backend/syncengine"
	"bitbucket.org/mmdatafocus/audience_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("AUDIENCE_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token := strings.TrimSpace(auth[7:])
				if token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	})
	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Session endpoints.
	r.POST("/api/auth/login", syncengine.LoginHandler())
	r.POST("/api/auth/logout", syncengine.LogoutHandler())
	r.POST("/api/auth/change-password", syncengine.ChangePasswordHandler())

	// Sync control surface.
	r.GET("/api/sync/status", syncengine.StatusHandler())
	r.POST("/api/sync/cancel", syncengine.CancelSyncHandler())
	r.POST("/api/sync/force-kill", syncengine.ForceKillHandler())
	r.GET("/api/sync/runs", syncengine.ListRunsHandler())
	r.GET("/api/sync/runs/:id", syncengine.RunDetailHandler())
	r.POST("/api/sync/runs/:id/resume", syncengine.ResumeRunHandler())
	r.POST("/api/sync/runs/:id/pause", syncengine.PauseRunHandler())
	r.POST("/api/sync/runs/:id/cancel", syncengine.CancelRunHandler())
	r.POST("/api/sync/sources/:source/start", syncengine.StartSyncHandler())
	r.POST("/api/sync/sources/:source/connect", syncengine.ConnectSourceHandler())
	r.POST("/api/sync/sources/:source/disconnect", syncengine.DisconnectSourceHandler())

	// Pub/Sub push endpoint for the sync worker.
	r.POST("/pubsub/sync-run", syncengine.PubSubPushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_PUBSUB_ENSURE")), "true") {
		if err := syncengine.EnsureSyncTopology(sigCtx); err != nil {
			logger.WithError(err).Warn("could not ensure pubsub topology; publishes may fail until it exists")
		}
	}

	go runZombieSweeper(sigCtx, logger)

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// runZombieSweeper fails active runs whose worker died without updating the
// row, so the one-active-run invariant cannot wedge a source forever.
func runZombieSweeper(ctx context.Context, logger *logrus.Logger) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("DISABLE_ZOMBIE_SWEEP")), "true") {
		logger.Warn("DISABLE_ZOMBIE_SWEEP=true; stale runs will not be reaped")
		return
	}

	ticker := time.NewTicker(config.ZombieSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			killed, err := models.ForceKillStaleRuns(ctx, "", config.StaleRunThreshold())
			if err != nil {
				logger.WithError(err).Error("zombie sweep failed")
				continue
			}
			if killed > 0 {
				logger.WithFields(logrus.Fields{"killed": killed}).Warn("zombie sweep reaped stale sync runs")
			}
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
