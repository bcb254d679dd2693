package runner

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomlabs/loom/internal/common/httpmw"
)

// serveHTTP runs the local control/debug API until ctx is done.
func (r *Runner) serveHTTP(ctx context.Context) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(r.logger, "runner"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"service":   "loom-runner",
			"runnerId":  r.ws.RunnerID(),
			"connected": r.ws.IsConnected(),
		})
	})

	api := router.Group("/api/v1")
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": r.registry.List()})
	})
	api.POST("/sessions/:id/mode", func(c *gin.Context) {
		var req struct {
			Mode string `json:"mode" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := r.registry.SetPermissionMode(c.Request.Context(), c.Param("id"), req.Mode); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.POST("/sessions/:id/model", func(c *gin.Context) {
		var req struct {
			Model string `json:"model" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := r.registry.SetModel(c.Request.Context(), c.Param("id"), req.Model); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"watchers":           r.sync.WatcherCount(),
			"pendingPermissions": r.bridge.PendingCount(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("control API listening", zap.Int("port", r.cfg.HTTPPort))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		r.logger.Error("control API failed", zap.Error(err))
	}
}
