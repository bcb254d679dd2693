package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomlabs/loom/internal/common/httpmw"
	"github.com/loomlabs/loom/internal/gateway/permission"
	"github.com/loomlabs/loom/pkg/protocol"
)

// startSessionRequest is the HTTP body for creating a session.
type startSessionRequest struct {
	CLIKind      protocol.CLIKind        `json:"cliKind" binding:"required"`
	RunnerID     string                  `json:"runnerId,omitempty"`
	WorkDir      string                  `json:"workDir,omitempty"`
	CreateFolder bool                    `json:"createFolder,omitempty"`
	CreatedBy    string                  `json:"createdBy,omitempty"`
	Options      protocol.SessionOptions `json:"options,omitempty"`
}

type userMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// Run serves the gateway until ctx is done: the runner WebSocket endpoint,
// the HTTP API, and the heartbeat watchdog.
func (g *Gateway) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.runners.RunWatchdog(ctx)
		return nil
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(g.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	router.GET("/ws/runner", func(c *gin.Context) {
		g.hub.ServeWS(ctx, c.Writer, c.Request)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "loom-gateway",
			"runners": len(g.hub.ConnectedRunners()),
		})
	})

	api := router.Group("/api/v1")
	api.GET("/runners", g.listRunners)
	api.POST("/runners/:id/sync/projects", g.syncProjects)
	api.POST("/runners/:id/sync/sessions", g.syncSessions)
	api.GET("/sessions", g.listSessions)
	api.POST("/sessions", g.startSession)
	api.GET("/sessions/:id", g.getSession)
	api.DELETE("/sessions/:id", g.endSession)
	api.POST("/sessions/:id/message", g.sendMessage)
	api.POST("/sessions/:id/interrupt", g.interrupt)
	api.GET("/permissions", g.listPermissions)
	api.POST("/permissions/:id/decision", g.decidePermission)
	api.POST("/permissions/:id/scope", g.cyclePermissionScope)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		g.logger.Info("gateway listening",
			zap.String("host", g.cfg.Host), zap.Int("port", g.cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := group.Wait()
	g.hub.Close()
	return err
}

func (g *Gateway) listRunners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": g.runners.List()})
}

func (g *Gateway) syncProjects(c *gin.Context) {
	runnerID := c.Param("id")
	if !g.hub.Send(runnerID, protocol.TypeSyncProjects, &protocol.SyncProjects{RunnerID: runnerID}) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner is not connected"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (g *Gateway) syncSessions(c *gin.Context) {
	runnerID := c.Param("id")
	var req protocol.SyncSessions
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectPath is required"})
		return
	}
	if !g.hub.Send(runnerID, protocol.TypeSyncSessions, &req) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner is not connected"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (g *Gateway) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": g.sessions.List()})
}

func (g *Gateway) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runnerID := req.RunnerID
	if runnerID == "" {
		runner, ok := g.runners.PickRunner(req.CLIKind)
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": fmt.Sprintf("no online runner hosts %s", req.CLIKind),
			})
			return
		}
		runnerID = runner.ID
	}

	sessionID := "sess_" + uuid.New().String()
	start := &protocol.SessionStart{
		SessionID:    sessionID,
		CLIKind:      req.CLIKind,
		WorkDir:      req.WorkDir,
		CreateFolder: req.CreateFolder,
		CreatedBy:    req.CreatedBy,
		Options:      req.Options,
	}
	if !g.hub.Send(runnerID, protocol.TypeSessionStart, start) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner is not connected"})
		return
	}

	sess := g.sessions.Create(sessionID, runnerID, req.CLIKind, req.WorkDir, req.CreatedBy)
	c.JSON(http.StatusAccepted, gin.H{"session": sess})
}

func (g *Gateway) getSession(c *gin.Context) {
	sess, ok := g.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

func (g *Gateway) endSession(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	g.hub.Send(sess.RunnerID, protocol.TypeSessionEnd, &protocol.SessionEnd{SessionID: sessionID})
	g.perms.DropSession(sessionID)
	g.sessions.Remove(sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (g *Gateway) sendMessage(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	var req userMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !g.hub.Send(sess.RunnerID, protocol.TypeUserMessage, &protocol.UserMessage{
		SessionID: sessionID,
		Text:      req.Text,
	}) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner is not connected"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (g *Gateway) interrupt(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !g.hub.Send(sess.RunnerID, protocol.TypeInterrupt, &protocol.Interrupt{SessionID: sessionID}) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner is not connected"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "interrupted"})
}

func (g *Gateway) listPermissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"permissions": g.perms.Pending()})
}

func (g *Gateway) cyclePermissionScope(c *gin.Context) {
	scope, err := g.perms.CycleScope(c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"scope": scope})
	case errors.Is(err, permission.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, permission.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (g *Gateway) decidePermission(c *gin.Context) {
	var in permission.DecideInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.RequestID = c.Param("id")

	switch err := g.perms.Decide(&in); {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
	case errors.Is(err, permission.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, permission.ErrInFlight), errors.Is(err, permission.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, permission.ErrRunnerOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
