package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticketsync/internal/handler"
	"ticketsync/pkg/otel"
	"ticketsync/pkg/rbac"
	"ticketsync/pkg/trace"
)

// ReadinessCheck 例如 pgxpool.Pool.Ping、redis Ping
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
	server *http.Server
}

func NewRouter(
	webhookHandler *handler.WebhookHandler,
	adminHandler *handler.AdminHandler,
	jwtSecret string,
	checks ...ReadinessCheck,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware(), otel.GinMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, check := range checks {
			if err := check.Check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": check.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public，签名校验在 ingestor 里做
	r.POST("/webhooks/:token", webhookHandler.Receive)

	// Admin
	admin := r.Group("/admin")
	admin.Use(AdminAuthMiddleware(jwtSecret))
	{
		admin.POST("/integrations/:id/sync", RequirePermission(rbac.PermissionSyncRun), adminHandler.SyncIntegration)
		admin.GET("/integrations/:id/status", RequirePermission(rbac.PermissionStatusRead), adminHandler.Status)
		admin.POST("/sync", RequirePermission(rbac.PermissionSyncRun), adminHandler.SyncAll)
		admin.POST("/jobs/replay", RequirePermission(rbac.PermissionJobsReplay), adminHandler.ReplayFailedJobs)
	}

	return &Router{Engine: r}
}

// traceMiddleware 沿用上游的 X-Trace-ID，没有时生成一个
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, id)
		c.Next()
	}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}

// Serve 在 ctx 结束时优雅关闭
func (r *Router) Serve(ctx context.Context, addr string) error {
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	}
}
