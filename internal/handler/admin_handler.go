package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ticketsync/internal/model"
	"ticketsync/internal/service/syncer"
)

// Syncer 由 *syncer.Orchestrator 实现
type Syncer interface {
	RunIntegration(ctx context.Context, integrationID string, opts syncer.RunOptions) ([]syncer.Summary, error)
	RunAll(ctx context.Context, opts syncer.RunOptions) []syncer.Summary
	Status(ctx context.Context, integrationID string) (syncer.StatusReport, error)
}

// JobReplayer 由 *outbox.Repository 实现；未使用 outbox 时为 nil
type JobReplayer interface {
	ReplayFailed(ctx context.Context, limit int) (int64, error)
}

type AdminHandler struct {
	syncer   Syncer
	replayer JobReplayer
	logger   *zap.Logger
}

func NewAdminHandler(s Syncer, replayer JobReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		syncer:   s,
		replayer: replayer,
		logger:   logger,
	}
}

func parseMode(c *gin.Context) (model.SyncMode, bool) {
	switch mode := model.SyncMode(c.DefaultQuery("mode", string(model.ModeIncremental))); mode {
	case model.ModeFull, model.ModeIncremental:
		return mode, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be full or incremental"})
		return "", false
	}
}

// SyncIntegration 手动触发一次同步，会清除认证失败状态
// POST /admin/integrations/:id/sync?mode=full|incremental
func (h *AdminHandler) SyncIntegration(c *gin.Context) {
	mode, ok := parseMode(c)
	if !ok {
		return
	}
	id := c.Param("id")

	summaries, err := h.syncer.RunIntegration(c.Request.Context(), id, syncer.RunOptions{Mode: mode, Manual: true})
	switch {
	case errors.Is(err, syncer.ErrUnknownIntegration):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, syncer.ErrIntegrationDisabled), errors.Is(err, syncer.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"integration_id": id, "summaries": summaries}
	if err != nil {
		// 渠道失败时仍返回部分结果
		h.logger.Warn("Manual sync finished with errors", zap.String("integration_id", id), zap.Error(err))
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// SyncAll POST /admin/sync?mode=full|incremental
func (h *AdminHandler) SyncAll(c *gin.Context) {
	mode, ok := parseMode(c)
	if !ok {
		return
	}
	summaries := h.syncer.RunAll(c.Request.Context(), syncer.RunOptions{Mode: mode, Manual: true})
	c.JSON(http.StatusOK, gin.H{"summaries": summaries})
}

// Status GET /admin/integrations/:id/status
func (h *AdminHandler) Status(c *gin.Context) {
	report, err := h.syncer.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, syncer.ErrUnknownIntegration) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load integration status", zap.String("integration_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReplayFailedJobs 把失败的延迟任务重新放回 outbox
// POST /admin/jobs/replay?limit=100
func (h *AdminHandler) ReplayFailedJobs(c *gin.Context) {
	if h.replayer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job outbox not configured"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	n, err := h.replayer.ReplayFailed(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay jobs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay jobs",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "completed",
		"replayed": n,
		"limit":    limit,
	})
}
