package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ticketsync/internal/integration"
	"ticketsync/internal/webhook"
)

const maxWebhookBody = 5 << 20

// WebhookIngestor 由 *webhook.Ingestor 实现
type WebhookIngestor interface {
	Handle(ctx context.Context, in *integration.Integration, req webhook.Request) (webhook.Result, error)
}

type WebhookHandler struct {
	registry *integration.Registry
	ingestor WebhookIngestor
	logger   *zap.Logger
}

func NewWebhookHandler(registry *integration.Registry, ingestor WebhookIngestor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		registry: registry,
		ingestor: ingestor,
		logger:   logger,
	}
}

// Receive POST /webhooks/:token
func (h *WebhookHandler) Receive(c *gin.Context) {
	in, ok := h.registry.ByWebhookToken(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown webhook"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	res, err := h.ingestor.Handle(c.Request.Context(), in, webhook.Request{
		Headers: c.Request.Header,
		RawBody: body,
	})
	if err != nil {
		status := webhookStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Webhook handling failed",
				zap.String("integration_id", in.Config.ID),
				zap.Error(err),
			)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if res.Action == webhook.ActionChallenge {
		c.JSON(http.StatusOK, gin.H{"challenge": res.Challenge})
		return
	}
	c.JSON(http.StatusOK, res)
}

// webhookStatus 5xx 让供应商重新投递，4xx 不会
func webhookStatus(err error) int {
	switch {
	case integration.IsSignature(err):
		return http.StatusUnauthorized
	case integration.IsPermanentRecord(err):
		return http.StatusBadRequest
	case errors.Is(err, integration.ErrNotConfigured):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
