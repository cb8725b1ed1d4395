package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/service"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// WebhookHandler обработчик входящих уведомлений платежного шлюза
type WebhookHandler struct {
	service service.WebhookService
	log     *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(svc service.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: svc,
		log:     log,
	}
}

// HandlePaymanWebhook принимает уведомление шлюза о платеже.
// Сырое тело сохраняется целиком, независимо от результата разбора.
func (h *WebhookHandler) HandlePaymanWebhook(c *gin.Context) {
	bodyBytes, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.log.Error("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read webhook body"})
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	var notification domain.GatewayNotification
	if err := c.ShouldBindJSON(&notification); err != nil {
		h.log.Warn("Malformed gateway notification: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed notification payload"})
		return
	}

	ack, err := h.service.ProcessGatewayNotification(c.Request.Context(), bodyBytes, notification)
	if err != nil {
		h.log.Error("Failed to process gateway notification: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process notification"})
		return
	}

	c.JSON(http.StatusOK, ack)
}

// GetUnprocessed возвращает необработанные уведомления для ручной сверки
func (h *WebhookHandler) GetUnprocessed(c *gin.Context) {
	events, err := h.service.GetUnprocessed(c.Request.Context(), 50)
	if err != nil {
		h.log.Error("Failed to get unprocessed webhook events: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get unprocessed events"})
		return
	}

	c.JSON(http.StatusOK, events)
}
