package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/internal/service"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// SubscriptionHandler обработчик для подписок
type SubscriptionHandler struct {
	service service.SubscriptionService
	log     *logger.Logger
}

// NewSubscriptionHandler создает новый обработчик подписок
func NewSubscriptionHandler(svc service.SubscriptionService, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		service: svc,
		log:     log,
	}
}

// Subscribe оформляет новую подписку
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	var req domain.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid subscribe request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subscription, err := h.service.Subscribe(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSubscriptionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Active subscription already exists for this product"})
		case errors.Is(err, domain.ErrContractNotActive):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "No active direct debit contract"})
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Product is not available"})
		default:
			h.log.Error("Failed to subscribe: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to subscribe"})
		}
		return
	}

	// Подписка может остаться pending, если первичное списание не прошло
	c.JSON(http.StatusCreated, subscription)
}

// GetSubscription возвращает подписку по ID
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	id := c.Param("id")

	subscription, err := h.service.GetByID(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		default:
			h.log.Error("Failed to get subscription: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscription"})
		}
		return
	}

	c.JSON(http.StatusOK, subscription)
}

// GetSubscriptions возвращает подписки пользователя
func (h *SubscriptionHandler) GetSubscriptions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	subscriptions, err := h.service.GetUserSubscriptions(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidData) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
			return
		}
		h.log.Error("Failed to get subscriptions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get subscriptions"})
		return
	}

	c.JSON(http.StatusOK, subscriptions)
}

// CancelSubscription отменяет подписку
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	id := c.Param("id")

	err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusConflict, gin.H{"error": "Subscription is already closed"})
		default:
			h.log.Error("Failed to cancel subscription: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel subscription"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// Resubscribe повторно оформляет подписку после отмены или истечения
func (h *SubscriptionHandler) Resubscribe(c *gin.Context) {
	id := c.Param("id")

	subscription, err := h.service.Resubscribe(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid subscription ID format"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusConflict, gin.H{"error": "Subscription is still active"})
		case errors.Is(err, domain.ErrSubscriptionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Active subscription already exists for this product"})
		case errors.Is(err, domain.ErrContractNotActive):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "No active direct debit contract"})
		default:
			h.log.Error("Failed to resubscribe: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resubscribe"})
		}
		return
	}

	c.JSON(http.StatusCreated, subscription)
}

// ChangePlan меняет тариф подписки
func (h *SubscriptionHandler) ChangePlan(c *gin.Context) {
	id := c.Param("id")

	var req domain.PlanChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid plan change request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	subscription, err := h.service.ChangePlan(c.Request.Context(), id, req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Subscription or product not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusConflict, gin.H{"error": "Plan change is not allowed for this subscription"})
		case errors.Is(err, domain.ErrGatewayBusiness), errors.Is(err, domain.ErrGatewayTransient):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Proration charge failed, plan change rejected"})
		default:
			h.log.Error("Failed to change plan: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to change plan"})
		}
		return
	}

	c.JSON(http.StatusOK, subscription)
}
