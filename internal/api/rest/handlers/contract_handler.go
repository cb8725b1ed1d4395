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

// ContractHandler обработчик для дебетовых контрактов
type ContractHandler struct {
	service service.ContractService
	log     *logger.Logger
}

// NewContractHandler создает новый обработчик контрактов
func NewContractHandler(svc service.ContractService, log *logger.Logger) *ContractHandler {
	return &ContractHandler{
		service: svc,
		log:     log,
	}
}

// InitiateContract начинает оформление дебетового контракта
func (h *ContractHandler) InitiateContract(c *gin.Context) {
	var req domain.ContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid contract request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	initiation, err := h.service.InitiateContract(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidMobileFormat):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid mobile number format"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data"})
		case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayTransient):
			h.log.Error("Gateway unavailable: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable"})
		default:
			h.log.Error("Failed to initiate contract: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate contract"})
		}
		return
	}

	c.JSON(http.StatusCreated, initiation)
}

// VerifyContract обрабатывает callback подписания контракта
func (h *ContractHandler) VerifyContract(c *gin.Context) {
	var req domain.ContractVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid verify request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.service.VerifyContract(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusConflict, gin.H{"error": "Contract is not awaiting signature"})
		default:
			h.log.Error("Failed to verify contract: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify contract"})
		}
		return
	}

	// Отказ пользователя и неуспех верификации тоже отвечают 200:
	// шлюзу важно, что callback принят
	c.JSON(http.StatusOK, result)
}

// GetContracts возвращает активные контракты пользователя
func (h *ContractHandler) GetContracts(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter is required"})
		return
	}

	contracts, err := h.service.GetUserContracts(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidData) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
			return
		}
		h.log.Error("Failed to get contracts: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get contracts"})
		return
	}

	c.JSON(http.StatusOK, contracts)
}

// CancelContract деактивирует контракт
func (h *ContractHandler) CancelContract(c *gin.Context) {
	id := c.Param("id")

	err := h.service.CancelContract(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		case errors.Is(err, domain.ErrInvalidOperation):
			c.JSON(http.StatusConflict, gin.H{"error": "Contract is not active"})
		default:
			h.log.Error("Failed to cancel contract: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel contract"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
