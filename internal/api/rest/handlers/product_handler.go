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

// ProductHandler обработчик для продуктов
type ProductHandler struct {
	service service.ProductService
	log     *logger.Logger
}

// NewProductHandler создает новый обработчик продуктов
func NewProductHandler(svc service.ProductService, log *logger.Logger) *ProductHandler {
	return &ProductHandler{
		service: svc,
		log:     log,
	}
}

// GetProducts возвращает список активных продуктов
func (h *ProductHandler) GetProducts(c *gin.Context) {
	products, err := h.service.GetAll(c.Request.Context())
	if err != nil {
		h.log.Error("Failed to get products: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get products"})
		return
	}

	c.JSON(http.StatusOK, products)
}

// GetProduct возвращает продукт по ID
func (h *ProductHandler) GetProduct(c *gin.Context) {
	id := c.Param("id")

	product, err := h.service.GetByID(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found"})
		case errors.Is(err, repository.ErrInvalidData):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID format"})
		default:
			h.log.Error("Failed to get product: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get product"})
		}
		return
	}

	c.JSON(http.StatusOK, product)
}

type createProductRequest struct {
	Name          string `json:"name" binding:"required"`
	Price         int64  `json:"price" binding:"required,gt=0"`
	BillingPeriod string `json:"billing_period" binding:"omitempty,oneof=monthly one_time"`
}

// CreateProduct создает новый продукт
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid product request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	product, err := h.service.Create(c.Request.Context(), domain.Product{
		Name:          req.Name,
		Price:         req.Price,
		BillingPeriod: domain.BillingPeriod(req.BillingPeriod),
		Active:        true,
	})
	if err != nil {
		h.log.Error("Failed to create product: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create product"})
		return
	}

	c.JSON(http.StatusCreated, product)
}
