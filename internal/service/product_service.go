package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/internal/repository"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// ProductService интерфейс сервиса продуктов
type ProductService interface {
	GetAll(ctx context.Context) ([]domain.Product, error)
	GetByID(ctx context.Context, id string) (domain.Product, error)
	Create(ctx context.Context, product domain.Product) (domain.Product, error)
}

type productService struct {
	repo repository.ProductRepository
	log  *logger.Logger
}

// NewProductService создает новый сервис продуктов
func NewProductService(repo repository.ProductRepository, log *logger.Logger) ProductService {
	return &productService{
		repo: repo,
		log:  log,
	}
}

func (s *productService) GetAll(ctx context.Context) ([]domain.Product, error) {
	s.log.Debug("Getting all products")
	return s.repo.GetAll(ctx)
}

func (s *productService) GetByID(ctx context.Context, id string) (domain.Product, error) {
	s.log.Debug("Getting product by ID: %s", id)

	productID, err := uuid.Parse(id)
	if err != nil {
		s.log.Warn("Invalid UUID format: %s", id)
		return domain.Product{}, repository.ErrInvalidData
	}

	return s.repo.GetByID(ctx, productID)
}

func (s *productService) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	s.log.Debug("Creating product: %s", product.Name)

	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	if product.BillingPeriod == "" {
		product.BillingPeriod = domain.BillingPeriodMonthly
	}

	return s.repo.Create(ctx, product)
}
