// Package products is the catalog collaborator of the order saga: product
// records with an atomically adjusted stock level.
package products

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// CreateInput is the payload of POST /products.
type CreateInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

// UpdateInput is the payload of PUT /products/{id}. Omitted fields keep
// their current value.
type UpdateInput struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Price       *decimal.Decimal `json:"price"`
	Stock       *int             `json:"stock"`
}

// Service validates catalog writes before they reach the store.
type Service struct {
	repo   domain.ProductRepository
	logger *slog.Logger
}

// NewService returns a Service over repo.
func NewService(repo domain.ProductRepository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Product, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name is required", domain.ErrValidation)
	case !in.Price.IsPositive():
		return nil, fmt.Errorf("%w: price must be greater than 0", domain.ErrValidation)
	case in.Stock < 0:
		return nil, fmt.Errorf("%w: stock cannot be negative", domain.ErrValidation)
	}

	now := time.Now().UTC()
	p := &domain.Product{
		Name:        name,
		Description: in.Description,
		Price:       in.Price,
		Stock:       in.Stock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("product created", "product_id", p.ID, "name", p.Name, "stock", p.Stock)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	return s.repo.List(ctx)
}

// Update changes the given fields of a product. A name taken by another
// product is a conflict.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput) (*domain.Product, error) {
	patch := domain.ProductPatch{Description: in.Description, Price: in.Price, Stock: in.Stock}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", domain.ErrValidation)
		}
		patch.Name = &name
	}
	if in.Price != nil && !in.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be greater than 0", domain.ErrValidation)
	}
	if in.Stock != nil && *in.Stock < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", domain.ErrValidation)
	}

	p, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("product updated", "product_id", p.ID, "name", p.Name, "stock", p.Stock)
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("product deleted", "product_id", id)
	return nil
}

// AdjustStock adds amount (negative to reserve) to the product's stock.
func (s *Service) AdjustStock(ctx context.Context, id int64, amount int) (*domain.Product, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be non-zero", domain.ErrValidation)
	}
	p, err := s.repo.AdjustStock(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	s.logger.Info("stock adjusted", "product_id", id, "amount", amount, "stock", p.Stock)
	return p, nil
}
