package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

const productColumns = `id, name, description, price::text, stock, created_at, updated_at`

// ProductStore is a domain.ProductRepository backed by PostgreSQL.
type ProductStore struct {
	db *pgxpool.Pool
}

// NewProductStore returns a ProductStore using db.
func NewProductStore(db *pgxpool.Pool) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) Create(ctx context.Context, p *domain.Product) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO products (name, description, price, stock)
		VALUES ($1, $2, $3::numeric, $4)
		RETURNING `+productColumns,
		p.Name, p.Description, p.Price.String(), p.Stock)
	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("product %q: %w", p.Name, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert product: %w", err)
	}
	*p = *created
	return nil
}

func (s *ProductStore) Get(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	return p, err
}

func (s *ProductStore) List(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Update writes only the fields set in patch, so a concurrent AdjustStock
// is not overwritten by a stale stock value.
func (s *ProductStore) Update(ctx context.Context, id int64, patch domain.ProductPatch) (*domain.Product, error) {
	var price *string
	if patch.Price != nil {
		v := patch.Price.String()
		price = &v
	}
	row := s.db.QueryRow(ctx, `
		UPDATE products SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			price = COALESCE($4::numeric, price),
			stock = COALESCE($5, stock),
			updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		id, patch.Name, patch.Description, price, patch.Stock)
	p, err := scanProduct(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	case isUniqueViolation(err):
		return nil, fmt.Errorf("product %q: %w", *patch.Name, domain.ErrDuplicate)
	case err != nil:
		return nil, fmt.Errorf("failed to update product %d: %w", id, err)
	}
	return p, nil
}

func (s *ProductStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AdjustStock applies delta in a single conditional update so concurrent
// reservations can never drive the stock below zero.
func (s *ProductStore) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
		RETURNING `+productColumns, id, delta)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("product %d adjust %d: %w", id, delta, domain.ErrInsufficientStock)
	}
	return p, err
}

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.Stock, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := parseDecimal(price)
	if err != nil {
		return nil, err
	}
	p.Price = d
	return &p, nil
}
