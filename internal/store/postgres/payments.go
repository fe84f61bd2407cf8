package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

const paymentColumns = `id, order_id, user_id, amount::text, method, status, order_synced, outcome_published, created_at, updated_at, claimed_until`

// PaymentStore is a domain.PaymentRepository backed by PostgreSQL. The
// unique key on order_id makes saga-created payments idempotent.
type PaymentStore struct {
	db *pgxpool.Pool
}

// NewPaymentStore returns a PaymentStore using db.
func NewPaymentStore(db *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{db: db}
}

func (s *PaymentStore) Create(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, order_id, user_id, amount, method, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`, p.ID, p.OrderID, p.UserID, p.Amount.String(), p.Method, string(p.Status), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for order %s: %w", p.OrderID, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *PaymentStore) Get(ctx context.Context, id string) (*domain.Payment, error) {
	return s.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id, "payment "+id)
}

func (s *PaymentStore) GetByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return s.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID, "payment for order "+orderID)
}

func (s *PaymentStore) getOne(ctx context.Context, sql, arg, what string) (*domain.Payment, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return p, err
}

func (s *PaymentStore) List(ctx context.Context) ([]domain.Payment, error) {
	return s.query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY created_at DESC`)
}

// Transition commits the status change and the settlement claim in one
// conditional update.
func (s *PaymentStore) Transition(ctx context.Context, id string, from, to domain.PaymentStatus, claimUntil time.Time) (*domain.Payment, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE payments SET status = $3, updated_at = $4, claimed_until = $5
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, string(from), string(to), time.Now().UTC(), claimUntil)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("payment %s is %s, not %s: %w", id, current.Status, from, domain.ErrConflict)
	}
	return p, err
}

func (s *PaymentStore) MarkOrderSynced(ctx context.Context, id string) error {
	return s.mark(ctx, `UPDATE payments SET order_synced = true, updated_at = $2 WHERE id = $1`, id)
}

func (s *PaymentStore) MarkOutcomePublished(ctx context.Context, id string) error {
	return s.mark(ctx, `UPDATE payments SET outcome_published = true, updated_at = $2 WHERE id = $1`, id)
}

func (s *PaymentStore) mark(ctx context.Context, sql, id string) error {
	tag, err := s.db.Exec(ctx, sql, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *PaymentStore) ClaimUnsettled(ctx context.Context, limit int, until time.Time) ([]domain.Payment, error) {
	out, err := s.query(ctx, `
		UPDATE payments SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM payments
			WHERE status <> 'PENDING' AND NOT (order_synced AND outcome_published)
			  AND (claimed_until IS NULL OR claimed_until < $3)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+paymentColumns, limit, until, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PaymentStore) ReleaseClaim(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `UPDATE payments SET claimed_until = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to release payment %s: %w", id, err)
	}
	return nil
}

func (s *PaymentStore) query(ctx context.Context, sql string, args ...any) ([]domain.Payment, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p      domain.Payment
		amount string
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &amount, &p.Method, &status,
		&p.OrderSynced, &p.OutcomePublished, &p.CreatedAt, &p.UpdatedAt, &p.ClaimedUntil)
	if err != nil {
		return nil, err
	}
	d, err := parseDecimal(amount)
	if err != nil {
		return nil, err
	}
	p.Amount = d
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}
