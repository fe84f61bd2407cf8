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

const orderColumns = `id, user_id, product_id, quantity, total_price::text, status, created_at, updated_at`

// OrderStore is a domain.OrderRepository backed by PostgreSQL.
type OrderStore struct {
	db *pgxpool.Pool
}

// NewOrderStore returns an OrderStore using db.
func NewOrderStore(db *pgxpool.Pool) *OrderStore {
	return &OrderStore{db: db}
}

// CreateWithOutbox inserts the order and its outbox entry in one transaction.
func (s *OrderStore) CreateWithOutbox(ctx context.Context, o *domain.Order, entry *domain.OutboxEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback is a no-op once committed.
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, product_id, quantity, total_price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
	`, o.ID, o.UserID, o.ProductID, o.Quantity, o.TotalPrice.String(), string(o.Status), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, domain.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if entry != nil {
		if err := insertOutbox(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, q querier, e *domain.OutboxEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_id, destination, event_type, payload, created_at, claimed_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AggregateID, e.Destination, e.Type, e.Payload, e.CreatedAt, e.ClaimedUntil)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, id)
}

func getOrder(ctx context.Context, q querier, id string) (*domain.Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return o, err
}

func (s *OrderStore) List(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// Transition updates the status only when it still equals from.
func (s *OrderStore) Transition(ctx context.Context, id string, from, to domain.OrderStatus) (*domain.Order, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+orderColumns,
		id, string(from), string(to), time.Now().UTC())
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := getOrder(ctx, s.db, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("order %s is %s, not %s: %w", id, current.Status, from, domain.ErrConflict)
	}
	return o, err
}

// ClaimOutbox leases unpublished entries. SKIP LOCKED keeps concurrent
// relays from claiming the same rows.
func (s *OrderStore) ClaimOutbox(ctx context.Context, limit int, until time.Time) ([]domain.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE outbox SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE published_at IS NULL AND (claimed_until IS NULL OR claimed_until < $3)
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, destination, event_type, payload, created_at, claimed_until
	`, limit, until, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEntry
	for rows.Next() {
		var e domain.OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.Destination, &e.Type, &e.Payload, &e.CreatedAt, &e.ClaimedUntil); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *OrderStore) ReleaseOutbox(ctx context.Context, entryIDs ...string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE outbox SET claimed_until = NULL
		WHERE id = ANY($1) AND published_at IS NULL
	`, entryIDs)
	if err != nil {
		return fmt.Errorf("failed to release outbox entries: %w", err)
	}
	return nil
}

func (s *OrderStore) MarkPublished(ctx context.Context, entryID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbox SET published_at = $2 WHERE id = $1`, entryID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s: %w", entryID, domain.ErrNotFound)
	}
	return nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		total  string
		status string
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &total, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := parseDecimal(total)
	if err != nil {
		return nil, err
	}
	o.TotalPrice = d
	o.Status = domain.OrderStatus(status)
	return &o, nil
}
