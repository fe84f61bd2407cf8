package notification

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// History is a domain.NotificationRepository stored in SQLite.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(path string) (*History, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps writers serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate notifications: %w", err)
	}
	return nil
}

// Close releases the database.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) Save(ctx context.Context, n *domain.Notification) error {
	res, err := h.db.ExecContext(ctx, `
		INSERT INTO notifications (type, recipient, subject, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.Type, n.Recipient, n.Subject, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = id
	return nil
}

// List returns the history newest first.
func (h *History) List(ctx context.Context) ([]domain.Notification, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, type, recipient, subject, message, created_at
		FROM notifications
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.Recipient, &n.Subject, &n.Message, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
