// Package notification is the last consumer of the fulfillment saga. It
// turns payment outcomes into user-facing messages and keeps a history of
// everything it delivered.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nsridhar76/go-fulfillment/internal/domain"
)

// SendInput is the payload of POST /notify.
type SendInput struct {
	Type      string `json:"type"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// LogNotifier delivers notifications by logging them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, v domain.Notification) error {
	n.Logger.Info("notification sent", "type", v.Type, "recipient", v.Recipient, "subject", v.Subject)
	return nil
}

// Service delivers notifications and records them.
type Service struct {
	notifier domain.Notifier
	history  domain.NotificationRepository
	logger   *slog.Logger
}

func NewService(notifier domain.Notifier, history domain.NotificationRepository, logger *slog.Logger) *Service {
	return &Service{notifier: notifier, history: history, logger: logger}
}

// Send delivers in and appends it to the history.
func (s *Service) Send(ctx context.Context, in SendInput) (*domain.Notification, error) {
	n := domain.Notification{
		Type:      strings.TrimSpace(in.Type),
		Recipient: strings.TrimSpace(in.Recipient),
		Subject:   strings.TrimSpace(in.Subject),
		Message:   strings.TrimSpace(in.Message),
		CreatedAt: time.Now().UTC(),
	}
	if n.Type == "" || n.Recipient == "" || n.Subject == "" || n.Message == "" {
		return nil, fmt.Errorf("%w: type, recipient, subject and message are required", domain.ErrValidation)
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("deliver notification: %w", err)
	}
	if err := s.history.Save(ctx, &n); err != nil {
		s.logger.Warn("notification history write failed", "recipient", n.Recipient, "error", err)
	}
	return &n, nil
}

// List returns the delivered notifications, newest first.
func (s *Service) List(ctx context.Context) ([]domain.Notification, error) {
	return s.history.List(ctx)
}
