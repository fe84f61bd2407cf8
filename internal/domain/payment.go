package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentApproved PaymentStatus = "APPROVED"
	PaymentDeclined PaymentStatus = "DECLINED"
)

// MethodAuto marks payments created by the saga rather than the API.
const MethodAuto = "AUTO"

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentApproved || s == PaymentDeclined
}

// CanTransition reports whether s may move to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	return s == PaymentPending && next.Terminal()
}

// Payment settles a single order. OrderSynced and OutcomePublished track the
// follow-up steps that run after the terminal status is committed.
type Payment struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"orderId"`
	UserID           string          `json:"userId,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Method           string          `json:"method"`
	Status           PaymentStatus   `json:"status"`
	OrderSynced      bool            `json:"orderSynced"`
	OutcomePublished bool            `json:"outcomePublished"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	ClaimedUntil     *time.Time      `json:"-"`
}

// Settled reports whether every follow-up step of a terminal payment ran.
func (p *Payment) Settled() bool {
	return p.Status.Terminal() && p.OrderSynced && p.OutcomePublished
}
