// Package repository holds the orders and payments the activities write.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrPaymentNotFound = errors.New("payment not found")
)

const (
	StateCreated         = "CREATED"
	StateValidated       = "VALIDATED"
	StatePaid            = "PAID"
	StatePackagePrepared = "PACKAGE_PREPARED"
	StateDispatched      = "DISPATCHED"
)

// CancelledState is the order state written by a compensation.
func CancelledState(reason string) string {
	return "CANCELLED: " + reason
}

const (
	PaymentPending = "PENDING"
	PaymentCharged = "CHARGED"
)

type Item struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
}

type Order struct {
	ID              string
	State           string
	ShippingAddress string
	Items           []Item
	UpdatedAt       time.Time
}

type Payment struct {
	PaymentID string
	OrderID   string
	Status    string
	Amount    int64
	UpdatedAt time.Time
}

//go:generate mockgen -destination=mock/repository.go -package=mock . Repository

// Repository is what the activities need from the order database.
type Repository interface {
	// CreateOrder inserts the order unless its id exists; created reports which.
	CreateOrder(ctx context.Context, order Order) (created bool, err error)
	UpdateOrderState(ctx context.Context, orderID, state string) error
	GetOrder(ctx context.Context, orderID string) (Order, error)
	// InsertPayment inserts the payment unless its payment id exists.
	InsertPayment(ctx context.Context, payment Payment) (inserted bool, err error)
	UpdatePaymentStatus(ctx context.Context, paymentID, status string) error
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	Close() error
}
