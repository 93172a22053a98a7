// Package memory is an in-process Repository on go-memdb, for tests and demos.
package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/davidroman0O/ordersaga/internal/persistence/repository"
)

const (
	tableOrders   = "orders"
	tablePayments = "payments"
)

type Repository struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ repository.Repository = (*Repository)(nil)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableOrders: {
				Name: tableOrders,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			tablePayments: {
				Name: tablePayments,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "PaymentID"},
					},
					"order": {
						Name:    "order",
						Indexer: &memdb.StringFieldIndex{Field: "OrderID"},
					},
				},
			},
		},
	}
}

func New() (*Repository, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memdb: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

func (r *Repository) CreateOrder(_ context.Context, order repository.Order) (bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableOrders, "id", order.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	row := order
	row.Items = slices.Clone(order.Items)
	row.UpdatedAt = r.now()
	if err := txn.Insert(tableOrders, &row); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (r *Repository) UpdateOrderState(_ context.Context, orderID, state string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableOrders, "id", orderID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("order %s: %w", orderID, repository.ErrOrderNotFound)
	}

	// memdb objects are immutable once inserted
	row := *raw.(*repository.Order)
	row.State = state
	row.UpdatedAt = r.now()
	if err := txn.Insert(tableOrders, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *Repository) GetOrder(_ context.Context, orderID string) (repository.Order, error) {
	txn := r.db.Txn(false)
	raw, err := txn.First(tableOrders, "id", orderID)
	if err != nil {
		return repository.Order{}, err
	}
	if raw == nil {
		return repository.Order{}, fmt.Errorf("order %s: %w", orderID, repository.ErrOrderNotFound)
	}
	order := *raw.(*repository.Order)
	order.Items = slices.Clone(order.Items)
	return order, nil
}

func (r *Repository) InsertPayment(_ context.Context, payment repository.Payment) (bool, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tablePayments, "id", payment.PaymentID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	row := payment
	row.UpdatedAt = r.now()
	if err := txn.Insert(tablePayments, &row); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (r *Repository) UpdatePaymentStatus(_ context.Context, paymentID, status string) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tablePayments, "id", paymentID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("payment %s: %w", paymentID, repository.ErrPaymentNotFound)
	}

	row := *raw.(*repository.Payment)
	row.Status = status
	row.UpdatedAt = r.now()
	if err := txn.Insert(tablePayments, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *Repository) GetPayment(_ context.Context, paymentID string) (repository.Payment, error) {
	txn := r.db.Txn(false)
	raw, err := txn.First(tablePayments, "id", paymentID)
	if err != nil {
		return repository.Payment{}, err
	}
	if raw == nil {
		return repository.Payment{}, fmt.Errorf("payment %s: %w", paymentID, repository.ErrPaymentNotFound)
	}
	return *raw.(*repository.Payment), nil
}

// PaymentsForOrder lists every payment row of an order.
func (r *Repository) PaymentsForOrder(_ context.Context, orderID string) ([]repository.Payment, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tablePayments, "order", orderID)
	if err != nil {
		return nil, err
	}
	var out []repository.Payment
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*repository.Payment))
	}
	return out, nil
}

func (r *Repository) Close() error {
	return nil
}
