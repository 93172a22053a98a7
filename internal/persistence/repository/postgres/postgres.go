// Package postgres stores orders and payments in Postgres through pgx's database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/davidroman0O/ordersaga/internal/persistence/repository"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		shipping_address TEXT NOT NULL,
		items JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		payment_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		status TEXT NOT NULL,
		amount BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

type Repository struct {
	db *sql.DB
}

var _ repository.Repository = (*Repository)(nil)

func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Open connects with the pgx driver, bounds the pool and makes sure the tables exist.
func Open(ctx context.Context, dsn string, maxConns int) (*Repository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	repo := New(db)
	if err := repo.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}

func (r *Repository) CreateOrder(ctx context.Context, order repository.Order) (bool, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return false, errors.Wrapf(err, "encode items of order %s", order.ID)
	}

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		`INSERT INTO orders (id, state, shipping_address, items) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		order.ID, order.State, order.ShippingAddress, string(items))
	if err != nil {
		return false, errors.Wrapf(err, "create order %s", order.ID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "create order %s", order.ID)
	}
	return affected > 0, nil
}

func (r *Repository) UpdateOrderState(ctx context.Context, orderID, state string) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		`UPDATE orders SET state = $1, updated_at = NOW() WHERE id = $2`, state, orderID)
	if err != nil {
		return errors.Wrapf(err, "update order %s", orderID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update order %s", orderID)
	}
	if affected == 0 {
		return errors.Wrapf(repository.ErrOrderNotFound, "order %s", orderID)
	}
	return nil
}

func (r *Repository) GetOrder(ctx context.Context, orderID string) (repository.Order, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return repository.Order{}, errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	var (
		order repository.Order
		items []byte
		at    time.Time
	)
	row := conn.QueryRowContext(ctx,
		`SELECT id, state, shipping_address, items, updated_at FROM orders WHERE id = $1`, orderID)
	switch err := row.Scan(&order.ID, &order.State, &order.ShippingAddress, &items, &at); {
	case errors.Is(err, sql.ErrNoRows):
		return repository.Order{}, errors.Wrapf(repository.ErrOrderNotFound, "order %s", orderID)
	case err != nil:
		return repository.Order{}, errors.Wrapf(err, "get order %s", orderID)
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &order.Items); err != nil {
			return repository.Order{}, errors.Wrapf(err, "decode items of order %s", orderID)
		}
	}
	order.UpdatedAt = at
	return order, nil
}

func (r *Repository) InsertPayment(ctx context.Context, payment repository.Payment) (bool, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		`INSERT INTO payments (payment_id, order_id, status, amount) VALUES ($1, $2, $3, $4) ON CONFLICT (payment_id) DO NOTHING`,
		payment.PaymentID, payment.OrderID, payment.Status, payment.Amount)
	if err != nil {
		return false, errors.Wrapf(err, "insert payment %s", payment.PaymentID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "insert payment %s", payment.PaymentID)
	}
	return affected > 0, nil
}

func (r *Repository) UpdatePaymentStatus(ctx context.Context, paymentID, status string) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		`UPDATE payments SET status = $1, updated_at = NOW() WHERE payment_id = $2`, status, paymentID)
	if err != nil {
		return errors.Wrapf(err, "update payment %s", paymentID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update payment %s", paymentID)
	}
	if affected == 0 {
		return errors.Wrapf(repository.ErrPaymentNotFound, "payment %s", paymentID)
	}
	return nil
}

func (r *Repository) GetPayment(ctx context.Context, paymentID string) (repository.Payment, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return repository.Payment{}, errors.Wrap(err, "acquire connection")
	}
	defer conn.Close()

	var p repository.Payment
	row := conn.QueryRowContext(ctx,
		`SELECT payment_id, order_id, status, amount, updated_at FROM payments WHERE payment_id = $1`, paymentID)
	switch err := row.Scan(&p.PaymentID, &p.OrderID, &p.Status, &p.Amount, &p.UpdatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return repository.Payment{}, errors.Wrapf(repository.ErrPaymentNotFound, "payment %s", paymentID)
	case err != nil:
		return repository.Payment{}, errors.Wrapf(err, "get payment %s", paymentID)
	}
	return p, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
