package stock

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the Postgres ledger. Stock lives in products.stock (CHECK >= 0),
// the journal in reservations keyed by (order_id, product_id).
type Repo struct{ DB *pgxpool.Pool }

var _ Ledger = (*Repo)(nil)

func (r *Repo) Reserve(ctx context.Context, orderID, productID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %s: non-positive quantity %d", productID, qty)
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// conditional decrement: the row lock serializes concurrent reservations of
	// one product and the WHERE clause is re-checked after the lock is granted.
	ct, err := tx.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var available int
		err := tx.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&available)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
		}
		if err != nil {
			return err
		}
		return &InsufficientStockError{ProductID: productID, Requested: qty, Available: available}
	}

	ct, err = tx.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status)
		VALUES ($1, $2, $3, 'RESERVED')
		ON CONFLICT (order_id, product_id) DO NOTHING`, orderID, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// already journaled: undo this decrement via rollback
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE order_id=$1 AND product_id=$2`,
			orderID, productID).Scan(&status); err != nil {
			return err
		}
		if status == ReservationReleased {
			return fmt.Errorf("%w: order %s product %s", ErrReservationClosed, orderID, productID)
		}
		return nil
	}
	return tx.Commit(ctx)
}

func (r *Repo) Release(ctx context.Context, orderID, productID string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var qty int
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status='RELEASED', released_at = now()
		WHERE order_id=$1 AND product_id=$2 AND status='RESERVED'
		RETURNING qty`, orderID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) ReleaseAll(ctx context.Context, orderID string) (int, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE reservations SET status='RELEASED', released_at = now()
		WHERE order_id=$1 AND status='RESERVED'
		RETURNING product_id, qty`, orderID)
	if err != nil {
		return 0, err
	}
	type rec struct {
		pid string
		qty int
	}
	var recs []rec
	for rows.Next() {
		var x rec
		if err := rows.Scan(&x.pid, &x.qty); err != nil {
			rows.Close()
			return 0, err
		}
		recs = append(recs, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	units := 0
	for _, x := range recs {
		if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, x.pid, x.qty); err != nil {
			return 0, err
		}
		units += x.qty
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return units, nil
}

func (r *Repo) Available(ctx context.Context, productID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	return n, err
}
