// Package stock holds available quantities per product and the reservations
// taken against them.
//
// Reservations are journaled per (order, product). A release is always tied
// to a journaled reservation, so releasing the same reservation twice never
// returns stock twice.
package stock

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownProduct    = errors.New("unknown product")
	// ErrReservationClosed is returned when reserving again under an
	// (order, product) pair whose reservation has already been released.
	ErrReservationClosed = errors.New("reservation already released")
)

type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

const (
	ReservationReserved = "RESERVED"
	ReservationReleased = "RELEASED"
)

type Ledger interface {
	// Reserve decrements productID by qty on behalf of orderID, only when the
	// result stays non-negative. Repeating a live reservation is a no-op.
	Reserve(ctx context.Context, orderID, productID string, qty int) error
	// Release returns a single reservation to stock. Unknown or already
	// released reservations are ignored.
	Release(ctx context.Context, orderID, productID string) error
	// ReleaseAll returns every live reservation of orderID and reports how many
	// units went back to stock.
	ReleaseAll(ctx context.Context, orderID string) (int, error)
	Available(ctx context.Context, productID string) (int, error)
}
