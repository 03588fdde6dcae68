package payments

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
)

var (
	ErrPaymentAlreadyInProgress = errors.New("payment already in progress")
	ErrNotFound                 = errors.New("payment not found")
	// ErrConflict means the payment or its order changed between read and
	// write; the caller re-reads and decides again.
	ErrConflict = errors.New("payment changed concurrently")
)

type Store interface {
	PaymentByOrder(ctx context.Context, orderID string) (*Payment, error)
	PaymentByIntent(ctx context.Context, intentID string) (*Payment, error)
	PaymentBySession(ctx context.Context, sessionID string) (*Payment, error)
	// SaveAttempt inserts the order's payment or replaces it with a new
	// attempt, and moves the order payment status to PROCESSING, as one unit.
	// The stored row keeps its id, which is written back to p.ID. It fails
	// with ErrPaymentAlreadyInProgress when the stored payment is blocking or
	// the order is already paid.
	SaveAttempt(ctx context.Context, p *Payment) error
	// ApplyOutcome moves payment and order together, or neither. ErrConflict
	// when either is no longer in the expected state.
	ApplyOutcome(ctx context.Context, o Outcome) error
	// BackfillIntent records the intent id of a non-terminal session payment.
	BackfillIntent(ctx context.Context, paymentID, intentID string) error
}

// OrderReader is the slice of the order store the engine reads.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, orders.ErrPersistence, err)
}
