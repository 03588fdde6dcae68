package payments

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

const paymentColumns = `id, order_id, channel, COALESCE(intent_id, ''), COALESCE(session_id, ''),
	amount_cents, currency, status, failure_reason, gateway_payload, checkout_url, attempt, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p       Payment
		ch, st  string
		payload []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &ch, &p.IntentID, &p.SessionID,
		&p.AmountCents, &p.Currency, &st, &p.FailureReason, &payload, &p.CheckoutURL, &p.Attempt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Channel = Channel(ch)
	p.Status = Status(st)
	p.GatewayPayload = payload
	return &p, nil
}

func (r *Repo) PaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID))
}

func (r *Repo) PaymentByIntent(ctx context.Context, intentID string) (*Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id=$1`, intentID))
}

func (r *Repo) PaymentBySession(ctx context.Context, sessionID string) (*Payment, error) {
	return scanPayment(r.DB.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE session_id=$1`, sessionID))
}

func (r *Repo) SaveAttempt(ctx context.Context, p *Payment) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var pstat string
	err = tx.QueryRow(ctx, `SELECT payment_status FROM orders WHERE id=$1 FOR UPDATE`, p.OrderID).Scan(&pstat)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !orders.CanTransitionPayment(orders.PaymentStatus(pstat), orders.PaymentProcessing) {
		return ErrPaymentAlreadyInProgress
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO payments(id, order_id, channel, intent_id, session_id, amount_cents, currency, status,
			failure_reason, gateway_payload, checkout_url, attempt)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, '', $9, $10, $11)
		ON CONFLICT (order_id) DO UPDATE SET
			channel = EXCLUDED.channel,
			intent_id = EXCLUDED.intent_id,
			session_id = EXCLUDED.session_id,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			failure_reason = '',
			gateway_payload = EXCLUDED.gateway_payload,
			checkout_url = EXCLUDED.checkout_url,
			attempt = EXCLUDED.attempt,
			updated_at = now()
		WHERE payments.status NOT IN ('SUCCEEDED', 'PROCESSING')
		RETURNING id, created_at, updated_at`,
		p.ID, p.OrderID, string(p.Channel), p.IntentID, p.SessionID, p.AmountCents, p.Currency, string(p.Status),
		nullJSON(p.GatewayPayload), p.CheckoutURL, p.Attempt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPaymentAlreadyInProgress
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE orders SET payment_status=$2, updated_at=now() WHERE id=$1`,
		p.OrderID, string(orders.PaymentProcessing)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repo) ApplyOutcome(ctx context.Context, o Outcome) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE payments SET status=$3,
			failure_reason = CASE WHEN $4 <> '' THEN $4 ELSE failure_reason END,
			intent_id = COALESCE(NULLIF($5, ''), intent_id),
			gateway_payload = COALESCE($6, gateway_payload),
			updated_at = now()
		WHERE id=$1 AND status=$2`,
		o.PaymentID, string(o.From), string(o.To), o.FailureReason, o.IntentID, nullJSON(o.Payload))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE orders SET status=$3, payment_status=$4, updated_at=now()
		WHERE id=$1 AND status=$2`,
		o.OrderID, string(o.OrderFrom), string(o.OrderTo), string(o.OrderPayment))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return tx.Commit(ctx)
}

func (r *Repo) BackfillIntent(ctx context.Context, paymentID, intentID string) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE payments SET intent_id=$2, updated_at=now()
		WHERE id=$1 AND intent_id IS NULL AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
		paymentID, intentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current, st string
	err = r.DB.QueryRow(ctx, `SELECT COALESCE(intent_id, ''), status FROM payments WHERE id=$1`, paymentID).Scan(&current, &st)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == intentID {
		return nil
	}
	return &orders.TransitionError{Entity: "payment", ID: paymentID, From: "intent " + current + " (" + st + ")", To: "intent " + intentID}
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
